package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bgpack/catalogsync/internal/core"
	apperrors "github.com/bgpack/catalogsync/internal/errors"
)

// maxLookupIDs bounds a single ids= listing.
const maxLookupIDs = 200

// Catalog is the read facade served over HTTP. *engine.Orchestrator implements it.
type Catalog interface {
	SearchByName(ctx context.Context, query string) []core.GameRecord
	FetchCollection(ctx context.Context, username string, excludeExpansions bool) []core.GameRecord
	FetchDetails(ctx context.Context, ids []int) []core.GameRecord
	FetchGame(ctx context.Context, id int) (core.GameRecord, bool)
}

// RecordsResponse wraps a record listing.
type RecordsResponse struct {
	Count   int               `json:"count"`
	Records []core.GameRecord `json:"records"`
}

// GamesHandler serves catalog lookups. Upstream failures surface as empty listings,
// matching the facade's degrade-to-empty contract.
type GamesHandler struct {
	Catalog Catalog
}

// Search handles GET /v1/search?q=.
func (h *GamesHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		apperrors.RespondWithError(w, r, apperrors.NewInvalidInputError("q is required"))
		return
	}
	writeRecords(w, h.Catalog.SearchByName(r.Context(), query))
}

// Collection handles GET /v1/users/{username}/collection.
func (h *GamesHandler) Collection(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(chi.URLParam(r, "username"))
	if username == "" {
		apperrors.RespondWithError(w, r, apperrors.NewInvalidInputError("username is required"))
		return
	}

	exclude := false
	if raw := r.URL.Query().Get("exclude_expansions"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "exclude_expansions must be a boolean"))
			return
		}
		exclude = parsed
	}
	writeRecords(w, h.Catalog.FetchCollection(r.Context(), username, exclude))
}

// Game handles GET /v1/games/{id}.
func (h *GamesHandler) Game(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		envelope := apperrors.NewInvalidInputError("id must be a positive integer").
			WithDetails(map[string]interface{}{"id": raw})
		apperrors.RespondWithError(w, r, envelope)
		return
	}

	record, ok := h.Catalog.FetchGame(r.Context(), id)
	if !ok {
		envelope := apperrors.NewNotFoundError("game not found or upstream unavailable").
			WithDetails(map[string]interface{}{"id": id})
		apperrors.RespondWithError(w, r, envelope)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// Games handles GET /v1/games?ids=1,2,3.
func (h *GamesHandler) Games(w http.ResponseWriter, r *http.Request) {
	ids, err := ParseIDList(r.URL.Query().Get("ids"))
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, err.Error()))
		return
	}
	if len(ids) > maxLookupIDs {
		apperrors.RespondWithError(w, r, apperrors.NewInvalidInputError("too many ids; at most "+strconv.Itoa(maxLookupIDs)+" per request"))
		return
	}
	writeRecords(w, h.Catalog.FetchDetails(r.Context(), ids))
}

// ParseIDList parses a comma separated list of positive ids. Blank entries are skipped.
func ParseIDList(raw string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return nil, errInvalidParam("invalid id " + strconv.Quote(part))
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errInvalidParam("ids is required")
	}
	return ids, nil
}

func writeRecords(w http.ResponseWriter, records []core.GameRecord) {
	if records == nil {
		records = []core.GameRecord{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Count: len(records), Records: records})
}
