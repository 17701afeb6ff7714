package handlers

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bgpack/catalogsync/internal/core"
	apperrors "github.com/bgpack/catalogsync/internal/errors"
)

// HealthController is the endpoint health surface exposed to operators.
type HealthController interface {
	Snapshot() []core.EndpointHealthState
	State(endpoint string) core.EndpointHealthState
	Budget() core.BudgetState
	Reset(endpoint string)
	ResetAll()
}

// HealthEventLister reads persisted breaker and reset history.
type HealthEventLister interface {
	ListHealthEvents(ctx context.Context, filter core.HealthEventFilter) ([]core.HealthEvent, error)
}

// EndpointsResponse is returned by the endpoint listing and budget reset routes.
type EndpointsResponse struct {
	Endpoints []core.EndpointHealthState `json:"endpoints"`
	Budget    core.BudgetState           `json:"budget"`
}

// EventsResponse wraps a health event listing.
type EventsResponse struct {
	Count  int                `json:"count"`
	Events []core.HealthEvent `json:"events"`
}

// AdminHandler serves the operator routes for inspecting and resetting endpoint health.
type AdminHandler struct {
	Health HealthController
	// Events is nil when persistence is disabled.
	Events HealthEventLister
	// Endpoints lists names that always appear in listings, even before first use.
	Endpoints []string
	// OnReset is called with "endpoint" or "budget" after a successful reset.
	OnReset func(scope string)
}

// ListEndpoints handles GET /v1/admin/endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EndpointsResponse{
		Endpoints: h.states(),
		Budget:    h.Health.Budget(),
	})
}

// ResetEndpoint handles POST /v1/admin/endpoints/{name}/reset.
func (h *AdminHandler) ResetEndpoint(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if !h.known(name) {
		envelope := apperrors.NewNotFoundError("unknown endpoint").
			WithDetails(map[string]interface{}{"endpoint": name, "known": h.names()})
		apperrors.RespondWithError(w, r, envelope)
		return
	}

	h.Health.Reset(name)
	h.notify("endpoint")
	writeJSON(w, http.StatusOK, h.Health.State(name))
}

// ResetBudget handles POST /v1/admin/budget/reset.
func (h *AdminHandler) ResetBudget(w http.ResponseWriter, r *http.Request) {
	h.Health.ResetAll()
	h.notify("budget")
	writeJSON(w, http.StatusOK, EndpointsResponse{
		Endpoints: h.states(),
		Budget:    h.Health.Budget(),
	})
}

// ListEvents handles GET /v1/admin/events.
func (h *AdminHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		apperrors.RespondWithError(w, r, apperrors.NewServiceUnavailableError("health event history requires the store to be enabled"))
		return
	}

	filter, err := parseEventFilter(r)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, err.Error()))
		return
	}

	events, err := h.Events.ListHealthEvents(r.Context(), filter)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to list health events"))
		return
	}
	writeJSON(w, http.StatusOK, EventsResponse{Count: len(events), Events: events})
}

func parseEventFilter(r *http.Request) (core.HealthEventFilter, error) {
	query := r.URL.Query()
	filter := core.HealthEventFilter{
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
		Kind:     strings.TrimSpace(query.Get("kind")),
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errInvalidParam("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errInvalidParam("since must be an RFC3339 timestamp")
		}
		filter.Since = since
	}
	return filter, nil
}

// states merges the configured endpoint names with whatever the tracker has seen.
func (h *AdminHandler) states() []core.EndpointHealthState {
	byName := make(map[string]core.EndpointHealthState)
	for _, name := range h.Endpoints {
		byName[name] = core.EndpointHealthState{Endpoint: name}
	}
	for _, state := range h.Health.Snapshot() {
		byName[state.Endpoint] = state
	}

	states := make([]core.EndpointHealthState, 0, len(byName))
	for _, state := range byName {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Endpoint < states[j].Endpoint })
	return states
}

func (h *AdminHandler) known(name string) bool {
	if name == "" {
		return false
	}
	for _, candidate := range h.names() {
		if candidate == name {
			return true
		}
	}
	return false
}

func (h *AdminHandler) names() []string {
	states := h.states()
	names := make([]string, 0, len(states))
	for _, state := range states {
		names = append(names, state.Endpoint)
	}
	return names
}

func (h *AdminHandler) notify(scope string) {
	if h.OnReset != nil {
		h.OnReset(scope)
	}
}

type errInvalidParam string

func (e errInvalidParam) Error() string { return string(e) }
