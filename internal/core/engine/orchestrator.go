package engine

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/core"
	"github.com/bgpack/catalogsync/internal/core/normalize"
)

const (
	DefaultDetailBatchSize = 20
	DefaultRecordCacheTTL  = 24 * time.Hour
)

// Caller issues a logical upstream call. *Gateway implements it.
type Caller interface {
	Call(ctx context.Context, endpoint string, req Request) ([]byte, error)
}

// RecordCache stores normalized detail records between fetches.
type RecordCache interface {
	GetRecords(ctx context.Context, ids []string, now time.Time) (map[string]core.GameRecord, error)
	PutRecords(ctx context.Context, records []core.GameRecord, expiresAt time.Time) error
}

// SyncObserver receives the result of each facade operation.
type SyncObserver interface {
	ObserveSync(operation string, records int, degraded error)
}

// Orchestrator is the consumer-facing facade over the gateway and the normalizer.
// Its operations never return errors: any upstream or normalization failure is logged
// and degrades to an empty (or shorter) result.
type Orchestrator struct {
	Gateway    Caller
	Normalizer *normalize.Normalizer
	Cache      RecordCache
	CacheTTL   time.Duration
	// DetailBatchSize caps the number of ids sent in one thing request.
	DetailBatchSize int
	Logger          *logging.Logger
	Observer        SyncObserver
	Clock           func() time.Time
}

// SearchByName looks up catalog entries by name.
func (o *Orchestrator) SearchByName(ctx context.Context, query string) []core.GameRecord {
	query = strings.TrimSpace(query)
	if query == "" {
		o.degrade("search", errors.New("query is required"))
		return []core.GameRecord{}
	}

	req := Request{
		Path:  "search",
		Query: url.Values{"query": {query}, "type": {"boardgame"}},
	}
	records, err := o.fetch(ctx, core.EndpointSearch, req, o.normalizer().ParseSearch)
	if err != nil {
		o.degrade("search", err, zap.String("query", query))
		return []core.GameRecord{}
	}
	o.report("search", len(records), nil)
	return records
}

// FetchCollection returns the games a user owns, optionally without expansions.
func (o *Orchestrator) FetchCollection(ctx context.Context, username string, excludeExpansions bool) []core.GameRecord {
	username = strings.TrimSpace(username)
	if username == "" {
		o.degrade("collection", errors.New("username is required"))
		return []core.GameRecord{}
	}

	query := url.Values{
		"username": {username},
		"own":      {"1"},
		"stats":    {"1"},
		"subtype":  {"boardgame"},
	}
	if excludeExpansions {
		query.Set("excludesubtype", "boardgameexpansion")
	}

	records, err := o.fetch(ctx, core.EndpointCollection, Request{Path: "collection", Query: query}, o.normalizer().ParseCollection)
	if err != nil {
		o.degrade("collection", err, zap.String("username", username))
		return []core.GameRecord{}
	}
	o.report("collection", len(records), nil)
	return records
}

// FetchDetails returns full records for the given ids in request order.
// Fresh cached records are served without an upstream call; a failed batch drops only its own ids.
func (o *Orchestrator) FetchDetails(ctx context.Context, ids []int) []core.GameRecord {
	keys := uniqueIDs(ids)
	if len(keys) == 0 {
		return []core.GameRecord{}
	}

	found := o.cached(ctx, keys)

	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := found[key]; !ok {
			missing = append(missing, key)
		}
	}

	var failure error
	for _, batch := range chunk(missing, o.batchSize()) {
		req := Request{
			Path:  "thing",
			Query: url.Values{"id": {strings.Join(batch, ",")}, "stats": {"1"}},
		}
		records, err := o.fetch(ctx, core.EndpointThing, req, o.normalizer().ParseThings)
		if err != nil {
			failure = err
			o.degrade("details", err, zap.Strings("ids", batch))
			continue
		}
		o.store(ctx, records)
		for _, record := range records {
			found[record.ExternalID] = record
		}
	}

	result := make([]core.GameRecord, 0, len(found))
	for _, key := range keys {
		if record, ok := found[key]; ok {
			result = append(result, record)
		}
	}
	if failure == nil {
		o.report("details", len(result), nil)
	}
	return result
}

// FetchGame returns the full record for one id.
func (o *Orchestrator) FetchGame(ctx context.Context, id int) (core.GameRecord, bool) {
	records := o.FetchDetails(ctx, []int{id})
	if len(records) == 0 {
		return core.GameRecord{}, false
	}
	return records[0], true
}

func (o *Orchestrator) fetch(ctx context.Context, endpoint core.Endpoint, req Request, parse func([]byte) ([]core.GameRecord, error)) ([]core.GameRecord, error) {
	if o == nil || o.Gateway == nil {
		return nil, errors.New("orchestrator is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := o.Gateway.Call(ctx, string(endpoint), req)
	if err != nil {
		return nil, err
	}
	return parse(body)
}

func (o *Orchestrator) cached(ctx context.Context, keys []string) map[string]core.GameRecord {
	found := make(map[string]core.GameRecord, len(keys))
	if o == nil || o.Cache == nil {
		return found
	}
	if ctx == nil {
		ctx = context.Background()
	}

	records, err := o.Cache.GetRecords(ctx, keys, o.now())
	if err != nil {
		o.warn("record cache lookup failed", zap.Error(err))
		return found
	}
	for key, record := range records {
		found[key] = record
	}
	return found
}

func (o *Orchestrator) store(ctx context.Context, records []core.GameRecord) {
	if o == nil || o.Cache == nil || len(records) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ttl := o.CacheTTL
	if ttl <= 0 {
		ttl = DefaultRecordCacheTTL
	}
	if err := o.Cache.PutRecords(ctx, records, o.now().Add(ttl)); err != nil {
		o.warn("record cache write failed", zap.Error(err))
	}
}

func (o *Orchestrator) degrade(operation string, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation),
		zap.String("reason", DegradeReason(err)),
		zap.Error(err))
	o.warn("upstream data unavailable, returning empty result", fields...)
	o.report(operation, 0, err)
}

func (o *Orchestrator) report(operation string, records int, err error) {
	if o != nil && o.Observer != nil {
		o.Observer.ObserveSync(operation, records, err)
	}
}

func (o *Orchestrator) normalizer() *normalize.Normalizer {
	if o != nil && o.Normalizer != nil {
		return o.Normalizer
	}
	var logger *logging.Logger
	if o != nil {
		logger = o.Logger
	}
	return &normalize.Normalizer{Logger: logger}
}

func (o *Orchestrator) batchSize() int {
	if o != nil && o.DetailBatchSize > 0 {
		return o.DetailBatchSize
	}
	return DefaultDetailBatchSize
}

func (o *Orchestrator) now() time.Time {
	if o != nil && o.Clock != nil {
		return o.Clock()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) warn(msg string, fields ...zap.Field) {
	if o != nil && o.Logger != nil {
		o.Logger.Warn(msg, fields...)
	}
}

// DegradeReason names the failure category that caused a degraded result.
func DegradeReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrSuppressed):
		return "suppressed"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrServerFault):
		return "server_fault"
	case errors.Is(err, normalize.ErrNormalization):
		return "normalization"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrUpstreamFatal):
		return "upstream_fatal"
	default:
		return "invalid_request"
	}
}

func uniqueIDs(ids []int) []string {
	seen := make(map[int]struct{}, len(ids))
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, strconv.Itoa(id))
	}
	return keys
}

func chunk(values []string, size int) [][]string {
	if len(values) == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		batches = append(batches, values[start:end])
	}
	return batches
}
