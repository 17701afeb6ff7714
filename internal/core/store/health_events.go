package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bgpack/catalogsync/internal/core"
)

const (
	DefaultHealthEventLimit = 100
	maxHealthEventLimit     = 1000
)

func eventWhereClause(q core.HealthEventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if endpoint := strings.TrimSpace(q.Endpoint); endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, endpoint)
	}
	if kind := strings.TrimSpace(q.Kind); kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, kind)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, q.Since.UTC().UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func eventLimit(q core.HealthEventFilter) int {
	switch {
	case q.Limit <= 0:
		return DefaultHealthEventLimit
	case q.Limit > maxHealthEventLimit:
		return maxHealthEventLimit
	default:
		return q.Limit
	}
}

// RecordHealthEvent appends an event to the history, assigning an id and timestamp when missing.
func (s *Store) RecordHealthEvent(ctx context.Context, event core.HealthEvent) (core.HealthEvent, error) {
	if s == nil || s.DB == nil {
		return event, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(event.Kind) == "" {
		return event, errors.New("event kind is required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	var detail sql.NullString
	if event.Detail != "" {
		detail = sql.NullString{String: event.Detail, Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO endpoint_health_events (id, endpoint, kind, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.Endpoint, event.Kind, detail, event.OccurredAt.UTC().UnixMilli())
	if err != nil {
		return event, fmt.Errorf("store health event: %w", err)
	}
	return event, nil
}

// ListHealthEvents returns matching events, newest first.
func (s *Store) ListHealthEvents(ctx context.Context, q core.HealthEventFilter) ([]core.HealthEvent, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args := eventWhereClause(q)
	args = append(args, eventLimit(q))

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, endpoint, kind, detail, occurred_at
		FROM endpoint_health_events
		%s
		ORDER BY occurred_at DESC, id
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list health events: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	events := []core.HealthEvent{}
	for rows.Next() {
		var (
			event      core.HealthEvent
			detail     sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&event.ID, &event.Endpoint, &event.Kind, &detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan health events: %w", err)
		}
		event.Detail = detail.String
		event.OccurredAt = time.UnixMilli(occurredAt).UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list health events: %w", err)
	}

	return events, nil
}

// PruneHealthEvents removes events older than before.
func (s *Store) PruneHealthEvents(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := s.DB.ExecContext(ctx, `DELETE FROM endpoint_health_events WHERE occurred_at < ?`, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune health events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune health events: %w", err)
	}
	return affected, nil
}

// HealthEventRecorder is the write side used by EventSink.
type HealthEventRecorder interface {
	RecordHealthEvent(ctx context.Context, event core.HealthEvent) (core.HealthEvent, error)
}

// EventSink persists health events off the caller's goroutine.
// Emit never blocks; events arriving while the buffer is full are dropped and counted.
type EventSink struct {
	Recorder HealthEventRecorder
	Logger   *logging.Logger

	events  chan core.HealthEvent
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// NewEventSink starts a sink with the given buffer size.
func NewEventSink(recorder HealthEventRecorder, logger *logging.Logger, buffer int) *EventSink {
	if buffer <= 0 {
		buffer = 64
	}
	sink := &EventSink{
		Recorder: recorder,
		Logger:   logger,
		events:   make(chan core.HealthEvent, buffer),
		done:     make(chan struct{}),
	}
	go sink.run()
	return sink
}

// Emit queues an event. It matches the EndpointHealth.OnEvent signature.
func (s *EventSink) Emit(event core.HealthEvent) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped++
		if s.Logger != nil {
			s.Logger.Warn("health event dropped, sink buffer full",
				zap.String("endpoint", event.Endpoint),
				zap.String("kind", event.Kind))
		}
	}
}

// Dropped reports how many events were discarded.
func (s *EventSink) Dropped() int64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains queued events and stops the worker.
func (s *EventSink) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventSink) run() {
	defer close(s.done)
	for event := range s.events {
		if s.Recorder == nil {
			continue
		}
		if _, err := s.Recorder.RecordHealthEvent(context.Background(), event); err != nil && s.Logger != nil {
			s.Logger.Warn("failed to persist health event",
				zap.String("endpoint", event.Endpoint),
				zap.String("kind", event.Kind),
				zap.Error(err))
		}
	}
}
