package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/bgpack/catalogsync/internal/core"
)

// RecordStats summarizes the record cache.
type RecordStats struct {
	Total   int   `json:"total"`
	Fresh   int   `json:"fresh"`
	Expired int   `json:"expired"`
	Hits    int64 `json:"hits"`
}

// GetRecords returns the cached records for ids that have not expired at now, keyed by external id.
// Missing and expired ids are absent from the result. Each returned row has its hit counter bumped.
func (s *Store) GetRecords(ctx context.Context, ids []string, now time.Time) (map[string]core.GameRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			keys = append(keys, id)
		}
	}
	records := make(map[string]core.GameRecord, len(keys))
	if len(keys) == 0 {
		return records, nil
	}

	args := make([]any, 0, len(keys)+1)
	for _, key := range keys {
		args = append(args, key)
	}
	args = append(args, now.UTC().Unix())
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT external_id, record_json
		FROM game_records
		WHERE external_id IN (%s) AND expires_at > ?
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch cached records: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	hit := make([]any, 0, len(keys))
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan cached record: %w", err)
		}
		var record core.GameRecord
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("decode cached record %s: %w", id, err)
		}
		records[id] = record
		hit = append(hit, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch cached records: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("fetch cached records: %w", err)
	}

	if len(hit) > 0 {
		_, err := s.DB.ExecContext(ctx, fmt.Sprintf(
			`UPDATE game_records SET hits = hits + 1 WHERE external_id IN (%s)`,
			strings.TrimSuffix(strings.Repeat("?,", len(hit)), ",")), hit...)
		if err != nil {
			return nil, fmt.Errorf("count cache hits: %w", err)
		}
	}

	return records, nil
}

// PutRecords upserts records with a shared expiry. Invalid records are skipped.
func (s *Store) PutRecords(ctx context.Context, records []core.GameRecord, expiresAt time.Time) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if len(records) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record upsert: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	fetched := time.Now().UTC().Unix()
	for _, record := range records {
		if !record.Valid() {
			continue
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", record.ExternalID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO game_records (external_id, name, record_json, fetched_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(external_id) DO UPDATE SET
				name = excluded.name,
				record_json = excluded.record_json,
				fetched_at = excluded.fetched_at,
				expires_at = excluded.expires_at
		`, record.ExternalID, record.Name, string(payload), fetched, expiresAt.UTC().Unix())
		if err != nil {
			return fmt.Errorf("store record %s: %w", record.ExternalID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record upsert: %w", err)
	}
	return nil
}

// PurgeExpiredRecords deletes records that expired at or before now and reports how many were removed.
func (s *Store) PurgeExpiredRecords(ctx context.Context, now time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.DB.ExecContext(ctx, `DELETE FROM game_records WHERE expires_at <= ?`, now.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}
	return affected, nil
}

// RecordStats counts cached records relative to now.
func (s *Store) RecordStats(ctx context.Context, now time.Time) (RecordStats, error) {
	if s == nil || s.DB == nil {
		return RecordStats{}, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		stats RecordStats
		fresh sql.NullInt64
		hits  sql.NullInt64
	)
	row := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END),
			SUM(hits)
		FROM game_records
	`, now.UTC().Unix())
	if err := row.Scan(&stats.Total, &fresh, &hits); err != nil {
		return RecordStats{}, fmt.Errorf("count cached records: %w", err)
	}
	stats.Fresh = int(fresh.Int64)
	stats.Expired = stats.Total - stats.Fresh
	stats.Hits = hits.Int64
	return stats, nil
}
