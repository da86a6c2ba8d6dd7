package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"modelwatch/internal/catalog"
)

// PostgresStore implements Store for PostgreSQL databases.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL history store.
// It creates the snapshots and changes tables if they don't exist.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	ctx := context.Background()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			captured_at TIMESTAMPTZ NOT NULL,
			model_id TEXT NOT NULL,
			data JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS changes (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			model_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			data JSONB NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create history tables: %w", err)
		}
	}

	// Create indexes for common queries
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_snapshots_captured_at ON snapshots(captured_at)",
		"CREATE INDEX IF NOT EXISTS idx_snapshots_model ON snapshots(model_id)",
		"CREATE INDEX IF NOT EXISTS idx_changes_model ON changes(model_id, id)",
		"CREATE INDEX IF NOT EXISTS idx_changes_type ON changes(change_type)",
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// StoreSnapshot writes one row per model under the given capture time
// inside a single transaction.
func (s *PostgresStore) StoreSnapshot(ctx context.Context, models []catalog.Model, capturedAt time.Time) error {
	if len(models) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	capturedAt = capturedAt.UTC()
	for _, m := range models {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal model %s: %w", m.ID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO snapshots (captured_at, model_id, data)
			VALUES ($1, $2, $3)
		`, capturedAt, m.ID, data)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot row for %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the rows of the most recent capture, or nil when
// the store is empty.
func (s *PostgresStore) LatestSnapshot(ctx context.Context) ([]catalog.Model, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT data FROM snapshots
		WHERE captured_at = (SELECT captured_at FROM snapshots ORDER BY id DESC LIMIT 1)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	defer rows.Close()

	var models []catalog.Model
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var m catalog.Model
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot row: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return models, nil
}

// StoreChanges appends change events to the log inside a single
// transaction.
func (s *PostgresStore) StoreChanges(ctx context.Context, changes []catalog.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin change transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, ch := range changes {
		payload, err := changePayload(ch)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO changes (ts, model_id, change_type, data)
			VALUES ($1, $2, $3, $4)
		`, ch.Timestamp.UTC(), ch.ID, string(ch.Type), payload)
		if err != nil {
			return fmt.Errorf("failed to insert change row for %s: %w", ch.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

// RecentChanges returns up to limit events, newest first.
func (s *PostgresStore) RecentChanges(ctx context.Context, limit int) ([]catalog.Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, model_id, change_type, data FROM changes
		ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent changes: %w", err)
	}
	defer rows.Close()

	return scanPgChangeRows(rows)
}

// ChangesForModel returns up to limit events for one model, newest first.
func (s *PostgresStore) ChangesForModel(ctx context.Context, modelID string, limit int) ([]catalog.Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ts, model_id, change_type, data FROM changes
		WHERE model_id = $1
		ORDER BY id DESC LIMIT $2`, modelID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query changes for model %s: %w", modelID, err)
	}
	defer rows.Close()

	return scanPgChangeRows(rows)
}

// RemovedModels returns the removal events of models whose newest change
// row is a removal.
func (s *PostgresStore) RemovedModels(ctx context.Context) ([]catalog.Change, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.ts, c.model_id, c.change_type, c.data
		FROM changes c
		JOIN (SELECT model_id, MAX(id) AS max_id FROM changes GROUP BY model_id) last
			ON c.id = last.max_id
		WHERE c.change_type = 'removed'
		ORDER BY c.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query removed models: %w", err)
	}
	defer rows.Close()

	return scanPgChangeRows(rows)
}

// Counts reports the aggregate counters used by the status record.
func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM snapshots
		WHERE captured_at = (SELECT captured_at FROM snapshots ORDER BY id DESC LIMIT 1)`).Scan(&c.Models)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count snapshot models: %w", err)
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM changes`).Scan(&c.Changes); err != nil {
		return Counts{}, fmt.Errorf("failed to count changes: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM changes c
		JOIN (SELECT model_id, MAX(id) AS max_id FROM changes GROUP BY model_id) last
			ON c.id = last.max_id
		WHERE c.change_type = 'removed'`).Scan(&c.Removed)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count removed models: %w", err)
	}

	var first time.Time
	err = s.pool.QueryRow(ctx, `SELECT ts FROM changes ORDER BY id ASC LIMIT 1`).Scan(&first)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Counts{}, fmt.Errorf("failed to read first change time: %w", err)
	}
	if err == nil {
		c.FirstChange = first
	}

	return c, nil
}

// LastWrite returns the time of the newest snapshot or change row.
func (s *PostgresStore) LastWrite(ctx context.Context) (time.Time, error) {
	var last time.Time
	queries := []string{
		`SELECT captured_at FROM snapshots ORDER BY id DESC LIMIT 1`,
		`SELECT ts FROM changes ORDER BY id DESC LIMIT 1`,
	}
	for _, query := range queries {
		var ts time.Time
		err := s.pool.QueryRow(ctx, query).Scan(&ts)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to read last write time: %w", err)
		}
		if ts.After(last) {
			last = ts
		}
	}
	return last, nil
}

// scanPgChangeRows decodes change rows in (ts, model_id, change_type,
// data) column order.
func scanPgChangeRows(rows pgx.Rows) ([]catalog.Change, error) {
	var changes []catalog.Change
	for rows.Next() {
		var (
			ts                  time.Time
			modelID, changeType string
			data                []byte
		)
		if err := rows.Scan(&ts, &modelID, &changeType, &data); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		ch, err := decodeChange(modelID, changeType, ts, data)
		if err != nil {
			return nil, err
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change rows: %w", err)
	}
	return changes, nil
}
