package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modelwatch/internal/catalog"
)

// SQLite has a default limit of 999 bindable parameters per query
// (SQLITE_MAX_VARIABLE_NUMBER). Snapshot rows bind 3 parameters and
// change rows 4, so batches are chunked to stay under the limit.
const (
	maxSQLiteParams         = 999
	snapshotParamsPerRow    = 3
	changeParamsPerRow      = 4
	maxSnapshotRowsPerBatch = maxSQLiteParams / snapshotParamsPerRow
	maxChangeRowsPerBatch   = maxSQLiteParams / changeParamsPerRow
)

// SQLiteStore implements Store for SQLite databases.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite history store.
// It creates the snapshots and changes tables if they don't exist.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			captured_at TEXT NOT NULL,
			model_id TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			model_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// StoreSnapshot writes one row per model under the given capture time.
// All rows of a snapshot share one transaction so a failed write never
// leaves a partial snapshot behind.
func (s *SQLiteStore) StoreSnapshot(ctx context.Context, models []catalog.Model, capturedAt time.Time) error {
	if len(models) == 0 {
		return nil
	}

	tag := capturedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := 0; i < len(models); i += maxSnapshotRowsPerBatch {
		end := i + maxSnapshotRowsPerBatch
		if end > len(models) {
			end = len(models)
		}
		chunk := models[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]interface{}, 0, len(chunk)*snapshotParamsPerRow)
		for j, m := range chunk {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal model %s: %w", m.ID, err)
			}
			placeholders[j] = "(?, ?, ?)"
			values = append(values, tag, m.ID, string(data))
		}

		query := "INSERT INTO snapshots (captured_at, model_id, data) VALUES " + strings.Join(placeholders, ",")
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert snapshot batch %d: %w", i/maxSnapshotRowsPerBatch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the rows of the most recent capture, or nil when
// the store is empty.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) ([]catalog.Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM snapshots
		WHERE captured_at = (SELECT captured_at FROM snapshots ORDER BY id DESC LIMIT 1)
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	defer rows.Close()

	var models []catalog.Model
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		var m catalog.Model
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot row: %w", err)
		}
		models = append(models, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot rows: %w", err)
	}
	return models, nil
}

// StoreChanges appends change events to the log.
func (s *SQLiteStore) StoreChanges(ctx context.Context, changes []catalog.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin change transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := 0; i < len(changes); i += maxChangeRowsPerBatch {
		end := i + maxChangeRowsPerBatch
		if end > len(changes) {
			end = len(changes)
		}
		chunk := changes[i:end]

		placeholders := make([]string, len(chunk))
		values := make([]interface{}, 0, len(chunk)*changeParamsPerRow)
		for j, ch := range chunk {
			payload, err := changePayload(ch)
			if err != nil {
				return err
			}
			placeholders[j] = "(?, ?, ?, ?)"
			values = append(values, ch.Timestamp.UTC().Format(time.RFC3339Nano), ch.ID, string(ch.Type), string(payload))
		}

		query := "INSERT INTO changes (ts, model_id, change_type, data) VALUES " + strings.Join(placeholders, ",")
		if _, err := tx.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to insert change batch %d: %w", i/maxChangeRowsPerBatch, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

// RecentChanges returns up to limit events, newest first.
func (s *SQLiteStore) RecentChanges(ctx context.Context, limit int) ([]catalog.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, model_id, change_type, data FROM changes
		ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent changes: %w", err)
	}
	defer rows.Close()

	return scanChangeRows(rows)
}

// ChangesForModel returns up to limit events for one model, newest first.
func (s *SQLiteStore) ChangesForModel(ctx context.Context, modelID string, limit int) ([]catalog.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, model_id, change_type, data FROM changes
		WHERE model_id = ?
		ORDER BY id DESC LIMIT ?`, modelID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query changes for model %s: %w", modelID, err)
	}
	defer rows.Close()

	return scanChangeRows(rows)
}

// RemovedModels returns the removal events of models whose newest change
// row is a removal. A model that was removed and later re-added has an
// addition as its newest row and drops out of this result.
func (s *SQLiteStore) RemovedModels(ctx context.Context) ([]catalog.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
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

	return scanChangeRows(rows)
}

// Counts reports the aggregate counters used by the status record.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snapshots
		WHERE captured_at = (SELECT captured_at FROM snapshots ORDER BY id DESC LIMIT 1)`).Scan(&c.Models)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count snapshot models: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM changes`).Scan(&c.Changes); err != nil {
		return Counts{}, fmt.Errorf("failed to count changes: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM changes c
		JOIN (SELECT model_id, MAX(id) AS max_id FROM changes GROUP BY model_id) last
			ON c.id = last.max_id
		WHERE c.change_type = 'removed'`).Scan(&c.Removed)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count removed models: %w", err)
	}

	var first sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT ts FROM changes ORDER BY id ASC LIMIT 1`).Scan(&first)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Counts{}, fmt.Errorf("failed to read first change time: %w", err)
	}
	if first.Valid {
		c.FirstChange = parseTimestamp(first.String)
	}

	return c, nil
}

// LastWrite returns the time of the newest snapshot or change row.
func (s *SQLiteStore) LastWrite(ctx context.Context) (time.Time, error) {
	var last time.Time
	queries := []string{
		`SELECT captured_at FROM snapshots ORDER BY id DESC LIMIT 1`,
		`SELECT ts FROM changes ORDER BY id DESC LIMIT 1`,
	}
	for _, query := range queries {
		var ts string
		err := s.db.QueryRowContext(ctx, query).Scan(&ts)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to read last write time: %w", err)
		}
		if t := parseTimestamp(ts); t.After(last) {
			last = t
		}
	}
	return last, nil
}

// scanChangeRows decodes change rows in (ts, model_id, change_type, data)
// column order.
func scanChangeRows(rows *sql.Rows) ([]catalog.Change, error) {
	var changes []catalog.Change
	for rows.Next() {
		var ts, modelID, changeType, data string
		if err := rows.Scan(&ts, &modelID, &changeType, &data); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		ch, err := decodeChange(modelID, changeType, parseTimestamp(ts), []byte(data))
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

// parseTimestamp reads back an RFC3339 timestamp column. Rows are written
// by this package, so a parse failure means outside interference; it is
// logged and a zero time returned rather than failing the whole read.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		slog.Warn("failed to parse stored timestamp", "value", s, "error", err)
		return time.Time{}
	}
	return t
}

// changePayload returns the JSON stored in a change row's data column:
// the full record for additions and removals, the field map for changed
// events.
func changePayload(ch catalog.Change) ([]byte, error) {
	switch ch.Type {
	case catalog.ChangeChanged:
		data, err := json.Marshal(ch.Changes)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal change fields for %s: %w", ch.ID, err)
		}
		return data, nil
	default:
		data, err := json.Marshal(ch.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal model payload for %s: %w", ch.ID, err)
		}
		return data, nil
	}
}

// decodeChange rebuilds a change event from its stored columns.
func decodeChange(modelID, changeType string, ts time.Time, data []byte) (catalog.Change, error) {
	ch := catalog.Change{
		ID:        modelID,
		Type:      catalog.ChangeType(changeType),
		Timestamp: ts,
	}
	switch ch.Type {
	case catalog.ChangeChanged:
		if err := json.Unmarshal(data, &ch.Changes); err != nil {
			return catalog.Change{}, fmt.Errorf("failed to decode change fields for %s: %w", modelID, err)
		}
	default:
		if err := json.Unmarshal(data, &ch.Model); err != nil {
			return catalog.Change{}, fmt.Errorf("failed to decode model payload for %s: %w", modelID, err)
		}
	}
	return ch, nil
}
