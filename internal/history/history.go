// Package history persists catalog snapshots and the change log derived
// from them. Rows are append-only: every check cycle appends one snapshot
// row per model plus one row per change event, and nothing is ever
// updated in place. A model counts as removed while its newest change row
// is a removal; a later addition supersedes it.
package history

import (
	"context"
	"fmt"
	"time"

	"modelwatch/internal/catalog"
	"modelwatch/internal/storage"
)

const (
	defaultChangeLimit = 100
	maxChangeLimit     = 1000
)

// Counts summarizes the stored history for status reporting.
type Counts struct {
	// Models is the number of rows in the latest snapshot.
	Models int
	// Changes is the total number of change events recorded.
	Changes int
	// Removed is the number of models whose newest event is a removal.
	Removed int
	// FirstChange is the time of the oldest change event, zero when the
	// change log is empty.
	FirstChange time.Time
}

// Store is the persistence contract for snapshots and change events.
// The underlying database connection is owned by the storage layer and is
// closed there, not here.
type Store interface {
	// StoreSnapshot writes one row per model under the given capture time.
	StoreSnapshot(ctx context.Context, models []catalog.Model, capturedAt time.Time) error

	// LatestSnapshot returns the most recent snapshot in insertion order,
	// or nil when the store is empty.
	LatestSnapshot(ctx context.Context) ([]catalog.Model, error)

	// StoreChanges appends change events to the log.
	StoreChanges(ctx context.Context, changes []catalog.Change) error

	// RecentChanges returns up to limit events, newest first.
	// A non-positive limit selects the default.
	RecentChanges(ctx context.Context, limit int) ([]catalog.Change, error)

	// ChangesForModel returns up to limit events for one model, newest first.
	ChangesForModel(ctx context.Context, modelID string, limit int) ([]catalog.Change, error)

	// RemovedModels returns the removal events of models that have not
	// reappeared since, most recently removed first.
	RemovedModels(ctx context.Context) ([]catalog.Change, error)

	// Counts reports the aggregate counters used by the status record.
	Counts(ctx context.Context) (Counts, error)

	// LastWrite returns the time of the newest snapshot or change row,
	// zero when the store is empty.
	LastWrite(ctx context.Context) (time.Time, error)
}

// New creates a history Store on the given storage backend.
func New(store storage.Storage) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgresStore(pool)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultChangeLimit
	}
	if limit > maxChangeLimit {
		return maxChangeLimit
	}
	return limit
}
