// Package watcher drives the check cycle: fetch the catalog, diff it
// against the previous snapshot, persist what changed, and maintain the
// status record reported inside every API response.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"modelwatch/internal/catalog"
	"modelwatch/internal/diff"
	"modelwatch/internal/history"
	"modelwatch/internal/metrics"
)

// Fetcher retrieves the current model list from the upstream API.
type Fetcher interface {
	FetchModels(ctx context.Context) ([]catalog.Model, error)
}

// Status is the watcher and store state reported inside every API
// response envelope.
type Status struct {
	Valid          bool      `json:"valid"`
	Development    bool      `json:"development"`
	APILastCheck   time.Time `json:"api_last_check"`
	APILastCheckOK bool      `json:"api_last_check_ok"`
	DBLastWrite    time.Time `json:"db_last_write"`
	DBModelCount   int       `json:"db_model_count"`
	DBChangeCount  int       `json:"db_change_count"`
	DBRemovedCount int       `json:"db_removed_count"`
	DBFirstChange  time.Time `json:"db_first_change"`
}

// Config holds watcher configuration.
type Config struct {
	// Interval between checks (default 1h).
	Interval time.Duration

	// Development marks the status record as a development deployment.
	Development bool
}

// Watcher polls the catalog on a fixed interval. At most one check runs
// at a time; a tick that fires while the previous check is still running
// is skipped, not queued.
type Watcher struct {
	fetcher  Fetcher
	store    history.Store
	interval time.Duration

	checking atomic.Bool
	now      func() time.Time

	mu     sync.RWMutex
	status Status
}

// New creates a Watcher and primes the status record from the store so
// counters are populated before the first check completes.
func New(ctx context.Context, fetcher Fetcher, store history.Store, cfg Config) (*Watcher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	w := &Watcher{
		fetcher:  fetcher,
		store:    store,
		interval: cfg.Interval,
		now:      time.Now,
	}
	w.status.Development = cfg.Development

	if err := w.refreshCounters(ctx); err != nil {
		return nil, fmt.Errorf("failed to load stored counters: %w", err)
	}
	return w, nil
}

// Run performs an immediate check and then one per interval until the
// context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	w.Check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("watcher stopped")
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check runs one check cycle unless one is already in flight.
func (w *Watcher) Check(ctx context.Context) {
	if !w.checking.CompareAndSwap(false, true) {
		slog.Debug("check already in progress, skipping")
		metrics.ObserveCheckSkipped()
		return
	}
	defer w.checking.Store(false)

	w.performCheck(ctx)
}

func (w *Watcher) performCheck(ctx context.Context) {
	start := w.now()
	slog.Info("checking model catalog")

	models, err := w.fetcher.FetchModels(ctx)
	if err != nil {
		slog.Error("catalog fetch failed", "error", err)
		w.failCheck(start)
		return
	}

	previous, err := w.store.LatestSnapshot(ctx)
	if err != nil {
		slog.Error("failed to load previous snapshot", "error", err)
		w.failCheck(start)
		return
	}

	capturedAt := w.now()

	// The very first fetch has nothing to diff against: record the
	// baseline without emitting change events.
	var events []catalog.Change
	if len(previous) > 0 {
		events = diff.Compute(models, previous)
		for i := range events {
			events[i].Timestamp = capturedAt
		}
	} else {
		slog.Info("storing initial snapshot", "models", len(models))
	}

	if len(events) > 0 {
		if err := w.store.StoreChanges(ctx, events); err != nil {
			slog.Error("failed to store change events", "error", err)
			w.failCheck(start)
			return
		}
	}

	// The snapshot lands even when nothing changed, so the capture time
	// always reflects the newest successful check.
	if err := w.store.StoreSnapshot(ctx, models, capturedAt); err != nil {
		slog.Error("failed to store snapshot", "error", err)
		w.failCheck(start)
		return
	}

	if err := w.refreshCounters(ctx); err != nil {
		slog.Warn("failed to refresh stored counters", "error", err)
	}

	w.mu.Lock()
	w.status.APILastCheck = start
	w.status.APILastCheckOK = true
	w.mu.Unlock()

	var added, changed, removed int
	for _, ev := range events {
		switch ev.Type {
		case catalog.ChangeAdded:
			added++
		case catalog.ChangeChanged:
			changed++
		case catalog.ChangeRemoved:
			removed++
		}
	}

	duration := w.now().Sub(start)
	slog.Info("check complete",
		"models", len(models),
		"added", added,
		"changed", changed,
		"removed", removed,
		"duration", duration)
	metrics.ObserveCheck("success", duration)
	metrics.ObserveChanges(added, changed, removed)
}

// failCheck records a failed attempt. Stored counters keep their previous
// values: a bad poll must not invalidate served data.
func (w *Watcher) failCheck(checkTime time.Time) {
	w.mu.Lock()
	w.status.APILastCheck = checkTime
	w.status.APILastCheckOK = false
	w.mu.Unlock()

	metrics.ObserveCheck("failure", w.now().Sub(checkTime))
}

// refreshCounters reloads the store-derived status fields.
func (w *Watcher) refreshCounters(ctx context.Context) error {
	counts, err := w.store.Counts(ctx)
	if err != nil {
		return err
	}
	lastWrite, err := w.store.LastWrite(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.status.Valid = counts.Models > 0
	w.status.DBModelCount = counts.Models
	w.status.DBChangeCount = counts.Changes
	w.status.DBRemovedCount = counts.Removed
	w.status.DBFirstChange = counts.FirstChange
	w.status.DBLastWrite = lastWrite
	w.mu.Unlock()

	metrics.SetModelCount(counts.Models)
	return nil
}

// Status returns a copy of the current status record.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// LastCheck returns the start time of the most recent check attempt.
func (w *Watcher) LastCheck() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.APILastCheck
}

// LastWrite returns the newest store write time.
func (w *Watcher) LastWrite() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.DBLastWrite
}

// NextCheck returns when the next check is due.
func (w *Watcher) NextCheck() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status.APILastCheck.Add(w.interval)
}

// Interval returns the configured check interval.
func (w *Watcher) Interval() time.Duration {
	return w.interval
}
