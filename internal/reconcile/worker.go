package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/storage"
)

// Defaults for Config fields left at zero.
const (
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 5 * time.Minute
	DefaultLockTTL     = 10 * time.Minute

	batchLock = "batch_session"
)

// Store is the sync log, lock and catalog persistence the worker uses.
type Store interface {
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
	ClaimSyncBatch(ctx context.Context, limit int, token string, staleAfter time.Duration) ([]storage.SyncEntry, error)
	CompleteSync(ctx context.Context, id int64, token string, status storage.SyncStatus) error
	FailSync(ctx context.Context, id int64, token, errMsg string, maxAttempts int, backoff time.Duration) (bool, error)
	ResetFailedSyncs(ctx context.Context) (int64, error)
	EnsureSyncEntry(ctx context.Context, key rating.Key) (bool, error)
	CatalogYearMakes(ctx context.Context) ([]storage.YearMake, error)
	CatalogModels(ctx context.Context, year int, mk string) ([]string, error)
}

// LiveFetcher fetches and stores one vehicle's rating from the live API.
// A nil record with nil error means the API has no data for it.
type LiveFetcher interface {
	FetchLive(ctx context.Context, key rating.Key) (*rating.Record, error)
}

// ModelLister lists the models the live API knows for a year and make.
type ModelLister interface {
	ListModels(ctx context.Context, year int, mk string) ([]string, error)
}

// Config tunes the worker.
type Config struct {
	BatchSize    int
	MaxAttempts  int
	RetryBase    time.Duration // backoff is RetryBase × attempt number
	RequestDelay time.Duration // pause between live API calls
	LockTTL      time.Duration // batch session lease, also the stale-claim window
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	return c
}

// BatchResult summarises one RunBatch.
type BatchResult struct {
	Processed int  `json:"processed"`
	Success   int  `json:"success"`
	NoData    int  `json:"no_data"`
	Failed    int  `json:"failed"`
	Busy      bool `json:"busy,omitempty"` // another batch session held the lock
}

// DiscoverResult summarises one DiscoverVehicles.
type DiscoverResult struct {
	YearMakes int `json:"year_makes"`
	Matched   int `json:"matched"`
	Created   int `json:"created"`
	Unmatched int `json:"unmatched"`
	Errors    int `json:"errors"`
}

// Worker drives vehicles without ratings through the live API off the
// request path.
type Worker struct {
	store   Store
	fetcher LiveFetcher
	lister  ModelLister
	cfg     Config
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
func NewWorker(store Store, fetcher LiveFetcher, lister ModelLister, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		fetcher: fetcher,
		lister:  lister,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// RunBatch leases up to BatchSize due sync entries and fetches each one.
// Only one batch session runs at a time across every process sharing the
// store; a call that finds the session held returns with Busy set.
func (w *Worker) RunBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	token := uuid.NewString()

	ok, err := w.store.AcquireLock(ctx, batchLock, token, w.cfg.LockTTL)
	if err != nil {
		return res, fmt.Errorf("acquiring batch lock: %w", err)
	}
	if !ok {
		w.logger.Info("batch session already running; skipping")
		res.Busy = true
		return res, nil
	}
	defer func() {
		if err := w.store.ReleaseLock(context.WithoutCancel(ctx), batchLock, token); err != nil {
			w.logger.Warn("releasing batch lock", "error", err)
		}
	}()

	entries, err := w.store.ClaimSyncBatch(ctx, w.cfg.BatchSize, token, w.cfg.LockTTL)
	if err != nil {
		return res, fmt.Errorf("claiming sync batch: %w", err)
	}

	for i, e := range entries {
		if i > 0 && !w.pause(ctx) {
			break
		}
		status, err := w.process(ctx, token, e)
		if err != nil {
			return res, err
		}
		res.Processed++
		switch status {
		case storage.SyncSuccess:
			res.Success++
		case storage.SyncNoData:
			res.NoData++
		default:
			res.Failed++
		}
	}

	if res.Processed > 0 {
		w.logger.Info("sync batch complete",
			"processed", res.Processed, "success", res.Success, "no_data", res.NoData, "failed", res.Failed)
	}
	return res, ctx.Err()
}

// process fetches one leased entry and records its outcome. Fetch failures
// are recorded, not returned; only a failure to update the sync log is.
func (w *Worker) process(ctx context.Context, token string, e storage.SyncEntry) (storage.SyncStatus, error) {
	key := rating.NewKey(e.Year, e.Make, e.Model)

	rec, err := w.fetcher.FetchLive(ctx, key)
	if err != nil && ctx.Err() != nil {
		// Shutting down; the lease goes stale and the entry is reclaimed.
		return "", ctx.Err()
	}
	if err != nil {
		terminal, ferr := w.store.FailSync(context.WithoutCancel(ctx), e.ID, token, err.Error(), w.cfg.MaxAttempts, w.cfg.RetryBase)
		if ferr != nil {
			return "", fmt.Errorf("recording failed sync %s: %w", key, ferr)
		}
		attrs := []any{"year", key.Year, "make", key.Make, "model", key.Model, "attempt", e.AttemptCount + 1, "error", err}
		if terminal {
			w.logger.Error("sync failed permanently; reset required", attrs...)
		} else {
			w.logger.Warn("sync attempt failed; will retry", attrs...)
		}
		return storage.SyncFailed, nil
	}

	status := storage.SyncSuccess
	if rec == nil || !rec.HasRating() {
		status = storage.SyncNoData
	}
	if err := w.store.CompleteSync(ctx, e.ID, token, status); err != nil {
		return "", fmt.Errorf("completing sync %s: %w", key, err)
	}
	w.logger.Debug("vehicle synced", "year", key.Year, "make", key.Make, "model", key.Model, "status", string(status))
	return status, nil
}

// DiscoverVehicles creates sync log entries for catalog vehicles. For every
// catalog (year, make) the live API's model list is fetched and each catalog
// model is matched against it with MatchModel. Entries use the API's model
// name so the worker can fetch them. Unmatched models are logged and skipped.
func (w *Worker) DiscoverVehicles(ctx context.Context) (DiscoverResult, error) {
	var res DiscoverResult

	yms, err := w.store.CatalogYearMakes(ctx)
	if err != nil {
		return res, fmt.Errorf("listing catalog: %w", err)
	}

	for i, ym := range yms {
		if i > 0 && !w.pause(ctx) {
			return res, ctx.Err()
		}
		res.YearMakes++

		apiModels, err := w.lister.ListModels(ctx, ym.Year, ym.Make)
		if err != nil {
			w.logger.Warn("listing api models", "year", ym.Year, "make", ym.Make, "error", err)
			res.Errors++
			continue
		}
		catalog, err := w.store.CatalogModels(ctx, ym.Year, ym.Make)
		if err != nil {
			return res, fmt.Errorf("listing catalog models: %w", err)
		}

		for _, m := range catalog {
			match, ok := MatchModel(m, apiModels)
			if !ok {
				w.logger.Info("catalog model has no api match", "year", ym.Year, "make", ym.Make, "model", m)
				res.Unmatched++
				continue
			}
			res.Matched++
			created, err := w.store.EnsureSyncEntry(ctx, rating.NewKey(ym.Year, ym.Make, match))
			if err != nil {
				return res, err
			}
			if created {
				res.Created++
			}
		}
	}

	w.logger.Info("vehicle discovery complete",
		"year_makes", res.YearMakes, "matched", res.Matched, "created", res.Created, "unmatched", res.Unmatched)
	return res, nil
}

// ResetFailures returns every failed entry to pending with a fresh attempt budget.
func (w *Worker) ResetFailures(ctx context.Context) (int64, error) {
	n, err := w.store.ResetFailedSyncs(ctx)
	if err != nil {
		return 0, err
	}
	w.logger.Info("failed syncs reset", "count", n)
	return n, nil
}

// pause waits RequestDelay. It reports false if ctx ended first.
func (w *Worker) pause(ctx context.Context) bool {
	if w.cfg.RequestDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(w.cfg.RequestDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
