// Package app wires the rating pipeline's components into one application
// context and exposes the operator maintenance actions and scheduled jobs.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/vsr/internal/cache"
	"github.com/kalambet/vsr/internal/config"
	"github.com/kalambet/vsr/internal/health"
	"github.com/kalambet/vsr/internal/importer"
	"github.com/kalambet/vsr/internal/nhtsa"
	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/reconcile"
	"github.com/kalambet/vsr/internal/resolver"
	"github.com/kalambet/vsr/internal/scheduler"
	"github.com/kalambet/vsr/internal/storage"
)

// App holds every long-lived component. It is built once at startup.
type App struct {
	Config   config.Config
	Store    *storage.Store
	NHTSA    *nhtsa.Client
	Cache    *cache.Ephemeral
	Importer *importer.Importer
	Resolver *resolver.Resolver
	Worker   *reconcile.Worker
	Reporter *health.Reporter

	logger *slog.Logger
}

// New opens the store in cfg.Storage.DataDir and builds the pipeline on it.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	client := nhtsa.New(cfg.NHTSA.APIBaseURL, cfg.NHTSA.Timeout, logger.With("component", "nhtsa"))
	eph := cache.New(store, cfg.Cache.TTL)
	res := resolver.New(store, eph, client, cfg.Cache.APITTL, logger.With("component", "resolver"))

	notifiers := health.MultiNotifier{health.NewLogNotifier(logger.With("component", "alerts"))}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, health.NewWebhookNotifier(cfg.Alerts.WebhookURL))
	}

	a := &App{
		Config:   cfg,
		Store:    store,
		NHTSA:    client,
		Cache:    eph,
		Importer: importer.New(store, cfg.NHTSA.CSVURL, cfg.Storage.DataDir, cfg.NHTSA.Timeout, logger.With("component", "importer")),
		Resolver: res,
		Worker: reconcile.NewWorker(store, res, client, reconcile.Config{
			BatchSize:    cfg.Sync.BatchSize,
			MaxAttempts:  cfg.Sync.MaxAttempts,
			RetryBase:    cfg.Sync.RetryBase(),
			RequestDelay: cfg.Sync.RequestDelay,
		}, logger.With("component", "worker")),
		Reporter: health.NewReporter(store, notifiers, logger.With("component", "health")),
		logger:   logger,
	}
	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

// Tasks returns the periodic jobs for the scheduler.
func (a *App) Tasks() []scheduler.Task {
	return scheduler.Schedule(a, a.Config.Sync.BatchInterval)
}

func (a *App) RunCsvSync(ctx context.Context) error {
	_, err := a.SyncNow(ctx, false)
	return err
}

func (a *App) RunValidate(ctx context.Context) error {
	_, err := a.Reporter.ValidateSync(ctx)
	return err
}

// RunCacheCleanup purges expired ephemeral entries. Durable ratings are
// permanent and left alone.
func (a *App) RunCacheCleanup(ctx context.Context) error {
	n, err := a.Store.PurgeExpiredTransients(ctx)
	if err != nil {
		return err
	}
	a.logger.Debug("expired transients purged", "count", n)
	return nil
}

func (a *App) RunBatch(ctx context.Context) error {
	_, err := a.Worker.RunBatch(ctx)
	return err
}

// SyncNow runs the dataset sync immediately. A successful import flushes the
// ephemeral cache.
func (a *App) SyncNow(ctx context.Context, force bool) (importer.Result, error) {
	res, err := a.Importer.Sync(ctx, force)
	if err != nil {
		return res, err
	}
	if res.Status == importer.StatusSuccess {
		a.flushCache(ctx)
	}
	return res, nil
}

func (a *App) Batch(ctx context.Context) (reconcile.BatchResult, error) {
	return a.Worker.RunBatch(ctx)
}

func (a *App) Discover(ctx context.Context) (reconcile.DiscoverResult, error) {
	return a.Worker.DiscoverVehicles(ctx)
}

func (a *App) ResetFailures(ctx context.Context) (int64, error) {
	return a.Worker.ResetFailures(ctx)
}

func (a *App) Validate(ctx context.Context) (health.Validation, error) {
	return a.Reporter.ValidateSync(ctx)
}

func (a *App) Lookup(ctx context.Context, year int, mk, modelPrefix string) ([]resolver.Resolution, error) {
	return a.Resolver.Lookup(ctx, year, mk, modelPrefix)
}

// ClearCaches drops every ephemeral rating and the remote dataset probe.
func (a *App) ClearCaches(ctx context.Context) (int64, error) {
	n, err := a.Cache.Flush(ctx)
	if err != nil {
		return 0, fmt.Errorf("flushing rating cache: %w", err)
	}
	if err := a.Importer.ForgetRemote(ctx); err != nil {
		return n, fmt.Errorf("clearing remote probe: %w", err)
	}
	a.logger.Info("caches cleared", "entries", n)
	return n, nil
}

// Reimport wipes the durable store and reloads the dataset. The ephemeral
// cache is flushed so no wiped record is served afterwards.
func (a *App) Reimport(ctx context.Context) (importer.Result, error) {
	res, err := a.Importer.Reimport(ctx)
	a.flushCache(context.WithoutCancel(ctx))
	return res, err
}

// SetManualRating stores an operator-entered rating that never expires and
// refreshes the cached copy.
func (a *App) SetManualRating(ctx context.Context, key rating.Key, f rating.Fields) (*rating.Record, error) {
	if !key.Valid() {
		return nil, resolver.ErrInvalidKey
	}
	if _, err := a.Store.UpsertRating(ctx, key, f, rating.SourceManual, 0); err != nil {
		return nil, err
	}
	rec, err := a.Store.GetRating(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading manual rating: %w", err)
	}
	if err := a.Cache.Set(ctx, rec); err != nil {
		a.logger.Warn("caching manual rating", "year", key.Year, "make", key.Make, "model", key.Model, "error", err)
	}
	a.logger.Info("manual rating stored", "year", key.Year, "make", key.Make, "model", key.Model)
	return rec, nil
}

// AddCatalogVehicle records a vehicle the site lists. Discovery turns catalog
// entries into sync log entries.
func (a *App) AddCatalogVehicle(ctx context.Context, key rating.Key) error {
	if !key.Valid() {
		return resolver.ErrInvalidKey
	}
	return a.Store.AddCatalogVehicle(ctx, key)
}

// Status is the combined operator view.
type Status struct {
	Health health.Report      `json:"health"`
	Import importer.Status    `json:"import"`
	Last   *health.Validation `json:"last_validation,omitempty"`
}

// Status reports pipeline health, import markers and the last validation.
func (a *App) Status(ctx context.Context) (Status, error) {
	rep, err := a.Reporter.CheckHealth(ctx)
	if err != nil {
		return Status{}, err
	}
	imp, err := a.Importer.RemoteStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading import status: %w", err)
	}
	last, err := a.Reporter.LastValidation(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("reading last validation: %w", err)
	}
	return Status{Health: rep, Import: imp, Last: last}, nil
}

func (a *App) flushCache(ctx context.Context) {
	if _, err := a.Cache.Flush(ctx); err != nil {
		a.logger.Warn("flushing rating cache", "error", err)
	}
}
