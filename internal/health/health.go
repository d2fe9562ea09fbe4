package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kalambet/vsr/internal/storage"
)

// Health classifications.
const (
	StatusNotStarted = "not_started"
	StatusDegraded   = "degraded"
	StatusInProgress = "in_progress"
	StatusHealthy    = "healthy"
	StatusPartial    = "partial"
)

const (
	degradedFailureRatio = 0.10
	healthyCoverage      = 80.0
	alertFailureRate     = 20.0

	optLastValidation = "last_validation"
)

// Store provides the aggregates the reporter reads.
type Store interface {
	SyncCounts(ctx context.Context) (storage.SyncCounts, error)
	RatingStats(ctx context.Context) (storage.RatingStats, error)
	GetOption(ctx context.Context, key string) (string, error)
	SetOption(ctx context.Context, key, value string) error
}

// Report is a point-in-time view of reconciliation progress.
type Report struct {
	Status    string              `json:"status"`
	Coverage  float64             `json:"coverage"` // percent of sync log entries resolved
	Sync      storage.SyncCounts  `json:"sync"`
	Ratings   storage.RatingStats `json:"ratings"`
	CheckedAt time.Time           `json:"checked_at"`
}

// Alert is one anomaly found by ValidateSync.
type Alert struct {
	Code    string `json:"code"`
	Level   string `json:"level"` // "warning" or "critical"
	Message string `json:"message"`
}

// Validation is a health report with the alerts raised from it.
type Validation struct {
	Report Report  `json:"report"`
	Alerts []Alert `json:"alerts"`
}

// Reporter derives health from the sync log and rating store.
type Reporter struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReporter creates a Reporter. A nil notifier logs alerts only.
func NewReporter(store Store, notifier Notifier, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Reporter{
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckHealth aggregates the sync log and classifies it.
func (r *Reporter) CheckHealth(ctx context.Context) (Report, error) {
	counts, err := r.store.SyncCounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading sync counts: %w", err)
	}
	stats, err := r.store.RatingStats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading rating stats: %w", err)
	}

	cov := Coverage(counts)
	return Report{
		Status:    Classify(counts, cov),
		Coverage:  cov,
		Sync:      counts,
		Ratings:   stats,
		CheckedAt: r.now(),
	}, nil
}

// Coverage is the percentage of entries resolved as success or no_data,
// rounded to one decimal.
func Coverage(c storage.SyncCounts) float64 {
	if c.Total == 0 {
		return 0
	}
	pct := float64(c.Success+c.NoData) / float64(c.Total) * 100
	return math.Round(pct*10) / 10
}

// Classify derives the health status. Checks run in priority order:
// nothing tracked, too many failures, work outstanding, then coverage.
func Classify(c storage.SyncCounts, coverage float64) string {
	switch {
	case c.Total == 0:
		return StatusNotStarted
	case float64(c.Failed) > degradedFailureRatio*float64(c.Success+c.NoData):
		return StatusDegraded
	case c.Pending+c.Syncing > 0:
		return StatusInProgress
	case coverage >= healthyCoverage:
		return StatusHealthy
	default:
		return StatusPartial
	}
}

// ValidateSync recomputes health, raises alerts for anomalies and sends
// them to the notifier. The result is stored for LastValidation. Notifier
// failures are logged; validation is advisory.
func (r *Reporter) ValidateSync(ctx context.Context) (Validation, error) {
	rep, err := r.CheckHealth(ctx)
	if err != nil {
		return Validation{}, err
	}

	v := Validation{Report: rep, Alerts: alertsFor(rep)}

	if b, err := json.Marshal(v); err == nil {
		if err := r.store.SetOption(ctx, optLastValidation, string(b)); err != nil {
			r.logger.Warn("storing validation report", "error", err)
		}
	}

	if len(v.Alerts) > 0 {
		if err := r.notifier.Notify(ctx, v); err != nil {
			r.logger.Error("sending sync alerts", "alerts", len(v.Alerts), "error", err)
		}
	}
	r.logger.Info("sync validation complete", "status", rep.Status, "coverage", rep.Coverage, "alerts", len(v.Alerts))
	return v, nil
}

// LastValidation returns the stored result of the previous ValidateSync, or
// nil if none ran yet.
func (r *Reporter) LastValidation(ctx context.Context) (*Validation, error) {
	raw, err := r.store.GetOption(ctx, optLastValidation)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v Validation
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decoding last validation: %w", err)
	}
	return &v, nil
}

func alertsFor(rep Report) []Alert {
	c := rep.Sync
	if c.Total == 0 {
		return nil
	}
	var alerts []Alert

	failRate := float64(c.Failed) / float64(c.Total) * 100
	if failRate > alertFailureRate {
		alerts = append(alerts, Alert{
			Code:    "high_failure_rate",
			Level:   "critical",
			Message: fmt.Sprintf("%.1f%% of vehicles failed to sync (%d of %d)", failRate, c.Failed, c.Total),
		})
	}
	if c.Success == 0 {
		alerts = append(alerts, Alert{
			Code:    "no_successful_ratings",
			Level:   "critical",
			Message: fmt.Sprintf("none of %d tracked vehicles has a rating", c.Total),
		})
	}
	if rep.Status == StatusDegraded && failRate <= alertFailureRate {
		alerts = append(alerts, Alert{
			Code:    "degraded",
			Level:   "warning",
			Message: fmt.Sprintf("%d failed syncs exceed 10%% of resolved vehicles", c.Failed),
		})
	}
	return alerts
}
