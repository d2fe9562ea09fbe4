package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Jobs are the recurring maintenance operations of the service.
type Jobs interface {
	RunCsvSync(ctx context.Context) error
	RunValidate(ctx context.Context) error
	RunCacheCleanup(ctx context.Context) error
	RunBatch(ctx context.Context) error
}

// Task is one periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	// Delay before the first run. Zero runs immediately.
	Delay time.Duration
	Run   func(ctx context.Context) error
}

// Schedule returns the standard task set: the dataset sync, validation and
// cache cleanup daily, reconciliation batches every batchInterval.
func Schedule(j Jobs, batchInterval time.Duration) []Task {
	if batchInterval <= 0 {
		batchInterval = 5 * time.Minute
	}
	const day = 24 * time.Hour
	return []Task{
		{Name: "csv_sync", Interval: day, Run: j.RunCsvSync},
		{Name: "validate", Interval: day, Delay: time.Hour, Run: j.RunValidate},
		{Name: "cache_cleanup", Interval: day, Delay: 2 * time.Hour, Run: j.RunCacheCleanup},
		{Name: "sync_batch", Interval: batchInterval, Delay: time.Minute, Run: j.RunBatch},
	}
}

// Runner runs tasks on their intervals until its context ends. Runs of one
// task never overlap; a run that outlasts its interval delays the next one.
type Runner struct {
	tasks  []Task
	logger *slog.Logger
}

func NewRunner(tasks []Task, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{tasks: tasks, logger: logger}
}

// Run blocks until ctx is cancelled. Task errors are logged, never returned.
func (r *Runner) Run(ctx context.Context) error {
	for _, t := range r.tasks {
		if t.Interval <= 0 || t.Run == nil {
			return fmt.Errorf("task %q: interval and run func are required", t.Name)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		g.Go(func() error {
			r.loop(gCtx, t)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) loop(ctx context.Context, t Task) {
	timer := time.NewTimer(t.Delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := r.runOnce(ctx, t); err != nil {
			r.logger.Error("scheduled task failed", "task", t.Name, "error", err, "duration", time.Since(start))
		} else {
			r.logger.Debug("scheduled task finished", "task", t.Name, "duration", time.Since(start))
		}
		timer.Reset(t.Interval)
	}
}

func (r *Runner) runOnce(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.Run(ctx)
}
