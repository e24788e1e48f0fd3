package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// RetentionWorker deletes terminal executions older than the retention
// window, in batches, descendants first. Foreign keys would cascade on
// their own, but application-ordered deletes keep optimistic versions
// consistent and give each batch an observable boundary.
type RetentionWorker struct {
	store  storage.Store
	logger core.Logger

	retentionDays int
	batchSize     int
	runAtHour     int
	runAtMinute   int
}

// RetentionOption configures a RetentionWorker.
type RetentionOption func(*RetentionWorker)

// WithRetentionLogger sets the logger (defaults to NoOp). Component-aware
// loggers are scoped to "retention".
func WithRetentionLogger(logger core.Logger) RetentionOption {
	return func(w *RetentionWorker) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			w.logger = cal.WithComponent("retention")
			return
		}
		w.logger = logger
	}
}

// WithRetentionPolicy overrides the retention window and batch size.
func WithRetentionPolicy(days, batchSize int) RetentionOption {
	return func(w *RetentionWorker) {
		if days >= 1 {
			w.retentionDays = days
		}
		if batchSize >= 1 {
			w.batchSize = batchSize
		}
	}
}

// WithRetentionSchedule sets the daily wall-clock run time ("02:00").
func WithRetentionSchedule(runAt string) RetentionOption {
	return func(w *RetentionWorker) {
		if hour, minute, err := core.ParseWallClock(runAt); err == nil {
			w.runAtHour, w.runAtMinute = hour, minute
		}
	}
}

// NewRetentionWorker creates a worker with the default 30-day window,
// batches of 100, and a daily 02:00 schedule.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewRetentionWorker(store storage.Store, opts ...RetentionOption) *RetentionWorker {
	w := &RetentionWorker{
		store:         store,
		logger:        &core.NoOpLogger{},
		retentionDays: 30,
		batchSize:     100,
		runAtHour:     2,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps once a day at the configured wall-clock time until the context
// ends.
func (w *RetentionWorker) Run(ctx context.Context) error {
	for {
		next := w.nextRun(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if _, _, err := w.SweepOnce(ctx); err != nil {
				w.logger.ErrorWithContext(ctx, "Retention sweep failed", map[string]interface{}{
					"operation": "retention_sweep",
					"error":     err.Error(),
				})
			}
		}
	}
}

// nextRun returns the next occurrence of the configured wall-clock time
// strictly after now.
func (w *RetentionWorker) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), w.runAtHour, w.runAtMinute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// SweepOnce deletes every expired execution, batch by batch, and returns
// the deleted and errored counts. A failure on one execution is logged and
// the sweep moves on.
func (w *RetentionWorker) SweepOnce(ctx context.Context) (deleted, failed int, err error) {
	started := time.Now().UTC()
	cutoff := started.AddDate(0, 0, -w.retentionDays)

	w.logger.InfoWithContext(ctx, "Retention sweep starting", map[string]interface{}{
		"operation":      "retention_sweep",
		"cutoff":         cutoff.Format(time.RFC3339),
		"retention_days": w.retentionDays,
		"batch_size":     w.batchSize,
	})

	for {
		batch, listErr := w.store.ListExpiredExecutions(ctx, cutoff, w.batchSize)
		if listErr != nil {
			return deleted, failed, listErr
		}
		if len(batch) == 0 {
			break
		}

		progress := false
		for _, exec := range batch {
			if delErr := w.deleteExecution(ctx, exec.ID); delErr != nil {
				failed++
				w.logger.ErrorWithContext(ctx, "Deleting expired execution failed", map[string]interface{}{
					"operation":    "retention_sweep",
					"execution_id": exec.ID,
					"error":        delErr.Error(),
				})
				continue
			}
			deleted++
			progress = true
		}

		// A batch where nothing was deleted would repeat forever.
		if !progress {
			break
		}
	}

	recordRetentionDeleted(deleted)
	w.logger.InfoWithContext(ctx, "Retention sweep finished", map[string]interface{}{
		"operation":  "retention_sweep",
		"started_at": started.Format(time.RFC3339),
		"elapsed_ms": time.Since(started).Milliseconds(),
		"deleted":    deleted,
		"errors":     failed,
	})
	return deleted, failed, nil
}

// deleteExecution removes one execution and everything it owns, in
// dependency order: events, subscriptions, steps, then the execution row.
func (w *RetentionWorker) deleteExecution(ctx context.Context, executionID string) error {
	if err := w.store.DeleteEvents(ctx, executionID); err != nil {
		return fmt.Errorf("deleting progress events: %w", err)
	}
	if err := w.store.DeleteSubscriptions(ctx, executionID); err != nil {
		return fmt.Errorf("deleting subscriptions: %w", err)
	}
	if err := w.store.DeleteSteps(ctx, executionID); err != nil {
		return fmt.Errorf("deleting steps: %w", err)
	}
	if err := w.store.DeleteExecution(ctx, executionID); err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	return nil
}
