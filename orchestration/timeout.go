package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// TimeoutScheduler terminates steps whose event-wait deadline elapsed. It
// is the sole authority for resolving stuck waits; the router never times
// a step out. One stuck step must not shadow the others, so each candidate
// is processed in isolation with its own panic guard.
type TimeoutScheduler struct {
	store    storage.StepStore
	engine   continuer
	interval time.Duration
	logger   core.Logger
}

// TimeoutOption configures a TimeoutScheduler.
type TimeoutOption func(*TimeoutScheduler)

// WithTimeoutLogger sets the logger (defaults to NoOp). Component-aware
// loggers are scoped to "timeout_scheduler".
func WithTimeoutLogger(logger core.Logger) TimeoutOption {
	return func(s *TimeoutScheduler) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			s.logger = cal.WithComponent("timeout_scheduler")
			return
		}
		s.logger = logger
	}
}

// WithScanInterval overrides the sweep cadence (default 5s).
func WithScanInterval(interval time.Duration) TimeoutOption {
	return func(s *TimeoutScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// NewTimeoutScheduler creates a scheduler over the step store.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewTimeoutScheduler(store storage.StepStore, engine continuer, opts ...TimeoutOption) *TimeoutScheduler {
	s := &TimeoutScheduler{
		store:    store,
		engine:   engine,
		interval: 5 * time.Second,
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured interval until the context ends.
func (s *TimeoutScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.ErrorWithContext(ctx, "Timeout sweep failed", map[string]interface{}{
					"operation": "timeout_sweep",
					"error":     err.Error(),
				})
			}
		}
	}
}

// Sweep terminates every awaiting step past its deadline, returning the
// number timed out. Failures on one step are logged and the sweep
// continues.
func (s *TimeoutScheduler) Sweep(ctx context.Context) (int, error) {
	overdue, err := s.store.ListAwaitingPastDeadline(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	timedOut := 0
	for _, step := range overdue {
		if s.timeoutStep(ctx, step) {
			timedOut++
		}
	}
	if timedOut > 0 {
		recordTimeoutSwept(timedOut)
		s.logger.InfoWithContext(ctx, "Timed out awaiting steps", map[string]interface{}{
			"operation":  "timeout_sweep",
			"timed_out":  timedOut,
			"candidates": len(overdue),
		})
	}
	return timedOut, nil
}

func (s *TimeoutScheduler) timeoutStep(ctx context.Context, step *storage.StepExecution) (done bool) {
	defer func() {
		if rec := recover(); rec != nil {
			done = false
			s.logger.ErrorWithContext(ctx, "Panic while timing out step", map[string]interface{}{
				"operation":    "timeout_step",
				"execution_id": step.ExecutionID,
				"step_id":      step.StepID,
				"panic":        fmt.Sprintf("%v", rec),
			})
		}
	}()

	deadline := ""
	if step.EventDeadline != nil {
		deadline = step.EventDeadline.UTC().Format(time.RFC3339)
	}
	errMsg := fmt.Sprintf("event wait deadline %s exceeded", deadline)

	_, err := s.store.CompleteStepFromEvent(ctx, step.ID, step.Version, storage.StepTimeout,
		map[string]interface{}{"timeout": true}, errMsg)
	if err != nil {
		if core.IsConflict(err) {
			// An event beat the sweep to the step.
			return false
		}
		s.logger.ErrorWithContext(ctx, "Timing out step failed", map[string]interface{}{
			"operation":    "timeout_step",
			"execution_id": step.ExecutionID,
			"step_id":      step.StepID,
			"error":        err.Error(),
		})
		return false
	}

	s.logger.WarnWithContext(ctx, "Step timed out", map[string]interface{}{
		"operation":            "timeout_step",
		"execution_id":         step.ExecutionID,
		"step_id":              step.StepID,
		"external_workflow_id": step.ExternalWorkflowID,
	})

	if err := s.engine.ContinueExecution(ctx, step.ExecutionID); err != nil {
		s.logger.ErrorWithContext(ctx, "Continuation after timeout failed", map[string]interface{}{
			"operation":    "timeout_step",
			"execution_id": step.ExecutionID,
			"error":        err.Error(),
		})
	}
	return true
}
