package orchestration

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stepflow-io/stepflow/action"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
	"github.com/stepflow-io/stepflow/telemetry"
)

// continuer is the slice of the engine the router and the timeout scheduler
// need: resume a pipeline after one of its suspended steps settled.
type continuer interface {
	ContinueExecution(ctx context.Context, executionID string) error
}

// RouteResult describes what the router did with one event.
type RouteResult struct {
	// Routed is true when the event reached a step's event handler.
	Routed bool `json:"routed"`

	StepExecutionID string `json:"step_execution_id,omitempty"`

	// ActionTaken is the handler's disposition: COMPLETE, UPDATE_PROGRESS,
	// or IGNORE.
	ActionTaken string `json:"action_taken,omitempty"`

	// StepCompleted is true when this event terminated the step.
	StepCompleted bool `json:"step_completed"`

	// FinalStatus carries the execution status after continuation, when the
	// step completed.
	FinalStatus storage.ExecutionStatus `json:"final_status,omitempty"`

	Error string `json:"error,omitempty"`
}

// EventRouter maps inbound external events onto suspended steps and applies
// the action's event disposition. Routing never raises past this boundary:
// an unroutable or failed event is reported in the RouteResult and the
// timeout scheduler backstops the step.
type EventRouter struct {
	store    storage.Store
	registry *action.Registry
	engine   continuer
	logger   core.Logger
}

// RouterOption configures an EventRouter.
type RouterOption func(*EventRouter)

// WithRouterLogger sets the logger (defaults to NoOp). Component-aware
// loggers are scoped to "router".
func WithRouterLogger(logger core.Logger) RouterOption {
	return func(r *EventRouter) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("router")
			return
		}
		r.logger = logger
	}
}

// NewEventRouter creates a router over the store, registry, and engine.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewEventRouter(store storage.Store, registry *action.Registry, engine continuer, opts ...RouterOption) *EventRouter {
	r := &EventRouter{
		store:    store,
		registry: registry,
		engine:   engine,
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// workflowIDLocations are checked in order; the first non-empty hit wins.
func extractWorkflowID(event map[string]interface{}) string {
	if id := stringAt(event, "workflow_id"); id != "" {
		return id
	}
	if id := stringAt(event, "payload", "workflow_id"); id != "" {
		return id
	}
	if id := stringAt(event, "notification_metadata", "workflow_id"); id != "" {
		return id
	}
	return stringAt(event, "payload", "content", "result", "workflow_id")
}

func stringAt(doc map[string]interface{}, path ...string) string {
	current := doc
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			s, _ := value.(string)
			return s
		}
		current, ok = value.(map[string]interface{})
		if !ok {
			return ""
		}
	}
	return ""
}

// RouteEvent routes one opaque event payload. The returned error is
// non-nil only for infrastructure failures; every routing outcome,
// including drops, is expressed in the RouteResult.
func (r *EventRouter) RouteEvent(ctx context.Context, event map[string]interface{}) (*RouteResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "router.RouteEvent")
	defer span.End()

	workflowID := extractWorkflowID(event)
	if workflowID == "" {
		recordEventRouted("no_workflow_id")
		return &RouteResult{Routed: false, Error: "no workflow id"}, nil
	}
	telemetry.SetSpanAttributes(ctx, attribute.String("external_workflow_id", workflowID))

	step, err := r.store.GetStepByExternalWorkflowID(ctx, workflowID)
	if err != nil {
		if core.IsNotFound(err) {
			// Not fatal: the event may have been handled already.
			recordEventRouted("no_step_awaiting")
			return &RouteResult{Routed: false, Error: "no step awaiting"}, nil
		}
		return nil, err
	}

	executor, err := r.registry.Executor(step.HandlerType)
	if err != nil {
		recordEventRouted("no_handler")
		r.logger.ErrorWithContext(ctx, "No handler for awaiting step", map[string]interface{}{
			"operation":    "route_event",
			"execution_id": step.ExecutionID,
			"step_id":      step.StepID,
			"handler_type": step.HandlerType,
			"error":        err.Error(),
		})
		return &RouteResult{
			Routed:          false,
			StepExecutionID: step.ID,
			Error:           fmt.Sprintf("no handler for action type %q", step.HandlerType),
		}, nil
	}

	eventResult, handlerErr := r.handleGuarded(ctx, executor, &action.EventContext{
		StepExecutionID:    step.ID,
		ExecutionID:        step.ExecutionID,
		ExternalWorkflowID: workflowID,
		Payload:            event,
		CurrentOutputs:     step.Outputs,
	})
	if handlerErr != nil {
		// The step stays waiting; the timeout scheduler resolves it.
		recordEventRouted("handler_error")
		r.logger.ErrorWithContext(ctx, "Event handler failed", map[string]interface{}{
			"operation":    "route_event",
			"execution_id": step.ExecutionID,
			"step_id":      step.StepID,
			"error":        handlerErr.Error(),
		})
		return &RouteResult{
			Routed:          true,
			StepExecutionID: step.ID,
			ActionTaken:     string(action.DispositionIgnore),
			Error:           fmt.Sprintf("Handler raised: %v", handlerErr),
		}, nil
	}

	result := &RouteResult{
		Routed:          true,
		StepExecutionID: step.ID,
		ActionTaken:     string(eventResult.Disposition),
	}

	switch eventResult.Disposition {
	case action.DispositionComplete:
		r.applyCompletion(ctx, step, eventResult, result)

	case action.DispositionUpdateProgress:
		progress := storage.RoundProgress(eventResult.Progress)
		if _, err := r.store.UpdateStep(ctx, step.ID, step.Version, storage.StepPatch{
			Progress: &progress,
		}); err != nil {
			if core.IsConflict(err) {
				recordOptimisticConflict("router")
				result.Error = "concurrent update, progress dropped"
			} else {
				result.Error = err.Error()
			}
		}

	case action.DispositionIgnore:
		// No state change.
	}

	recordEventRouted(result.ActionTaken)
	r.logger.InfoWithContext(ctx, "Event routed", map[string]interface{}{
		"operation":            "route_event",
		"execution_id":         step.ExecutionID,
		"step_id":              step.StepID,
		"external_workflow_id": workflowID,
		"action_taken":         result.ActionTaken,
		"step_completed":       result.StepCompleted,
		"trace_id":             telemetry.GetTraceContext(ctx).TraceID,
	})
	return result, nil
}

// applyCompletion terminates the step and resumes the pipeline. Concurrent
// completions race on the step version; the loser is dropped as an
// idempotent duplicate.
func (r *EventRouter) applyCompletion(ctx context.Context, step *storage.StepExecution, eventResult *action.EventResult, result *RouteResult) {
	merged := make(map[string]interface{}, len(step.Outputs)+len(eventResult.Outputs))
	for k, v := range step.Outputs {
		merged[k] = v
	}
	for k, v := range eventResult.Outputs {
		merged[k] = v
	}
	merged = core.RedactMap(merged)

	status := eventResult.Status
	if !status.Terminal() {
		status = storage.StepCompleted
	}

	if _, err := r.store.CompleteStepFromEvent(ctx, step.ID, step.Version, status, merged, eventResult.Error); err != nil {
		if core.IsConflict(err) {
			recordOptimisticConflict("router")
			result.Error = "concurrent completion, dropped"
			return
		}
		result.Error = err.Error()
		return
	}
	result.StepCompleted = true

	if err := r.engine.ContinueExecution(ctx, step.ExecutionID); err != nil {
		r.logger.ErrorWithContext(ctx, "Continuation after event completion failed", map[string]interface{}{
			"operation":    "route_event",
			"execution_id": step.ExecutionID,
			"step_id":      step.StepID,
			"error":        err.Error(),
		})
		result.Error = err.Error()
	}

	if exec, err := r.store.GetExecution(ctx, step.ExecutionID); err == nil {
		result.FinalStatus = exec.Status
	}
}

// handleGuarded isolates handler panics the same way the engine isolates
// execute panics.
func (r *EventRouter) handleGuarded(ctx context.Context, executor action.Executor, ec *action.EventContext) (result *action.EventResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("%v", rec)
		}
	}()
	result, err = executor.OnEvent(ctx, ec)
	if err == nil && result == nil {
		err = fmt.Errorf("event handler returned no result")
	}
	return result, err
}
