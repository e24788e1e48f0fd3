package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/stepflow-io/stepflow/action"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
	"github.com/stepflow-io/stepflow/telemetry"
)

// Engine interprets pipeline definitions: it materializes step rows,
// dispatches ready steps through the action registry, resolves templates,
// applies conditional routing, aggregates progress, and finalizes the
// execution when every step has settled. Event-driven steps suspend here and
// are resumed by the event router or the timeout scheduler through
// ContinueExecution.
type Engine struct {
	store      storage.Store
	registry   *action.Registry
	resolver   *Resolver
	finals     *Resolver
	conditions *ConditionEvaluator
	subs       *SubscriptionManager
	notifier   *Notifier
	invoker    core.ServiceInvoker
	logger     core.Logger
	cfg        *core.Config
	retry      *core.RetryConfig
	sem        *semaphore.Weighted
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger (defaults to NoOp). Component-aware
// loggers are scoped to "engine".
func WithEngineLogger(logger core.Logger) EngineOption {
	return func(e *Engine) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			e.logger = cal.WithComponent("engine")
			return
		}
		e.logger = logger
	}
}

// WithSubscriptionManager overrides the default subscription manager.
func WithSubscriptionManager(subs *SubscriptionManager) EngineOption {
	return func(e *Engine) {
		if subs != nil {
			e.subs = subs
		}
	}
}

// WithNotifier attaches the progress fan-out dispatcher.
func WithNotifier(notifier *Notifier) EngineOption {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithServiceInvoker binds the downstream service invoker handed to actions.
func WithServiceInvoker(invoker core.ServiceInvoker) EngineOption {
	return func(e *Engine) {
		e.invoker = invoker
	}
}

// WithEngineConfig overrides the default configuration.
func WithEngineConfig(cfg *core.Config) EngineOption {
	return func(e *Engine) {
		if cfg != nil {
			e.cfg = cfg
		}
	}
}

// NewEngine creates an engine over the given store and action registry.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewEngine(store storage.Store, registry *action.Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		logger:   &core.NoOpLogger{},
		cfg:      core.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.resolver = NewResolver(WithResolverLogger(e.logger))
	e.finals = NewResolver(WithStrictMode(false), WithResolverLogger(e.logger))
	e.conditions = NewConditionEvaluator(WithConditionLogger(e.logger))
	if e.subs == nil {
		e.subs = NewSubscriptionManager(store, WithSubscriptionLogger(e.logger))
	}
	e.retry = &core.RetryConfig{
		MaxAttempts:   e.cfg.MaxOptimisticRetries,
		InitialDelay:  25 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	parallel := e.cfg.MaxParallelSteps
	if parallel < 1 {
		parallel = 1
	}
	e.sem = semaphore.NewWeighted(int64(parallel))
	return e
}

// StartExecution validates the definition and inputs, persists the execution
// and its step rows, registers callback subscriptions, and drives the
// pipeline until it either finishes or every remaining step is suspended on
// an external event.
func (e *Engine) StartExecution(ctx context.Context, def *PipelineDefinition, params map[string]interface{}, initiator string, callbackTopics []string) (*storage.PipelineExecution, error) {
	const op = "engine.StartExecution"

	if def == nil {
		return nil, definitionError(op, fmt.Errorf("nil pipeline definition: %w", core.ErrInvalidDefinition))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	resolvedParams, err := def.ResolveParams(params)
	if err != nil {
		return nil, err
	}
	if err := e.validateSteps(def, resolvedParams); err != nil {
		return nil, err
	}
	if initiator == "" {
		initiator = e.cfg.SystemUserID
	}

	ctx, span := telemetry.StartSpan(ctx, "engine.StartExecution",
		attribute.String("pipeline_id", def.ID),
		attribute.String("initiator", initiator))
	defer span.End()

	exec := &storage.PipelineExecution{
		Definition: def.Document(),
		Params:     resolvedParams,
		Initiator:  initiator,
		Status:     storage.ExecutionPending,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	rows := make([]*storage.StepExecution, 0, len(def.Steps))
	for i, step := range def.Steps {
		name := step.Name
		if name == "" {
			name = step.ID
		}
		rows = append(rows, &storage.StepExecution{
			ExecutionID:    exec.ID,
			StepID:         step.ID,
			StepName:       name,
			Status:         storage.StepPending,
			SequenceNumber: i + 1,
			HandlerType:    step.ActionType,
		})
	}
	if err := e.store.CreateSteps(ctx, rows); err != nil {
		return nil, err
	}

	if len(callbackTopics) > 0 {
		if _, err := e.subs.CreateSubscriptions(ctx, exec.ID, callbackTopics, nil); err != nil {
			e.logger.WarnWithContext(ctx, "Creating callback subscriptions failed", map[string]interface{}{
				"operation":    "start_execution",
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
		}
	}

	now := time.Now().UTC()
	running := storage.ExecutionRunning
	if _, err := e.store.UpdateExecution(ctx, exec.ID, exec.Version, storage.ExecutionPatch{
		Status:    &running,
		StartTime: &now,
	}); err != nil {
		return nil, err
	}

	recordExecutionStarted(initiator)
	e.logger.InfoWithContext(ctx, "Execution started", map[string]interface{}{
		"operation":    "start_execution",
		"execution_id": exec.ID,
		"pipeline_id":  def.ID,
		"steps":        len(def.Steps),
		"trace_id":     telemetry.GetTraceContext(ctx).TraceID,
	})

	if err := e.ContinueExecution(ctx, exec.ID); err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, exec.ID)
}

// validateSteps rejects unknown action types, structurally invalid params,
// and dangling template references before any row is written.
func (e *Engine) validateSteps(def *PipelineDefinition, params map[string]interface{}) error {
	const op = "engine.validateSteps"

	knownParams := make(map[string]bool, len(params))
	for name := range params {
		knownParams[name] = true
	}
	for _, decl := range def.Params {
		knownParams[decl.Name] = true
	}
	knownSteps := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		knownSteps[step.ID] = true
	}

	for _, step := range def.Steps {
		if !e.registry.Has(step.ActionType) {
			return definitionError(op, fmt.Errorf("step %q uses unknown action type %q: %w", step.ID, step.ActionType, core.ErrActionNotFound))
		}
		if errs := e.registry.ValidateParams(step.ActionType, step.Params); len(errs) > 0 {
			return definitionError(op, fmt.Errorf("step %q params: %v: %w", step.ID, errs[0], core.ErrInvalidParams))
		}
		if errs := ValidateReferences(step.Params, knownParams, knownSteps); len(errs) > 0 {
			return definitionError(op, fmt.Errorf("step %q: %v: %w", step.ID, errs[0], core.ErrInvalidDefinition))
		}
		for _, branch := range step.Branches {
			if errs := ValidateReferences(branch.Condition, knownParams, knownSteps); len(errs) > 0 {
				return definitionError(op, fmt.Errorf("step %q branch %q: %v: %w", step.ID, branch.ID, errs[0], core.ErrInvalidDefinition))
			}
		}
	}
	return nil
}

// ContinueExecution re-reads the execution state and dispatches every step
// that became ready, blocking until the pipeline settles again (all steps
// terminal or suspended on events). The router and the timeout scheduler
// call this after completing a suspended step.
func (e *Engine) ContinueExecution(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	def, err := DefinitionFromDocument(exec.Definition)
	if err != nil {
		return err
	}
	dag, err := newExecutionDAG(def.Steps)
	if err != nil {
		return err
	}

	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return err
	}
	byStepID := make(map[string]*storage.StepExecution, len(steps))
	for _, row := range steps {
		dag.SetStatus(row.StepID, row.Status)
		byStepID[row.StepID] = row
	}

	// Re-apply routing decisions of already-completed branching steps so a
	// resumed execution skips the same arms.
	for _, row := range steps {
		if row.Status == storage.StepCompleted {
			if target, routed := branchTarget(row.Outputs); routed {
				if err := e.skipNonTargetSuccessors(ctx, dag, byStepID, row.StepID, target); err != nil {
					return err
				}
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, skips := dag.NextActions()
		for _, stepID := range skips {
			// A skip that cannot be persisted leaves the step PENDING in the
			// DAG; looping on it would hammer the degraded store forever, so
			// the error goes to the caller instead.
			if err := e.skipStep(ctx, dag, byStepID[stepID], "upstream not satisfied"); err != nil {
				return err
			}
		}
		if len(ready) == 0 {
			if len(skips) == 0 {
				break
			}
			continue
		}

		var (
			wg      sync.WaitGroup
			waveMu  sync.Mutex
			waveErr error
		)
		for _, step := range ready {
			if err := e.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func(step StepDefinition) {
				defer wg.Done()
				defer e.sem.Release(1)
				if err := e.dispatchStep(ctx, exec, dag, byStepID, step); err != nil {
					waveMu.Lock()
					if waveErr == nil {
						waveErr = err
					}
					waveMu.Unlock()
				}
			}(step)
		}
		wg.Wait()
		if waveErr != nil {
			return waveErr
		}

		// Refresh rows mutated by the dispatch wave. A wave that changed
		// nothing means every dispatch failed to persist; bail out rather
		// than re-dispatching against a degraded store.
		steps, err = e.store.ListSteps(ctx, executionID)
		if err != nil {
			return err
		}
		progressed := false
		for _, row := range steps {
			if prev := byStepID[row.StepID]; prev == nil || row.Version != prev.Version || row.Status != prev.Status {
				progressed = true
			}
			byStepID[row.StepID] = row
		}
		if !progressed {
			return fmt.Errorf("dispatch wave made no progress on execution %s: %w", executionID, core.ErrStoreUnavailable)
		}
	}

	return e.finalizeIfSettled(ctx, executionID, def)
}

// dispatchStep runs one ready step to its next resting state: terminal for
// sync actions, suspended for event-driven ones. The only error it returns
// is a branch-skip persistence failure; everything else resolves into step
// state.
func (e *Engine) dispatchStep(ctx context.Context, exec *storage.PipelineExecution, dag *executionDAG, byStepID map[string]*storage.StepExecution, step StepDefinition) error {
	row := byStepID[step.ID]
	if row == nil || row.Status != storage.StepPending {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "engine.dispatchStep",
		attribute.String("execution_id", exec.ID),
		attribute.String("step_id", step.ID),
		attribute.String("action_type", step.ActionType))
	defer span.End()

	started := time.Now().UTC()
	running := storage.StepRunning
	version, err := e.store.UpdateStep(ctx, row.ID, row.Version, storage.StepPatch{
		Status:    &running,
		StartTime: &started,
	})
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		e.logger.ErrorWithContext(ctx, "Marking step RUNNING failed", map[string]interface{}{
			"operation":    "dispatch_step",
			"execution_id": exec.ID,
			"step_id":      step.ID,
			"error":        err.Error(),
		})
		return nil
	}
	row.Version = version
	dag.SetStatus(step.ID, storage.StepRunning)

	scope := e.buildScope(ctx, exec)
	params, err := e.resolveStepParams(step, scope)
	if err != nil {
		telemetry.RecordSpanError(ctx, err)
		e.finishStep(ctx, dag, row, step, storage.StepFailed, nil, err.Error(), started)
		e.failFast(ctx, dag, byStepID)
		return nil
	}

	executor, err := e.registry.Executor(step.ActionType)
	if err != nil {
		e.finishStep(ctx, dag, row, step, storage.StepFailed, nil, err.Error(), started)
		e.failFast(ctx, dag, byStepID)
		return nil
	}

	result, execErr := e.executeGuarded(ctx, executor, &action.Context{
		ExecutionID:     exec.ID,
		StepExecutionID: row.ID,
		StepID:          step.ID,
		Params:          params,
		WorkflowParams:  exec.Params,
		StepOutputs:     scope.Steps,
		Invoker:         e.invoker,
	})
	if execErr != nil {
		telemetry.RecordSpanError(ctx, execErr)
		e.finishStep(ctx, dag, row, step, storage.StepFailed, nil, fmt.Sprintf("Handler raised: %v", execErr), started)
		e.failFast(ctx, dag, byStepID)
		return nil
	}

	switch {
	case result.AwaitingEvent:
		e.suspendStep(ctx, row, step, result)

	case result.Success:
		outputs := core.RedactMap(result.Outputs)
		e.finishStep(ctx, dag, row, step, storage.StepCompleted, outputs, "", started)
		if target, routed := branchTarget(outputs); routed {
			// An unpersisted branch skip must abort the continuation:
			// otherwise the routed-away arm would be dispatched as ready.
			if err := e.skipNonTargetSuccessors(ctx, dag, byStepID, step.ID, target); err != nil {
				return err
			}
		}

	default:
		e.finishStep(ctx, dag, row, step, storage.StepFailed, core.RedactMap(result.Outputs), result.Error, started)
		e.failFast(ctx, dag, byStepID)
	}
	return nil
}

// executeGuarded isolates action panics: a panicking handler fails its step,
// never the engine.
func (e *Engine) executeGuarded(ctx context.Context, executor action.Executor, ac *action.Context) (result *action.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%v", r)
		}
	}()
	result, err = executor.Execute(ctx, ac)
	if err == nil && result == nil {
		err = fmt.Errorf("action returned no result")
	}
	return result, err
}

// buildScope assembles the template scope from the workflow params and the
// outputs of completed steps.
func (e *Engine) buildScope(ctx context.Context, exec *storage.PipelineExecution) Scope {
	scope := Scope{Params: exec.Params, Steps: map[string]map[string]interface{}{}}
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		e.logger.ErrorWithContext(ctx, "Listing steps for scope failed", map[string]interface{}{
			"operation":    "build_scope",
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
		return scope
	}
	for _, row := range steps {
		if row.Status == storage.StepCompleted && row.Outputs != nil {
			scope.Steps[row.StepID] = row.Outputs
		}
	}
	return scope
}

// resolveStepParams resolves the step's params in strict mode and, for
// branching steps, evaluates the branch conditions so the action receives
// plain booleans.
func (e *Engine) resolveStepParams(step StepDefinition, scope Scope) (map[string]interface{}, error) {
	source := step.Params
	if source == nil {
		source = map[string]interface{}{}
	}
	resolved, err := e.resolver.Resolve(source, scope)
	if err != nil {
		return nil, err
	}
	params := resolved.(map[string]interface{})

	if len(step.Branches) > 0 {
		branches := make([]interface{}, 0, len(step.Branches))
		for _, branch := range step.Branches {
			matched, evalErr := e.conditions.Evaluate(branch.Condition, scope)
			if evalErr != nil {
				// An errored condition is non-matching, not fatal.
				matched = false
			}
			branches = append(branches, map[string]interface{}{
				"id":          branch.ID,
				"label":       branch.Label,
				"condition":   matched,
				"target_step": branch.TargetStep,
			})
		}
		params["branches"] = branches
	} else if raw, ok := params["condition"].(string); ok {
		matched, evalErr := e.conditions.Evaluate(raw, scope)
		if evalErr != nil {
			matched = false
		}
		params["condition"] = matched
	}
	return params, nil
}

// suspendStep records the wait marker of an event-driven action.
func (e *Engine) suspendStep(ctx context.Context, row *storage.StepExecution, step StepDefinition, result *action.Result) {
	timeoutSeconds := result.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = step.TimeoutSeconds
	}
	if timeoutSeconds <= 0 {
		if meta, ok := e.registry.Meta(step.ActionType); ok && meta.TimeoutSeconds > 0 {
			timeoutSeconds = meta.TimeoutSeconds
		}
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = int(e.cfg.DefaultStepTimeout.Seconds())
	}

	awaiting := true
	externalID := result.ExternalWorkflowID
	deadline := time.Now().UTC().Add(time.Duration(timeoutSeconds) * time.Second)
	if _, err := e.store.UpdateStep(ctx, row.ID, row.Version, storage.StepPatch{
		AwaitingEvent:      &awaiting,
		ExternalWorkflowID: &externalID,
		EventDeadline:      &deadline,
	}); err != nil {
		e.logger.ErrorWithContext(ctx, "Recording event wait failed", map[string]interface{}{
			"operation":            "suspend_step",
			"execution_id":         row.ExecutionID,
			"step_id":              row.StepID,
			"external_workflow_id": externalID,
			"error":                err.Error(),
		})
		return
	}

	e.logger.InfoWithContext(ctx, "Step awaiting external event", map[string]interface{}{
		"operation":            "suspend_step",
		"execution_id":         row.ExecutionID,
		"step_id":              row.StepID,
		"external_workflow_id": externalID,
		"timeout_seconds":      timeoutSeconds,
	})
}

// finishStep persists a terminal step transition and emits the progress
// events that accompany it.
func (e *Engine) finishStep(ctx context.Context, dag *executionDAG, row *storage.StepExecution, step StepDefinition, status storage.StepStatus, outputs map[string]interface{}, errMsg string, started time.Time) {
	now := time.Now().UTC()
	progress := 0.0
	if status == storage.StepCompleted {
		progress = 100
	}

	err := core.Retry(ctx, e.retry, func() error {
		current, err := e.store.GetStep(ctx, row.ID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		patch := storage.StepPatch{
			Status:   &status,
			Progress: &progress,
			EndTime:  &now,
			Outputs:  outputs,
		}
		if errMsg != "" {
			patch.ErrorMessage = &errMsg
		}
		_, err = e.store.UpdateStep(ctx, row.ID, current.Version, patch)
		if core.IsConflict(err) {
			recordOptimisticConflict("engine")
		}
		return err
	})
	if err != nil {
		e.logger.ErrorWithContext(ctx, "Persisting step terminal state failed", map[string]interface{}{
			"operation":    "finish_step",
			"execution_id": row.ExecutionID,
			"step_id":      row.StepID,
			"status":       string(status),
			"error":        err.Error(),
		})
		return
	}

	dag.SetStatus(row.StepID, status)
	recordStepCompleted(status, step.ActionType, now.Sub(started))
	e.logger.InfoWithContext(ctx, "Step finished", map[string]interface{}{
		"operation":    "finish_step",
		"execution_id": row.ExecutionID,
		"step_id":      row.StepID,
		"status":       string(status),
		"error":        errMsg,
	})

	e.recordStepProgress(ctx, row, step, status, errMsg)
}

// recordStepProgress updates the execution percentage and appends the
// progress events for one step terminal transition.
func (e *Engine) recordStepProgress(ctx context.Context, row *storage.StepExecution, step StepDefinition, status storage.StepStatus, errMsg string) {
	progress := e.updateExecutionProgress(ctx, row.ExecutionID)

	if status == storage.StepCompleted {
		desc := step.Name
		if desc == "" {
			desc = step.ID
		}
		e.appendEvent(ctx, row.ExecutionID, storage.EventStepCompleted, progress, desc, map[string]interface{}{
			"step_id":     row.StepID,
			"step_name":   row.StepName,
			"action_type": step.ActionType,
			"status":      string(status),
		})
	}
	details := map[string]interface{}{
		"step_id": row.StepID,
		"status":  string(status),
	}
	if errMsg != "" {
		details["error"] = errMsg
	}
	e.appendEvent(ctx, row.ExecutionID, storage.EventWorkflowProgress, progress, "", details)
}

// updateExecutionProgress recomputes completed/total over non-skipped steps
// and persists it, returning the stored (monotonic) value.
func (e *Engine) updateExecutionProgress(ctx context.Context, executionID string) float64 {
	var stored float64
	err := core.Retry(ctx, e.retry, func() error {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			stored = exec.Progress
			return nil
		}
		steps, err := e.store.ListSteps(ctx, executionID)
		if err != nil {
			return err
		}
		progress := computeProgress(steps)
		if _, err := e.store.UpdateExecution(ctx, executionID, exec.Version, storage.ExecutionPatch{
			Progress: &progress,
		}); err != nil {
			if core.IsConflict(err) {
				recordOptimisticConflict("engine")
			}
			return err
		}
		if progress > exec.Progress {
			stored = progress
		} else {
			stored = exec.Progress
		}
		return nil
	})
	if err != nil {
		e.logger.ErrorWithContext(ctx, "Updating execution progress failed", map[string]interface{}{
			"operation":    "update_progress",
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
	return stored
}

// computeProgress is completed over non-skipped steps, as a percentage.
func computeProgress(steps []*storage.StepExecution) float64 {
	total := 0
	completed := 0
	for _, row := range steps {
		if row.Status == storage.StepSkipped {
			continue
		}
		total++
		if row.Status == storage.StepCompleted {
			completed++
		}
	}
	if total == 0 {
		return 100
	}
	return storage.RoundProgress(float64(completed) / float64(total) * 100)
}

// skipStep marks one PENDING step SKIPPED. A skip that cannot be persisted
// after retries is returned to the caller; the step row stays PENDING and
// the DAG must not advance past it.
func (e *Engine) skipStep(ctx context.Context, dag *executionDAG, row *storage.StepExecution, reason string) error {
	if row == nil {
		return nil
	}
	now := time.Now().UTC()
	skipped := storage.StepSkipped

	err := core.Retry(ctx, e.retry, func() error {
		current, err := e.store.GetStep(ctx, row.ID)
		if err != nil {
			return err
		}
		if current.Status != storage.StepPending {
			return nil
		}
		_, err = e.store.UpdateStep(ctx, row.ID, current.Version, storage.StepPatch{
			Status:  &skipped,
			EndTime: &now,
		})
		return err
	})
	if err != nil {
		e.logger.ErrorWithContext(ctx, "Skipping step failed", map[string]interface{}{
			"operation":    "skip_step",
			"execution_id": row.ExecutionID,
			"step_id":      row.StepID,
			"error":        err.Error(),
		})
		// Best-effort trace of the stuck step so the event stream reflects
		// it even though the row stays PENDING.
		e.appendEvent(ctx, row.ExecutionID, storage.EventWorkflowProgress, 0, "", map[string]interface{}{
			"step_id":    row.StepID,
			"status":     string(storage.StepPending),
			"reason":     reason,
			"skip_error": err.Error(),
		})
		return fmt.Errorf("skipping step %s: %w", row.StepID, err)
	}

	dag.SetStatus(row.StepID, storage.StepSkipped)
	e.logger.DebugWithContext(ctx, "Step skipped", map[string]interface{}{
		"operation":    "skip_step",
		"execution_id": row.ExecutionID,
		"step_id":      row.StepID,
		"reason":       reason,
	})

	progress := e.updateExecutionProgress(ctx, row.ExecutionID)
	e.appendEvent(ctx, row.ExecutionID, storage.EventWorkflowProgress, progress, "", map[string]interface{}{
		"step_id": row.StepID,
		"status":  string(storage.StepSkipped),
		"reason":  reason,
	})
	return nil
}

// skipNonTargetSuccessors applies a branching step's routing decision:
// every direct successor except the chosen target is skipped. A nil target
// (no branch matched) skips them all.
func (e *Engine) skipNonTargetSuccessors(ctx context.Context, dag *executionDAG, byStepID map[string]*storage.StepExecution, stepID, target string) error {
	for _, successor := range dag.Dependents(stepID) {
		if successor == target {
			continue
		}
		if status, ok := dag.Status(successor); ok && status == storage.StepPending {
			if err := e.skipStep(ctx, dag, byStepID[successor], fmt.Sprintf("branch of %s routed elsewhere", stepID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// failFast skips every step still PENDING after a failure. On a skip
// persistence failure the remaining steps are left PENDING; the
// continuation loop re-detects them and owns the error.
func (e *Engine) failFast(ctx context.Context, dag *executionDAG, byStepID map[string]*storage.StepExecution) {
	for _, stepID := range dag.PendingSteps() {
		if err := e.skipStep(ctx, dag, byStepID[stepID], "prior step failed"); err != nil {
			return
		}
	}
}

// branchTarget reads a branching action's routing decision from its
// outputs. The second return is false for non-branching outputs.
func branchTarget(outputs map[string]interface{}) (string, bool) {
	if outputs == nil {
		return "", false
	}
	raw, present := outputs["target_step"]
	if !present {
		return "", false
	}
	target, _ := raw.(string)
	return target, true
}

// finalizeIfSettled closes the execution once no step is PENDING or
// RUNNING: FAILED when any step failed or timed out, COMPLETED otherwise,
// with final outputs resolved over the accumulated step outputs.
func (e *Engine) finalizeIfSettled(ctx context.Context, executionID string, def *PipelineDefinition) error {
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return err
	}
	for _, row := range steps {
		if !row.Status.Terminal() {
			return nil
		}
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	failedCount := 0
	firstError := ""
	outputsScope := Scope{Params: exec.Params, Steps: map[string]map[string]interface{}{}}
	for _, row := range steps {
		switch row.Status {
		case storage.StepFailed, storage.StepTimeout:
			failedCount++
			if firstError == "" {
				firstError = row.ErrorMessage
				if firstError == "" {
					firstError = fmt.Sprintf("step %s %s", row.StepID, row.Status)
				}
			}
		case storage.StepCompleted:
			if row.Outputs != nil {
				outputsScope.Steps[row.StepID] = row.Outputs
			}
		}
	}

	now := time.Now().UTC()
	patch := storage.ExecutionPatch{EndTime: &now}
	status := storage.ExecutionCompleted
	if failedCount > 0 {
		status = storage.ExecutionFailed
		patch.ErrorInfo = map[string]interface{}{
			"failed_steps": failedCount,
			"total_steps":  len(steps),
			"first_error":  firstError,
		}
	} else {
		progress := 100.0
		patch.Progress = &progress
		patch.FinalOutputs = e.resolveFinalOutputs(ctx, def, outputsScope)
	}
	patch.Status = &status

	err = core.Retry(ctx, e.retry, func() error {
		current, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return nil
		}
		_, err = e.store.UpdateExecution(ctx, executionID, current.Version, patch)
		if core.IsConflict(err) {
			recordOptimisticConflict("engine")
		}
		return err
	})
	if err != nil {
		return err
	}

	final, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	details := map[string]interface{}{
		"success": status == storage.ExecutionCompleted,
		"status":  string(status),
	}
	if failedCount > 0 {
		details["failed_steps"] = failedCount
	}
	e.appendEvent(ctx, executionID, storage.EventWorkflowCompleted, final.Progress, "", details)

	elapsed := time.Duration(0)
	if final.StartTime != nil {
		elapsed = now.Sub(*final.StartTime)
	}
	recordExecutionCompleted(status, elapsed)
	e.logger.InfoWithContext(ctx, "Execution finished", map[string]interface{}{
		"operation":    "finalize_execution",
		"execution_id": executionID,
		"status":       string(status),
		"failed_steps": failedCount,
	})
	return nil
}

// resolveFinalOutputs renders the definition's final output mapping in
// non-strict mode; an output that fails to resolve is logged and dropped
// rather than failing a completed execution.
func (e *Engine) resolveFinalOutputs(ctx context.Context, def *PipelineDefinition, scope Scope) map[string]interface{} {
	if len(def.FinalOutputs) == 0 {
		return nil
	}
	outputs := make(map[string]interface{}, len(def.FinalOutputs))
	for name, tmpl := range def.FinalOutputs {
		value, err := e.finals.Resolve(tmpl, scope)
		if err != nil {
			e.logger.WarnWithContext(ctx, "Resolving final output failed", map[string]interface{}{
				"operation": "final_outputs",
				"output":    name,
				"error":     err.Error(),
			})
			continue
		}
		outputs[name] = value
	}
	return core.RedactMap(outputs)
}

// Interrupt marks a non-terminal execution INTERRUPTED. Suspended steps are
// left to the timeout scheduler; future dispatches become no-ops because the
// execution is terminal.
func (e *Engine) Interrupt(ctx context.Context, executionID string) error {
	interrupted := storage.ExecutionInterrupted
	now := time.Now().UTC()

	err := core.Retry(ctx, e.retry, func() error {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return &core.EngineError{
				Op:   "engine.Interrupt",
				Kind: core.KindConflict,
				ID:   executionID,
				Err:  fmt.Errorf("execution already %s: %w", exec.Status, core.ErrExecutionTerminal),
			}
		}
		_, err = e.store.UpdateExecution(ctx, executionID, exec.Version, storage.ExecutionPatch{
			Status:  &interrupted,
			EndTime: &now,
		})
		return err
	})
	if err != nil {
		return err
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	e.appendEvent(ctx, executionID, storage.EventWorkflowCompleted, exec.Progress, "", map[string]interface{}{
		"success":     false,
		"status":      string(storage.ExecutionInterrupted),
		"interrupted": true,
	})
	recordExecutionCompleted(storage.ExecutionInterrupted, 0)
	return nil
}

// appendEvent writes one progress event and fans it out to subscribers.
// Details are sanitized and redacted before persistence.
func (e *Engine) appendEvent(ctx context.Context, executionID string, eventType storage.EventType, progress float64, desc string, details map[string]interface{}) {
	if details != nil {
		sanitized, _ := core.SanitizeJSON(core.RedactMap(details)).(map[string]interface{})
		details = sanitized
	}
	event := &storage.ProgressEvent{
		ExecutionID:     executionID,
		EventType:       eventType,
		Progress:        progress,
		CurrentStepDesc: desc,
		EventDetails:    details,
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		e.logger.ErrorWithContext(ctx, "Appending progress event failed", map[string]interface{}{
			"operation":    "append_event",
			"execution_id": executionID,
			"event_type":   string(eventType),
			"error":        err.Error(),
		})
		return
	}
	if e.notifier != nil {
		e.notifier.NotifyProgress(ctx, event)
	}
}
