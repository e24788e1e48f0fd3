// Package action defines the contract between the execution engine and the
// pluggable units of work it runs, plus the process-wide registry that
// catalogs them. Actions declare themselves with a Meta document, implement
// the two-call Executor contract, and observe the world only through the
// context values handed to them. The registry is a pure catalog: executors
// never call back into it at runtime.
package action

import (
	"context"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// Context carries everything an action may observe during Execute.
// Prior step outputs are a read-only snapshot; mutating them has no effect
// on engine state.
type Context struct {
	// ExecutionID is the owning pipeline execution.
	ExecutionID string

	// StepExecutionID is the persisted step row id.
	StepExecutionID string

	// StepID is the definition-level step identifier.
	StepID string

	// Params are the step params after template resolution.
	Params map[string]interface{}

	// WorkflowParams are the pipeline-level inputs, unresolved.
	WorkflowParams map[string]interface{}

	// StepOutputs maps prior step ids to their outputs.
	StepOutputs map[string]map[string]interface{}

	// Invoker reaches downstream microservices. Never nil; the engine binds
	// a no-op failing invoker when none is configured.
	Invoker core.ServiceInvoker
}

// Result is the outcome of one Execute call.
type Result struct {
	// Success reports whether the action completed its work. Ignored when
	// AwaitingEvent is set.
	Success bool

	// Outputs are merged into the step record. Must be JSON-representable.
	Outputs map[string]interface{}

	// Error is the failure summary when Success is false.
	Error string

	// AwaitingEvent marks an event-driven action that started an external
	// workflow and now suspends the step until an event or timeout arrives.
	AwaitingEvent bool

	// ExternalWorkflowID binds future events to this step. Required when
	// AwaitingEvent is set; must be unique across all awaiting steps.
	ExternalWorkflowID string

	// TimeoutSeconds bounds the event wait. Zero falls back to the action
	// meta timeout, then to the engine default.
	TimeoutSeconds int
}

// Completed builds a successful synchronous result.
func Completed(outputs map[string]interface{}) *Result {
	return &Result{Success: true, Outputs: outputs}
}

// Failed builds a failed synchronous result.
func Failed(message string) *Result {
	return &Result{Success: false, Error: message}
}

// Await builds the wait marker for an event-driven action.
func Await(externalWorkflowID string, timeoutSeconds int) *Result {
	return &Result{
		Success:            true,
		AwaitingEvent:      true,
		ExternalWorkflowID: externalWorkflowID,
		TimeoutSeconds:     timeoutSeconds,
	}
}

// EventContext carries one inbound external event to a suspended step.
type EventContext struct {
	StepExecutionID    string
	ExecutionID        string
	ExternalWorkflowID string

	// Payload is the raw event document as received from the ingress layer.
	Payload map[string]interface{}

	// CurrentOutputs is a read-only snapshot of the step's outputs so far.
	CurrentOutputs map[string]interface{}
}

// Disposition says what the engine should do with a routed event.
type Disposition string

const (
	// DispositionComplete terminates the step with EventResult.Status.
	DispositionComplete Disposition = "COMPLETE"

	// DispositionUpdateProgress updates the step percentage; the step keeps
	// waiting.
	DispositionUpdateProgress Disposition = "UPDATE_PROGRESS"

	// DispositionIgnore means the event is unrelated; no state change.
	DispositionIgnore Disposition = "IGNORE"
)

// EventResult is the outcome of one OnEvent call.
type EventResult struct {
	Disposition Disposition

	// Status is the terminal step status for DispositionComplete. One of
	// COMPLETED, FAILED, TIMEOUT.
	Status storage.StepStatus

	// Outputs are merged into the step's existing outputs on completion.
	Outputs map[string]interface{}

	// Error is the failure summary when Status is FAILED or TIMEOUT.
	Error string

	// Progress is the new step percentage for DispositionUpdateProgress.
	Progress float64
}

// CompleteWith builds a COMPLETE event result.
func CompleteWith(status storage.StepStatus, outputs map[string]interface{}, errMessage string) *EventResult {
	return &EventResult{
		Disposition: DispositionComplete,
		Status:      status,
		Outputs:     outputs,
		Error:       errMessage,
	}
}

// UpdateProgress builds an UPDATE_PROGRESS event result.
func UpdateProgress(percentage float64) *EventResult {
	return &EventResult{Disposition: DispositionUpdateProgress, Progress: percentage}
}

// Ignore builds an IGNORE event result.
func Ignore() *EventResult {
	return &EventResult{Disposition: DispositionIgnore}
}

// Executor is the two-call contract every action implements. Execute runs
// once per step; event-driven actions return a wait marker and are finished
// later through OnEvent. Both calls must be safe for concurrent use across
// steps: one executor instance serves the whole process.
type Executor interface {
	Execute(ctx context.Context, ac *Context) (*Result, error)
	OnEvent(ctx context.Context, ec *EventContext) (*EventResult, error)
}

// ParamValidator is an optional executor extension for semantic checks the
// declarative Meta cannot express. The registry consults it from
// ValidateParams after structural validation passes.
type ParamValidator interface {
	ValidateParams(params map[string]interface{}) []error
}

// Publisher is the outbound seam used by actions that emit events. The
// orchestration event bus satisfies it; tests use in-memory fakes.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Truthy reports whether a resolved condition value counts as true.
// Booleans are used directly; numbers are true when non-zero; strings are
// true unless empty or "false"/"no"/"0"; nil is false; any other non-nil
// value is true.
func Truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch v {
		case "", "false", "False", "no", "0":
			return false
		}
		return true
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}
