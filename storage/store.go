package storage

import (
	"context"
	"time"
)

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	// CreatedAfter / CreatedBefore bound the created_at column.
	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	Status    ExecutionStatus
	Initiator string

	// DefinitionID matches the pipeline definition id recorded inside the
	// definition document.
	DefinitionID string
}

// ExecutionPatch describes a partial update of a pipeline execution. Nil
// fields are left untouched. Progress never decreases: implementations keep
// the stored value when the patch carries a smaller one.
type ExecutionPatch struct {
	Status       *ExecutionStatus
	Progress     *float64
	StartTime    *time.Time
	EndTime      *time.Time
	FinalOutputs map[string]interface{}
	ErrorInfo    map[string]interface{}
}

// StepPatch describes a partial update of a step execution.
type StepPatch struct {
	Status       *StepStatus
	Progress     *float64
	StartTime    *time.Time
	EndTime      *time.Time
	Outputs      map[string]interface{}
	ErrorMessage *string
	RetryCount   *int

	AwaitingEvent      *bool
	ExternalWorkflowID *string
	EventDeadline      *time.Time
}

// Store is the durable state contract of the engine. All updating methods
// take the version the caller read earlier; a mismatch yields
// core.ErrOptimisticLock and leaves the row untouched. Absent rows yield the
// matching core.Err*NotFound sentinel.
type Store interface {
	ExecutionStore
	StepStore
	ProgressEventStore
	SubscriptionStore
}

// ExecutionStore persists pipeline executions.
type ExecutionStore interface {
	// CreateExecution inserts a new execution. Version starts at 1; a blank
	// ID is assigned a fresh UUID. CreatedAt/UpdatedAt default to now.
	CreateExecution(ctx context.Context, exec *PipelineExecution) error

	GetExecution(ctx context.Context, id string) (*PipelineExecution, error)

	// ListExecutions returns one page ordered by created_at descending,
	// plus the total match count. Page numbering is 1-based.
	ListExecutions(ctx context.Context, filter ExecutionFilter, page, pageSize int) ([]*PipelineExecution, int, error)

	// UpdateExecution applies the patch when expectedVersion matches,
	// returning the incremented version.
	UpdateExecution(ctx context.Context, id string, expectedVersion int64, patch ExecutionPatch) (int64, error)

	// DeleteExecution removes the execution row only. Deleting an absent
	// row is a no-op so cascade deletes stay idempotent.
	DeleteExecution(ctx context.Context, id string) error

	// ListExpiredExecutions returns up to limit terminal executions created
	// before the cutoff, oldest first. The retention worker's query.
	ListExpiredExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*PipelineExecution, error)
}

// StepStore persists step executions.
type StepStore interface {
	// CreateSteps batch-inserts the step rows of one execution.
	CreateSteps(ctx context.Context, steps []*StepExecution) error

	GetStep(ctx context.Context, id string) (*StepExecution, error)

	// ListSteps returns all steps of an execution ordered by sequence
	// number.
	ListSteps(ctx context.Context, executionID string) ([]*StepExecution, error)

	// UpdateStep applies the patch under the optimistic version check.
	UpdateStep(ctx context.Context, id string, expectedVersion int64, patch StepPatch) (int64, error)

	// GetStepByExternalWorkflowID finds the awaiting step bound to an
	// external workflow id.
	GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*StepExecution, error)

	// ListAwaitingSteps returns the awaiting steps of one execution.
	ListAwaitingSteps(ctx context.Context, executionID string) ([]*StepExecution, error)

	// ListAwaitingPastDeadline returns every awaiting step whose deadline
	// elapsed before now, across all executions.
	ListAwaitingPastDeadline(ctx context.Context, now time.Time) ([]*StepExecution, error)

	// CompleteStepFromEvent terminates an awaiting step: sets the terminal
	// status, replaces outputs, clears the wait marker, stamps end_time.
	CompleteStepFromEvent(ctx context.Context, id string, expectedVersion int64, status StepStatus, outputs map[string]interface{}, errorMessage string) (int64, error)

	// DeleteSteps removes all step rows of an execution.
	DeleteSteps(ctx context.Context, executionID string) error
}

// ProgressEventStore persists the append-only progress stream.
type ProgressEventStore interface {
	// AppendEvent assigns the next per-execution sequence number atomically
	// and inserts the event. The input's ID, Timestamp, and SequenceNumber
	// are filled in by the store.
	AppendEvent(ctx context.Context, event *ProgressEvent) error

	// ListEvents returns the most recent events first. limit <= 0 means no
	// limit.
	ListEvents(ctx context.Context, executionID string, limit int) ([]*ProgressEvent, error)

	// DeleteEvents removes all events of an execution.
	DeleteEvents(ctx context.Context, executionID string) error
}

// SubscriptionStore persists callback subscriptions.
type SubscriptionStore interface {
	// CreateSubscriptions batch-inserts subscription rows and returns the
	// ids created. A duplicate (execution_id, callback_topic) pair is
	// skipped, keeping the uniqueness invariant without failing the batch.
	CreateSubscriptions(ctx context.Context, subs []*ExecutionSubscription) ([]string, error)

	GetSubscription(ctx context.Context, id string) (*ExecutionSubscription, error)

	// ListSubscriptions returns every subscription of an execution.
	ListSubscriptions(ctx context.Context, executionID string) ([]*ExecutionSubscription, error)

	// ListActiveSubscriptions returns the active, unexpired subscriptions
	// of an execution as of now.
	ListActiveSubscriptions(ctx context.Context, executionID string, now time.Time) ([]*ExecutionSubscription, error)

	// SetDeliveryStatus transitions a subscription's delivery status.
	SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus, reason string) error

	// DeleteSubscriptions removes all subscriptions of an execution.
	DeleteSubscriptions(ctx context.Context, executionID string) error
}
