// Package storage defines the durable entities of the execution engine and
// the store contract over them. Two implementations ship: the in-memory
// store in this package (tests, single-node development) and the Postgres
// store in storage/postgres (production). Every update is guarded by
// optimistic version checks; no implementation takes pessimistic locks.
package storage

import (
	"time"

	"github.com/uptrace/bun"
)

// ExecutionStatus is the lifecycle state of a pipeline execution.
type ExecutionStatus string

const (
	ExecutionPending     ExecutionStatus = "PENDING"
	ExecutionRunning     ExecutionStatus = "RUNNING"
	ExecutionCompleted   ExecutionStatus = "COMPLETED"
	ExecutionFailed      ExecutionStatus = "FAILED"
	ExecutionInterrupted ExecutionStatus = "INTERRUPTED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionInterrupted:
		return true
	}
	return false
}

// TerminalExecutionStatuses is the retention sweep's status filter.
var TerminalExecutionStatuses = []ExecutionStatus{
	ExecutionCompleted, ExecutionFailed, ExecutionInterrupted,
}

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepTimeout   StepStatus = "TIMEOUT"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepTimeout:
		return true
	}
	return false
}

// EventType classifies progress events.
type EventType string

const (
	EventWorkflowProgress  EventType = "workflow_progress"
	EventStepCompleted     EventType = "step_completed"
	EventETAUpdate         EventType = "eta_update"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// DeliveryStatus tracks outbound callback delivery per subscription.
type DeliveryStatus string

const (
	DeliveryActive  DeliveryStatus = "active"
	DeliveryExpired DeliveryStatus = "expired"
	DeliveryFailed  DeliveryStatus = "failed"
)

// MaxStepDescLength bounds ProgressEvent.CurrentStepDesc.
const MaxStepDescLength = 256

// PipelineExecution is one run of a pipeline definition. The definition
// document is stored opaquely; the engine re-parses it on continuation.
type PipelineExecution struct {
	bun.BaseModel `bun:"table:pipeline_execution,alias:pe"`

	ID         string                 `bun:"id,pk" json:"id"`
	Version    int64                  `bun:"version,notnull" json:"version"`
	Definition map[string]interface{} `bun:"definition,type:jsonb" json:"definition"`
	Params     map[string]interface{} `bun:"params,type:jsonb" json:"params"`
	Initiator  string                 `bun:"initiator,notnull" json:"initiator"`
	Status     ExecutionStatus        `bun:"status,notnull" json:"status"`

	// Progress is a fixed-point percentage in [0.00, 100.00], monotonically
	// non-decreasing across the execution's life.
	Progress float64 `bun:"progress_percentage,type:numeric(5,2)" json:"progress_percentage"`

	StartTime    *time.Time             `bun:"start_time" json:"start_time,omitempty"`
	EndTime      *time.Time             `bun:"end_time" json:"end_time,omitempty"`
	FinalOutputs map[string]interface{} `bun:"final_outputs,type:jsonb" json:"final_outputs,omitempty"`
	ErrorInfo    map[string]interface{} `bun:"error_info,type:jsonb" json:"error_info,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// StepExecution is one step of a pipeline execution.
type StepExecution struct {
	bun.BaseModel `bun:"table:step_execution,alias:se"`

	ID          string `bun:"id,pk" json:"id"`
	ExecutionID string `bun:"execution_id,notnull" json:"execution_id"`
	Version     int64  `bun:"version,notnull" json:"version"`

	StepID   string     `bun:"step_id,notnull" json:"step_id"`
	StepName string     `bun:"step_name" json:"step_name"`
	Status   StepStatus `bun:"status,notnull" json:"status"`

	StartTime *time.Time `bun:"start_time" json:"start_time,omitempty"`
	EndTime   *time.Time `bun:"end_time" json:"end_time,omitempty"`
	Progress  float64    `bun:"progress_percentage,type:numeric(5,2)" json:"progress_percentage"`

	Outputs      map[string]interface{} `bun:"outputs,type:jsonb" json:"outputs,omitempty"`
	ErrorMessage string                 `bun:"error_message" json:"error_message,omitempty"`
	RetryCount   int                    `bun:"retry_count,notnull" json:"retry_count"`

	// SequenceNumber is the 1-based execution order hint, unique per
	// execution.
	SequenceNumber int `bun:"sequence_number,notnull" json:"sequence_number"`

	// HandlerType is the action type string dispatched for this step.
	HandlerType string `bun:"handler_type,notnull" json:"handler_type"`

	// AwaitingEvent marks a RUNNING step suspended on an external workflow.
	// ExternalWorkflowID and EventDeadline are present iff it is set.
	AwaitingEvent      bool       `bun:"awaiting_event,notnull" json:"awaiting_event"`
	ExternalWorkflowID string     `bun:"external_workflow_id,nullzero" json:"external_workflow_id,omitempty"`
	EventDeadline      *time.Time `bun:"event_deadline" json:"event_deadline,omitempty"`

	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// ProgressEvent is an append-only record of one moment in an execution's
// life. Immutable after creation; SequenceNumber is strictly monotonic
// within an execution.
type ProgressEvent struct {
	bun.BaseModel `bun:"table:progress_event,alias:ev"`

	ID          string    `bun:"id,pk" json:"id"`
	ExecutionID string    `bun:"execution_id,notnull" json:"execution_id"`
	EventType   EventType `bun:"event_type,notnull" json:"event_type"`

	Progress        float64                `bun:"progress_percentage,type:numeric(5,2)" json:"progress_percentage"`
	ETASeconds      *int64                 `bun:"eta_seconds" json:"eta_seconds,omitempty"`
	CurrentStepDesc string                 `bun:"current_step_desc" json:"current_step_desc,omitempty"`
	EventDetails    map[string]interface{} `bun:"event_details,type:jsonb" json:"event_details,omitempty"`

	Timestamp      time.Time `bun:"timestamp,notnull" json:"timestamp"`
	SequenceNumber int64     `bun:"sequence_number,notnull" json:"sequence_number"`
}

// ExecutionSubscription binds an execution to an outbound callback topic.
type ExecutionSubscription struct {
	bun.BaseModel `bun:"table:execution_subscription,alias:sub"`

	ID               string         `bun:"id,pk" json:"id"`
	ExecutionID      string         `bun:"execution_id,notnull" json:"execution_id"`
	CallbackTopic    string         `bun:"callback_topic,notnull" json:"callback_topic"`
	SubscriptionTime time.Time      `bun:"subscription_time,notnull" json:"subscription_time"`
	ExpiryTime       *time.Time     `bun:"expiry_time" json:"expiry_time,omitempty"`
	DeliveryStatus   DeliveryStatus `bun:"delivery_status,notnull" json:"delivery_status"`

	// FailureReason records why delivery was marked failed.
	FailureReason string `bun:"failure_reason" json:"failure_reason,omitempty"`
}

// RoundProgress truncates a percentage to the fixed-point resolution of the
// progress columns (two decimals) and clamps it into [0, 100].
func RoundProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return float64(int64(p*100+0.5)) / 100
}
