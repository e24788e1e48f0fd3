package orchestration

import (
	"time"

	"github.com/stepflow-io/stepflow/storage"
	"github.com/stepflow-io/stepflow/telemetry"
)

// Metric names emitted by the engine. Dots namespace, snake_case leaf,
// _total suffix on counters.
const (
	// MetricExecutionStarted counts executions created.
	MetricExecutionStarted = "orchestration.execution.started_total"

	// MetricExecutionCompleted counts executions reaching a terminal state,
	// labelled by status.
	MetricExecutionCompleted = "orchestration.execution.completed_total"

	// MetricExecutionDuration measures wall time from start to terminal
	// state in seconds.
	MetricExecutionDuration = "orchestration.execution.duration_seconds"

	// MetricStepCompleted counts step terminal transitions, labelled by
	// status and action type.
	MetricStepCompleted = "orchestration.step.completed_total"

	// MetricStepDuration measures step dispatch latency in seconds.
	MetricStepDuration = "orchestration.step.duration_seconds"

	// MetricEventRouted counts routed events, labelled by the action taken.
	MetricEventRouted = "orchestration.event.routed_total"

	// MetricTimeoutSwept counts steps terminated by the timeout scheduler.
	MetricTimeoutSwept = "orchestration.timeout.swept_total"

	// MetricRetentionDeleted counts executions removed by retention sweeps.
	MetricRetentionDeleted = "orchestration.retention.deleted_total"

	// MetricOptimisticConflict counts version conflicts observed by the
	// engine and router.
	MetricOptimisticConflict = "orchestration.optimistic_conflict_total"
)

func recordExecutionStarted(initiator string) {
	telemetry.Counter(MetricExecutionStarted, "module", "engine", "initiator", initiator)
}

func recordExecutionCompleted(status storage.ExecutionStatus, elapsed time.Duration) {
	telemetry.Counter(MetricExecutionCompleted, "module", "engine", "status", string(status))
	if elapsed > 0 {
		telemetry.Histogram(MetricExecutionDuration, elapsed.Seconds(), "module", "engine", "status", string(status))
	}
}

func recordStepCompleted(status storage.StepStatus, actionType string, elapsed time.Duration) {
	telemetry.Counter(MetricStepCompleted, "module", "engine", "status", string(status), "action_type", actionType)
	if elapsed > 0 {
		telemetry.Histogram(MetricStepDuration, elapsed.Seconds(), "module", "engine", "action_type", actionType)
	}
}

func recordEventRouted(actionTaken string) {
	telemetry.Counter(MetricEventRouted, "module", "router", "action_taken", actionTaken)
}

func recordTimeoutSwept(count int) {
	for i := 0; i < count; i++ {
		telemetry.Counter(MetricTimeoutSwept, "module", "timeout_scheduler")
	}
}

func recordRetentionDeleted(count int) {
	for i := 0; i < count; i++ {
		telemetry.Counter(MetricRetentionDeleted, "module", "retention")
	}
}

func recordOptimisticConflict(module string) {
	telemetry.Counter(MetricOptimisticConflict, "module", module)
}
