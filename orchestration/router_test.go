package orchestration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/action"
	"github.com/stepflow-io/stepflow/storage"
)

// startWaiting spins up an engine plus router over one in-memory store and
// starts a two-step pipeline whose first step awaits an external workflow.
func startWaiting(t *testing.T, workflowID string) (*EventRouter, *storage.InMemoryStore, string) {
	t.Helper()
	store := storage.NewInMemoryStore()
	registry := newTestRegistry(t, nil)
	engine := NewEngine(store, registry)
	router := NewEventRouter(store, registry, engine)

	def := &PipelineDefinition{
		ID: "onboard",
		Steps: []StepDefinition{
			{ID: "wait", ActionType: action.TypeWaitForEvent, Params: map[string]interface{}{
				"external_workflow_id": workflowID,
				"timeout_seconds":      600,
			}},
			{ID: "announce", ActionType: action.TypeTransform, DependsOn: []string{"wait"}, Params: map[string]interface{}{
				"model": "{{ steps.wait.outputs.model_id }}",
			}},
		},
	}
	exec, err := engine.StartExecution(context.Background(), def, nil, "user-1", nil)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionRunning, exec.Status)
	return router, store, exec.ID
}

func TestRouteEventCompletesStepAndResumes(t *testing.T) {
	router, store, execID := startWaiting(t, "wf-42")
	ctx := context.Background()

	result, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-42",
		"status":      "COMPLETED",
		"result":      map[string]interface{}{"model_id": "m-123"},
	})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.True(t, result.StepCompleted)
	assert.Equal(t, string(action.DispositionComplete), result.ActionTaken)
	assert.Equal(t, storage.ExecutionCompleted, result.FinalStatus)
	assert.Empty(t, result.Error)

	steps := stepsByID(t, store, execID)
	assert.Equal(t, storage.StepCompleted, steps["wait"].Status)
	assert.False(t, steps["wait"].AwaitingEvent)
	assert.Equal(t, "m-123", steps["wait"].Outputs["model_id"])
	assert.Equal(t, storage.StepCompleted, steps["announce"].Status)
	assert.Equal(t, "m-123", steps["announce"].Outputs["model"])

	exec, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, float64(100), exec.Progress)
}

func TestRouteEventFailureFailsExecution(t *testing.T) {
	router, store, execID := startWaiting(t, "wf-f")
	ctx := context.Background()

	result, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-f",
		"status":      "FAILED",
		"error":       "gpu quota exhausted",
	})
	require.NoError(t, err)
	assert.True(t, result.StepCompleted)
	assert.Equal(t, storage.ExecutionFailed, result.FinalStatus)

	steps := stepsByID(t, store, execID)
	assert.Equal(t, storage.StepFailed, steps["wait"].Status)
	assert.Equal(t, "gpu quota exhausted", steps["wait"].ErrorMessage)
	assert.Equal(t, storage.StepSkipped, steps["announce"].Status)

	exec, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, "gpu quota exhausted", exec.ErrorInfo["first_error"])
}

func TestRouteEventWorkflowIDLocations(t *testing.T) {
	for _, event := range []map[string]interface{}{
		{"workflow_id": "wf-loc", "status": "COMPLETED"},
		{"payload": map[string]interface{}{"workflow_id": "wf-loc", "status": "COMPLETED"}},
		{"notification_metadata": map[string]interface{}{"workflow_id": "wf-loc"}, "status": "COMPLETED"},
		{"payload": map[string]interface{}{
			"content": map[string]interface{}{
				"result": map[string]interface{}{"workflow_id": "wf-loc"},
			},
			"status": "COMPLETED",
		}},
	} {
		router, _, _ := startWaiting(t, "wf-loc")
		result, err := router.RouteEvent(context.Background(), event)
		require.NoError(t, err)
		assert.True(t, result.Routed, "event %v", event)
	}
}

func TestRouteEventNoWorkflowID(t *testing.T) {
	router, _, _ := startWaiting(t, "wf-x")

	result, err := router.RouteEvent(context.Background(), map[string]interface{}{"status": "COMPLETED"})
	require.NoError(t, err)
	assert.False(t, result.Routed)
	assert.Equal(t, "no workflow id", result.Error)
}

func TestRouteEventNoStepAwaiting(t *testing.T) {
	router, _, _ := startWaiting(t, "wf-y")

	result, err := router.RouteEvent(context.Background(), map[string]interface{}{
		"workflow_id": "wf-unknown",
		"status":      "COMPLETED",
	})
	require.NoError(t, err)
	assert.False(t, result.Routed)
	assert.Equal(t, "no step awaiting", result.Error)
}

func TestRouteEventDuplicateCompletionDropped(t *testing.T) {
	router, _, _ := startWaiting(t, "wf-dup")
	ctx := context.Background()

	first, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-dup",
		"status":      "COMPLETED",
	})
	require.NoError(t, err)
	require.True(t, first.StepCompleted)

	// The step is no longer awaiting, so the duplicate cannot route.
	second, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-dup",
		"status":      "COMPLETED",
	})
	require.NoError(t, err)
	assert.False(t, second.Routed)
	assert.False(t, second.StepCompleted)
	assert.Equal(t, "no step awaiting", second.Error)
}

// staleStepStore replays a stale version from GetStepByExternalWorkflowID,
// simulating a completion that lands between the router's read and its write.
type staleStepStore struct {
	storage.Store
	staleVersion int64
}

func (s *staleStepStore) GetStepByExternalWorkflowID(ctx context.Context, externalWorkflowID string) (*storage.StepExecution, error) {
	step, err := s.Store.GetStepByExternalWorkflowID(ctx, externalWorkflowID)
	if err != nil {
		return nil, err
	}
	step.Version = s.staleVersion
	return step, nil
}

func TestRouteEventConcurrentCompletionDropped(t *testing.T) {
	store := storage.NewInMemoryStore()
	registry := newTestRegistry(t, nil)
	engine := NewEngine(store, registry)
	ctx := context.Background()

	def := &PipelineDefinition{
		ID: "race",
		Steps: []StepDefinition{
			{ID: "wait", ActionType: action.TypeWaitForEvent, Params: map[string]interface{}{
				"external_workflow_id": "wf-race",
				"timeout_seconds":      600,
			}},
		},
	}
	exec, err := engine.StartExecution(ctx, def, nil, "", nil)
	require.NoError(t, err)

	stale := &staleStepStore{Store: store, staleVersion: 1}
	router := NewEventRouter(stale, registry, engine)

	result, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-race",
		"status":      "COMPLETED",
	})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.False(t, result.StepCompleted)
	assert.Equal(t, "concurrent completion, dropped", result.Error)

	// The losing write changed nothing.
	steps := stepsByID(t, store, exec.ID)
	assert.Equal(t, storage.StepRunning, steps["wait"].Status)
	assert.True(t, steps["wait"].AwaitingEvent)
}

func TestRouteEventProgressUpdate(t *testing.T) {
	router, store, execID := startWaiting(t, "wf-prog")
	ctx := context.Background()

	result, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-prog",
		"progress":    42.5,
	})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.False(t, result.StepCompleted)
	assert.Equal(t, string(action.DispositionUpdateProgress), result.ActionTaken)

	steps := stepsByID(t, store, execID)
	assert.Equal(t, 42.5, steps["wait"].Progress)
	assert.True(t, steps["wait"].AwaitingEvent)
}

func TestRouteEventUnrelatedPayloadIgnored(t *testing.T) {
	router, store, execID := startWaiting(t, "wf-ig")

	result, err := router.RouteEvent(context.Background(), map[string]interface{}{
		"workflow_id": "wf-ig",
		"note":        "heartbeat",
	})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.Equal(t, string(action.DispositionIgnore), result.ActionTaken)
	assert.False(t, result.StepCompleted)

	steps := stepsByID(t, store, execID)
	assert.Equal(t, storage.StepRunning, steps["wait"].Status)
	assert.True(t, steps["wait"].AwaitingEvent)
}

type panickyExecutor struct{}

func (panickyExecutor) Execute(ctx context.Context, ac *action.Context) (*action.Result, error) {
	return action.Await("wf-panic", 600), nil
}

func (panickyExecutor) OnEvent(ctx context.Context, ec *action.EventContext) (*action.EventResult, error) {
	panic("handler exploded")
}

func TestRouteEventHandlerPanicLeavesStepWaiting(t *testing.T) {
	store := storage.NewInMemoryStore()
	registry := action.NewRegistry()
	require.NoError(t, registry.Register(action.Meta{
		Type: "panicky",
		Mode: action.ModeEventDriven,
	}, func() (action.Executor, error) { return panickyExecutor{}, nil }))

	engine := NewEngine(store, registry)
	router := NewEventRouter(store, registry, engine)
	ctx := context.Background()

	def := &PipelineDefinition{
		ID:    "p",
		Steps: []StepDefinition{{ID: "wait", ActionType: "panicky"}},
	}
	exec, err := engine.StartExecution(ctx, def, nil, "", nil)
	require.NoError(t, err)

	result, err := router.RouteEvent(ctx, map[string]interface{}{
		"workflow_id": "wf-panic",
	})
	require.NoError(t, err)
	assert.True(t, result.Routed)
	assert.Equal(t, string(action.DispositionIgnore), result.ActionTaken)
	assert.Contains(t, result.Error, "Handler raised")
	assert.False(t, result.StepCompleted)

	steps := stepsByID(t, store, exec.ID)
	assert.True(t, steps["wait"].AwaitingEvent)
}
