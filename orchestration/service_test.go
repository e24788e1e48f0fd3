package orchestration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/action"
	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

func newTestService(t *testing.T) (*Service, *storage.InMemoryStore) {
	t.Helper()
	store := storage.NewInMemoryStore()
	registry := newTestRegistry(t, nil)
	engine := NewEngine(store, registry)
	router := NewEventRouter(store, registry, engine)
	return NewService(engine, router, store, registry), store
}

const serviceYAML = `
id: hello
steps:
  - step_id: say
    action_type: log
    params:
      message: "{{ params.msg | default(\"hi\") }}"
`

func TestServiceStartExecutionFromYAML(t *testing.T) {
	svc, _ := newTestService(t)

	exec, err := svc.StartExecution(context.Background(), StartRequest{
		DefinitionYAML: []byte(serviceYAML),
		Initiator:      "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
}

func TestServiceStartExecutionFromJSON(t *testing.T) {
	svc, _ := newTestService(t)

	exec, err := svc.StartExecution(context.Background(), StartRequest{
		DefinitionJSON: []byte(`{
			"id": "hello",
			"steps": [{"step_id": "say", "action_type": "log", "params": {"message": "hi"}}]
		}`),
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
}

func TestServiceStartExecutionRequiresDefinition(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.StartExecution(context.Background(), StartRequest{})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

func TestServiceGetProgressDetailLevels(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	exec, err := svc.StartExecution(ctx, StartRequest{DefinitionYAML: []byte(serviceYAML)})
	require.NoError(t, err)

	report, err := svc.GetProgress(ctx, exec.ID, DetailSummary, false, 0)
	require.NoError(t, err)
	assert.Equal(t, float64(100), report.AggregatedProgress)
	assert.Nil(t, report.Steps)
	assert.Nil(t, report.RecentEvents)

	report, err = svc.GetProgress(ctx, exec.ID, DetailSteps, false, 0)
	require.NoError(t, err)
	assert.Len(t, report.Steps, 1)
	assert.Nil(t, report.RecentEvents)

	report, err = svc.GetProgress(ctx, exec.ID, DetailFull, false, 0)
	require.NoError(t, err)
	assert.Len(t, report.Steps, 1)
	assert.NotEmpty(t, report.RecentEvents)

	// Explicit event limit.
	report, err = svc.GetProgress(ctx, exec.ID, DetailSummary, true, 1)
	require.NoError(t, err)
	assert.Len(t, report.RecentEvents, 1)

	_, err = svc.GetProgress(ctx, "missing", DetailSummary, false, 0)
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestServiceListExecutionsPaging(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateExecution(ctx, &storage.PipelineExecution{
			ID:        fmt.Sprintf("exec-%d", i),
			Status:    storage.ExecutionCompleted,
			Initiator: "user-1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := svc.ListExecutions(ctx, ListQuery{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 5, page.TotalCount)
	assert.Equal(t, 3, page.TotalPages)
	// Newest first.
	assert.Equal(t, "exec-4", page.Items[0].ID)

	page, err = svc.ListExecutions(ctx, ListQuery{Page: 3, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, "exec-0", page.Items[0].ID)

	// Defaults: page 1, size 20.
	page, err = svc.ListExecutions(ctx, ListQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.Equal(t, 1, page.TotalPages)

	// Status filter.
	page, err = svc.ListExecutions(ctx, ListQuery{Status: storage.ExecutionRunning})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.TotalCount)
}

func TestServiceListStepsChecksExistence(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ListSteps(ctx, "missing")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))

	exec, err := svc.StartExecution(ctx, StartRequest{DefinitionYAML: []byte(serviceYAML)})
	require.NoError(t, err)
	steps, err := svc.ListSteps(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestServiceActionCatalog(t *testing.T) {
	svc, _ := newTestService(t)

	byCategory := svc.ListActions()
	assert.NotEmpty(t, byCategory["utility"])
	assert.NotEmpty(t, byCategory["control"])

	meta, err := svc.GetAction(action.TypeLog)
	require.NoError(t, err)
	assert.Equal(t, action.TypeLog, meta.Type)

	_, err = svc.GetAction("nope")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))

	errs := svc.ValidateActionParams(action.TypeLog, map[string]interface{}{"message": "x"})
	assert.Empty(t, errs)
	errs = svc.ValidateActionParams(action.TypeLog, map[string]interface{}{})
	assert.NotEmpty(t, errs)
}
