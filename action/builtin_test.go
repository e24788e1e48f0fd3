package action

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

type capturingPublisher struct {
	topic   string
	payload []byte
	err     error
}

func (p *capturingPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.topic = topic
	p.payload = payload
	return p.err
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinDeps{}))

	for _, typ := range []string{TypeLog, TypeTransform, TypeHTTPRequest, TypePublishEvent, TypeWaitForEvent, TypeConditional} {
		assert.True(t, r.Has(typ), typ)
		_, err := r.Executor(typ)
		assert.NoError(t, err, typ)
	}

	m, _ := r.Meta(TypeWaitForEvent)
	assert.Equal(t, ModeEventDriven, m.Mode)
}

func TestLogAction(t *testing.T) {
	a := &LogAction{logger: &core.NoOpLogger{}}
	res, err := a.Execute(context.Background(), &Context{
		ExecutionID: "e1",
		StepID:      "s1",
		Params:      map[string]interface{}{"message": "deploying", "level": "warn"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "deploying", res.Outputs["message"])
	assert.Equal(t, "warn", res.Outputs["level"])
}

func TestTransformAction(t *testing.T) {
	a := &TransformAction{}

	res, err := a.Execute(context.Background(), &Context{
		Params: map[string]interface{}{"a": 1, "b": "two"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": "two"}, res.Outputs)

	// Explicit output object overrides passthrough.
	res, err = a.Execute(context.Background(), &Context{
		Params: map[string]interface{}{
			"a":      1,
			"output": map[string]interface{}{"only": "this"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"only": "this"}, res.Outputs)

	assert.Empty(t, a.ValidateParams(map[string]interface{}{"anything": []interface{}{"goes"}}))
	errs := a.ValidateParams(map[string]interface{}{"bad": func() {}})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrNotJSONValue)
}

func TestHTTPRequestActionWithoutInvoker(t *testing.T) {
	a := &HTTPRequestAction{}
	res, err := a.Execute(context.Background(), &Context{
		Params: map[string]interface{}{"app_id": "svc", "path": "/x"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no service invoker")
}

type recordingInvoker struct {
	got core.ServiceRequest
}

func (r *recordingInvoker) Invoke(ctx context.Context, req core.ServiceRequest) (map[string]interface{}, error) {
	r.got = req
	return map[string]interface{}{"status": "ok"}, nil
}

func TestHTTPRequestAction(t *testing.T) {
	inv := &recordingInvoker{}
	a := &HTTPRequestAction{}
	res, err := a.Execute(context.Background(), &Context{
		ExecutionID: "e-9",
		StepID:      "call",
		Invoker:     inv,
		Params: map[string]interface{}{
			"app_id": "model-svc",
			"path":   "/v1/models",
			"method": "GET",
			"query":  map[string]interface{}{"page": 2},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]interface{}{"status": "ok"}, res.Outputs["response"])
	assert.Equal(t, "model-svc", inv.got.AppID)
	assert.Equal(t, "GET", inv.got.Method)
	assert.Equal(t, "2", inv.got.Params["page"])
	assert.Equal(t, "e-9", inv.got.Headers["X-Execution-ID"])
	assert.Equal(t, "call", inv.got.Headers["X-Step-ID"])
}

func TestPublishEventAction(t *testing.T) {
	pub := &capturingPublisher{}
	a := &PublishEventAction{publisher: pub}

	res, err := a.Execute(context.Background(), &Context{
		Params: map[string]interface{}{
			"topic":   "deploy.done",
			"payload": map[string]interface{}{"ok": true},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "deploy.done", pub.topic)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payload, &sent))
	assert.Equal(t, true, sent["ok"])

	// Without a publisher the step fails instead of panicking.
	bare := &PublishEventAction{}
	res, err = bare.Execute(context.Background(), &Context{
		Params: map[string]interface{}{"topic": "x"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestWaitForEventExecute(t *testing.T) {
	a := &WaitForEventAction{}

	res, err := a.Execute(context.Background(), &Context{
		Params: map[string]interface{}{"external_workflow_id": "wf-77", "timeout_seconds": 120},
	})
	require.NoError(t, err)
	assert.True(t, res.AwaitingEvent)
	assert.Equal(t, "wf-77", res.ExternalWorkflowID)
	assert.Equal(t, 120, res.TimeoutSeconds)

	// Missing binding id gets generated.
	res, err = a.Execute(context.Background(), &Context{Params: map[string]interface{}{}})
	require.NoError(t, err)
	assert.True(t, res.AwaitingEvent)
	assert.NotEmpty(t, res.ExternalWorkflowID)
	assert.Zero(t, res.TimeoutSeconds)
}

func TestWaitForEventOnEvent(t *testing.T) {
	a := &WaitForEventAction{}
	ctx := context.Background()

	cases := []struct {
		name    string
		payload map[string]interface{}
		want    Disposition
		status  storage.StepStatus
	}{
		{
			name: "completed with result",
			payload: map[string]interface{}{
				"status": "COMPLETED",
				"result": map[string]interface{}{"model_id": "m-123"},
			},
			want:   DispositionComplete,
			status: storage.StepCompleted,
		},
		{
			name:    "failed",
			payload: map[string]interface{}{"status": "FAILED", "error": "boom"},
			want:    DispositionComplete,
			status:  storage.StepFailed,
		},
		{
			name:    "timeout",
			payload: map[string]interface{}{"status": "TIMEOUT"},
			want:    DispositionComplete,
			status:  storage.StepTimeout,
		},
		{
			name:    "progress only",
			payload: map[string]interface{}{"progress": 40},
			want:    DispositionUpdateProgress,
		},
		{
			name:    "unrelated",
			payload: map[string]interface{}{"kind": "heartbeat"},
			want:    DispositionIgnore,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := a.OnEvent(ctx, &EventContext{Payload: tc.payload})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Disposition)
			if tc.want == DispositionComplete {
				assert.Equal(t, tc.status, res.Status)
			}
		})
	}

	// Envelope form: body nested under "payload".
	res, err := a.OnEvent(ctx, &EventContext{Payload: map[string]interface{}{
		"payload": map[string]interface{}{
			"status": "SUCCESS",
			"result": map[string]interface{}{"model_id": "m-123"},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, DispositionComplete, res.Disposition)
	assert.Equal(t, "m-123", res.Outputs["model_id"])

	// Failure keeps the error message.
	res, err = a.OnEvent(ctx, &EventContext{Payload: map[string]interface{}{"status": "error", "error": "gpu quota"}})
	require.NoError(t, err)
	assert.Equal(t, "gpu quota", res.Error)
}

func TestConditionalBranches(t *testing.T) {
	a := &ConditionalAction{}
	ctx := context.Background()

	// Conditions arrive pre-evaluated; first truthy branch wins.
	res, err := a.Execute(ctx, &Context{Params: map[string]interface{}{
		"branches": []interface{}{
			map[string]interface{}{"id": "a", "label": "small", "condition": false, "target_step": "step_a"},
			map[string]interface{}{"id": "b", "label": "large", "condition": true, "target_step": "step_b"},
			map[string]interface{}{"id": "c", "label": "huge", "condition": true, "target_step": "step_c"},
		},
	}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "b", res.Outputs["matched_branch"])
	assert.Equal(t, "large", res.Outputs["matched_label"])
	assert.Equal(t, "step_b", res.Outputs["target_step"])

	// No branch matches.
	res, err = a.Execute(ctx, &Context{Params: map[string]interface{}{
		"branches": []interface{}{
			map[string]interface{}{"id": "a", "condition": false, "target_step": "step_a"},
		},
	}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.Outputs["matched_branch"])
	assert.Nil(t, res.Outputs["target_step"])
}

func TestConditionalLegacyForm(t *testing.T) {
	a := &ConditionalAction{}
	ctx := context.Background()

	res, err := a.Execute(ctx, &Context{Params: map[string]interface{}{
		"condition": true, "true_step": "yes", "false_step": "no",
	}})
	require.NoError(t, err)
	assert.Equal(t, "true", res.Outputs["matched_branch"])
	assert.Equal(t, "yes", res.Outputs["target_step"])
	assert.Equal(t, true, res.Outputs["result"])

	res, err = a.Execute(ctx, &Context{Params: map[string]interface{}{
		"condition": "false", "true_step": "yes", "false_step": "no",
	}})
	require.NoError(t, err)
	assert.Equal(t, "false", res.Outputs["matched_branch"])
	assert.Equal(t, "no", res.Outputs["target_step"])
}

func TestSyncActionsIgnoreEvents(t *testing.T) {
	for _, e := range []Executor{&LogAction{logger: &core.NoOpLogger{}}, &TransformAction{}, &ConditionalAction{}} {
		res, err := e.OnEvent(context.Background(), &EventContext{Payload: map[string]interface{}{"status": "COMPLETED"}})
		require.NoError(t, err)
		assert.Equal(t, DispositionIgnore, res.Disposition)
	}
}
