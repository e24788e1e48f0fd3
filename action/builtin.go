package action

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

// Builtin action types shipped with the engine. Platform-specific actions
// (model onboarding, cluster operations) remain plug-ins discovered via
// Provider; these give every deployment a usable base set and give the test
// suite real pipelines to run.
const (
	TypeLog          = "log"
	TypeTransform    = "transform"
	TypeHTTPRequest  = "http_request"
	TypePublishEvent = "publish_event"
	TypeWaitForEvent = "wait_for_event"
	TypeConditional  = "conditional"
)

// BuiltinDeps carries the collaborators the builtin set needs. Zero values
// are safe: logging falls back to NoOp and publish_event fails cleanly
// without a publisher.
type BuiltinDeps struct {
	Logger    core.Logger
	Publisher Publisher
}

// RegisterBuiltins registers the builtin action set on a registry.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) error {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}

	regs := []Registration{
		{Meta: logMeta(), Factory: func() (Executor, error) { return &LogAction{logger: deps.Logger}, nil }},
		{Meta: transformMeta(), Factory: func() (Executor, error) { return &TransformAction{}, nil }},
		{Meta: httpRequestMeta(), Factory: func() (Executor, error) { return &HTTPRequestAction{}, nil }},
		{Meta: publishEventMeta(), Factory: func() (Executor, error) { return &PublishEventAction{publisher: deps.Publisher}, nil }},
		{Meta: waitForEventMeta(), Factory: func() (Executor, error) { return &WaitForEventAction{}, nil }},
		{Meta: conditionalMeta(), Factory: func() (Executor, error) { return &ConditionalAction{}, nil }},
	}
	for _, reg := range regs {
		if err := r.Register(reg.Meta, reg.Factory); err != nil {
			return err
		}
	}
	return nil
}

// syncBase supplies the OnEvent half of the contract for purely synchronous
// actions: any routed event is unrelated by definition.
type syncBase struct{}

func (syncBase) OnEvent(ctx context.Context, ec *EventContext) (*EventResult, error) {
	return Ignore(), nil
}

// LogAction writes its message to the engine log and echoes it as output.
type LogAction struct {
	syncBase
	logger core.Logger
}

func logMeta() Meta {
	return Meta{
		Type:        TypeLog,
		Version:     "1.0",
		DisplayName: "Log Message",
		Category:    "utility",
		Description: "Writes a message to the engine log and echoes it as a step output.",
		Mode:        ModeSync,
		Idempotent:  true,
		Params: []ParamDef{
			{Name: "message", Type: TypeString, Required: true},
			{Name: "level", Type: TypeSelect, Default: "info", Options: []ParamOption{
				{Value: "debug"}, {Value: "info"}, {Value: "warn"}, {Value: "error"},
			}},
		},
		Outputs: []OutputDef{
			{Name: "message", Type: TypeString},
			{Name: "level", Type: TypeString},
		},
	}
}

func (a *LogAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	message := fmt.Sprintf("%v", ac.Params["message"])
	level, _ := ac.Params["level"].(string)
	if level == "" {
		level = "info"
	}

	fields := map[string]interface{}{
		"operation":    "action_log",
		"execution_id": ac.ExecutionID,
		"step_id":      ac.StepID,
	}
	switch level {
	case "debug":
		a.logger.DebugWithContext(ctx, message, fields)
	case "warn":
		a.logger.WarnWithContext(ctx, message, fields)
	case "error":
		a.logger.ErrorWithContext(ctx, message, fields)
	default:
		a.logger.InfoWithContext(ctx, message, fields)
	}

	return Completed(map[string]interface{}{
		"message": message,
		"level":   level,
	}), nil
}

// TransformAction shapes outputs from its resolved params. Because the
// engine resolves templates before Execute, every param value may draw on
// workflow params and prior step outputs; the action just republishes them
// as its own outputs.
type TransformAction struct {
	syncBase
}

func transformMeta() Meta {
	return Meta{
		Type:           TypeTransform,
		Version:        "1.0",
		DisplayName:    "Transform",
		Category:       "utility",
		Description:    "Publishes its resolved params as step outputs, shaping data between steps.",
		Mode:           ModeSync,
		Idempotent:     true,
		FreeFormParams: true,
		Params: []ParamDef{
			{Name: "output", Type: TypeObject, Description: "Explicit output object; when absent all params become outputs."},
		},
	}
}

func (a *TransformAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if explicit, ok := ac.Params["output"].(map[string]interface{}); ok {
		return Completed(explicit), nil
	}
	outputs := make(map[string]interface{}, len(ac.Params))
	for k, v := range ac.Params {
		outputs[k] = v
	}
	return Completed(outputs), nil
}

// ValidateParams allows arbitrary keys: transform is the one builtin whose
// params are free-form by design, so the structural unknown-key check is
// replaced by a JSON-representability check.
func (a *TransformAction) ValidateParams(params map[string]interface{}) []error {
	if _, err := json.Marshal(params); err != nil {
		return []error{fmt.Errorf("transform params are not JSON-representable: %w", core.ErrNotJSONValue)}
	}
	return nil
}

// HTTPRequestAction calls a downstream microservice through the invoker
// bound into the action context.
type HTTPRequestAction struct {
	syncBase
}

func httpRequestMeta() Meta {
	return Meta{
		Type:        TypeHTTPRequest,
		Version:     "1.0",
		DisplayName: "HTTP Request",
		Category:    "integration",
		Description: "Calls a downstream service through the platform invoker and exposes the JSON response.",
		Mode:        ModeSync,
		Params: []ParamDef{
			{Name: "app_id", Type: TypeString, Required: true},
			{Name: "path", Type: TypeString, Required: true},
			{Name: "method", Type: TypeSelect, Default: "POST", Options: []ParamOption{
				{Value: "GET"}, {Value: "POST"}, {Value: "PUT"}, {Value: "DELETE"},
			}},
			{Name: "query", Type: TypeObject},
			{Name: "body", Type: TypeObject},
			{Name: "timeout_seconds", Type: TypeNumber, Default: 30},
		},
		Outputs: []OutputDef{
			{Name: "response", Type: TypeObject},
		},
		RequiredServices: []string{"*"},
	}
}

func (a *HTTPRequestAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if ac.Invoker == nil {
		return Failed("no service invoker configured"), nil
	}

	appID, _ := ac.Params["app_id"].(string)
	path, _ := ac.Params["path"].(string)
	method, _ := ac.Params["method"].(string)

	var query map[string]string
	if raw, ok := ac.Params["query"].(map[string]interface{}); ok {
		query = make(map[string]string, len(raw))
		for k, v := range raw {
			query[k] = fmt.Sprintf("%v", v)
		}
	}

	var timeout time.Duration
	if n, ok := asNumber(ac.Params["timeout_seconds"]); ok && n > 0 {
		timeout = time.Duration(n * float64(time.Second))
	}

	resp, err := ac.Invoker.Invoke(ctx, core.ServiceRequest{
		AppID:   appID,
		Path:    path,
		Method:  method,
		Params:  query,
		Data:    ac.Params["body"],
		Timeout: timeout,
		Headers: map[string]string{
			"X-Execution-ID": ac.ExecutionID,
			"X-Step-ID":      ac.StepID,
		},
	})
	if err != nil {
		return Failed(err.Error()), nil
	}
	return Completed(map[string]interface{}{"response": resp}), nil
}

// PublishEventAction emits a JSON payload on the event bus.
type PublishEventAction struct {
	syncBase
	publisher Publisher
}

func publishEventMeta() Meta {
	return Meta{
		Type:        TypePublishEvent,
		Version:     "1.0",
		DisplayName: "Publish Event",
		Category:    "integration",
		Description: "Publishes a JSON payload to an event-bus topic.",
		Mode:        ModeSync,
		Params: []ParamDef{
			{Name: "topic", Type: TypeString, Required: true},
			{Name: "payload", Type: TypeObject},
		},
		Outputs: []OutputDef{
			{Name: "published", Type: TypeBoolean},
			{Name: "topic", Type: TypeString},
		},
	}
}

func (a *PublishEventAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if a.publisher == nil {
		return Failed("no event publisher configured"), nil
	}
	topic, _ := ac.Params["topic"].(string)
	payload, ok := ac.Params["payload"].(map[string]interface{})
	if !ok {
		payload = map[string]interface{}{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Failed(fmt.Sprintf("payload is not JSON-representable: %v", err)), nil
	}
	if err := a.publisher.Publish(ctx, topic, raw); err != nil {
		return Failed(fmt.Sprintf("publishing to %s: %v", topic, err)), nil
	}
	return Completed(map[string]interface{}{
		"published": true,
		"topic":     topic,
	}), nil
}

// WaitForEventAction is the generic event-driven action: Execute issues a
// wait marker bound to an external workflow id and OnEvent finishes the step
// when a matching completion event arrives. Domain-specific event-driven
// actions follow the same shape with richer payload handling.
type WaitForEventAction struct{}

func waitForEventMeta() Meta {
	return Meta{
		Type:           TypeWaitForEvent,
		Version:        "1.0",
		DisplayName:    "Wait For Event",
		Category:       "control",
		Description:    "Suspends the step until an external workflow reports completion, failure, or progress.",
		Mode:           ModeEventDriven,
		TimeoutSeconds: 3600,
		Params: []ParamDef{
			{Name: "external_workflow_id", Type: TypeString, Description: "Explicit binding id; generated when absent."},
			{Name: "timeout_seconds", Type: TypeNumber},
		},
	}
}

func (a *WaitForEventAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	externalID, _ := ac.Params["external_workflow_id"].(string)
	if externalID == "" {
		externalID = uuid.New().String()
	}
	timeout := 0
	if n, ok := asNumber(ac.Params["timeout_seconds"]); ok && n > 0 {
		timeout = int(n)
	}
	return Await(externalID, timeout), nil
}

func (a *WaitForEventAction) OnEvent(ctx context.Context, ec *EventContext) (*EventResult, error) {
	payload := eventBody(ec.Payload)

	status, _ := payload["status"].(string)
	switch status {
	case "COMPLETED", "SUCCESS", "completed", "success":
		return CompleteWith(storage.StepCompleted, resultOutputs(payload), ""), nil
	case "FAILED", "ERROR", "failed", "error":
		message, _ := payload["error"].(string)
		if message == "" {
			message = "external workflow reported failure"
		}
		return CompleteWith(storage.StepFailed, resultOutputs(payload), message), nil
	case "TIMEOUT", "timeout":
		return CompleteWith(storage.StepTimeout, map[string]interface{}{"timeout": true}, "external workflow timed out"), nil
	}

	if n, ok := asNumber(payload["progress"]); ok {
		return UpdateProgress(n), nil
	}
	return Ignore(), nil
}

// eventBody unwraps the conventional envelope: routers deliver either the
// body directly or wrapped under "payload".
func eventBody(payload map[string]interface{}) map[string]interface{} {
	if inner, ok := payload["payload"].(map[string]interface{}); ok {
		return inner
	}
	return payload
}

// resultOutputs lifts the event's result document into step outputs.
func resultOutputs(payload map[string]interface{}) map[string]interface{} {
	if result, ok := payload["result"].(map[string]interface{}); ok {
		return result
	}
	return nil
}

// ConditionalAction picks a successor branch. The engine resolves branch
// conditions as templates before Execute, so each condition arrives here as
// its evaluated value; the first truthy branch in declared order wins. The
// legacy single-condition form maps onto true_step/false_step.
type ConditionalAction struct {
	syncBase
}

func conditionalMeta() Meta {
	return Meta{
		Type:        TypeConditional,
		Version:     "1.0",
		DisplayName: "Conditional Branch",
		Category:    "control",
		Description: "Routes execution to one successor step based on branch conditions.",
		Mode:        ModeSync,
		Idempotent:  true,
		Params: []ParamDef{
			{Name: "branches", Type: TypeList},
			{Name: "condition", Type: TypeString},
			{Name: "true_step", Type: TypeString, VisibleWhen: &VisibleWhen{Param: "branches", Op: OpEquals, Value: nil}},
			{Name: "false_step", Type: TypeString, VisibleWhen: &VisibleWhen{Param: "branches", Op: OpEquals, Value: nil}},
		},
		Outputs: []OutputDef{
			{Name: "matched_branch", Type: TypeString},
			{Name: "matched_label", Type: TypeString},
			{Name: "target_step", Type: TypeString},
		},
	}
}

func (a *ConditionalAction) Execute(ctx context.Context, ac *Context) (*Result, error) {
	if rawBranches, ok := ac.Params["branches"].([]interface{}); ok && len(rawBranches) > 0 {
		for _, raw := range rawBranches {
			branch, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			if !Truthy(branch["condition"]) {
				continue
			}
			return Completed(map[string]interface{}{
				"matched_branch": branch["id"],
				"matched_label":  branch["label"],
				"target_step":    branch["target_step"],
			}), nil
		}
		return Completed(map[string]interface{}{
			"matched_branch": nil,
			"matched_label":  nil,
			"target_step":    nil,
		}), nil
	}

	// Legacy form: one boolean condition with true/false successors.
	result := Truthy(ac.Params["condition"])
	branch := "false"
	target := ac.Params["false_step"]
	if result {
		branch = "true"
		target = ac.Params["true_step"]
	}
	return Completed(map[string]interface{}{
		"matched_branch": branch,
		"matched_label":  branch,
		"result":         result,
		"target_step":    target,
	}), nil
}
