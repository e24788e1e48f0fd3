package action

import (
	"fmt"
	"time"

	"github.com/stepflow-io/stepflow/core"
)

// ExecutionMode distinguishes synchronous actions from event-driven ones.
type ExecutionMode string

const (
	// ModeSync actions finish within the Execute call.
	ModeSync ExecutionMode = "SYNC"

	// ModeEventDriven actions return a wait marker from Execute and are
	// completed later by the event router or the timeout scheduler.
	ModeEventDriven ExecutionMode = "EVENT_DRIVEN"
)

// ParamType is the closed set of parameter type tags UI clients and the
// validator understand.
type ParamType string

const (
	TypeString      ParamType = "string"
	TypeNumber      ParamType = "number"
	TypeBoolean     ParamType = "boolean"
	TypeSelect      ParamType = "select"
	TypeMultiSelect ParamType = "multiselect"
	TypeObject      ParamType = "object"
	TypeList        ParamType = "list"
	TypeObjectRef   ParamType = "object_ref"
	TypeSecret      ParamType = "secret"
)

// CompareOp is the operator set for conditional parameter visibility.
type CompareOp string

const (
	OpEquals    CompareOp = "equals"
	OpNotEquals CompareOp = "not_equals"
)

// VisibleWhen gates a parameter on the value of another parameter. A hidden
// parameter is neither required nor validated.
type VisibleWhen struct {
	Param string      `json:"param" yaml:"param"`
	Op    CompareOp   `json:"op" yaml:"op"`
	Value interface{} `json:"value" yaml:"value"`
}

// ParamOption is one choice of a select or multiselect parameter.
type ParamOption struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// ParamDef declares one action parameter.
type ParamDef struct {
	Name        string        `json:"name" yaml:"name"`
	Type        ParamType     `json:"type" yaml:"type"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Default     interface{}   `json:"default,omitempty" yaml:"default,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Options     []ParamOption `json:"options,omitempty" yaml:"options,omitempty"`

	// Numeric bounds, applied to TypeNumber values.
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`

	// String bounds, applied to TypeString values.
	MinLength *int   `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	VisibleWhen *VisibleWhen `json:"visible_when,omitempty" yaml:"visible_when,omitempty"`
}

// OutputDef declares one named output an action produces.
type OutputDef struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type,omitempty" yaml:"type,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// RetryPolicy configures step-level retry for actions that opt in.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	InitialInterval   time.Duration `json:"initial_interval" yaml:"initial_interval"`
}

// Meta is the static, declarative description of an action. It is
// configuration-time data, never persisted, and everything UI clients need
// to render a form and pre-validate inputs.
type Meta struct {
	Type        string `json:"type" yaml:"type"`
	Version     string `json:"version,omitempty" yaml:"version,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	Params  []ParamDef  `json:"params,omitempty" yaml:"params,omitempty"`
	Outputs []OutputDef `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	Mode ExecutionMode `json:"mode" yaml:"mode"`

	// TimeoutSeconds bounds the event wait of EVENT_DRIVEN actions.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`

	Retry      *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	Idempotent bool         `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`

	// FreeFormParams disables the unknown-key check: any params beyond the
	// declared ones are accepted. For shaping actions whose inputs are the
	// user's to choose.
	FreeFormParams bool `json:"free_form_params,omitempty" yaml:"free_form_params,omitempty"`

	RequiredServices    []string `json:"required_services,omitempty" yaml:"required_services,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty" yaml:"required_permissions,omitempty"`
}

// Validate checks the declaration itself: non-blank type, unique non-empty
// parameter names, options present on select types. Called at registration.
func (m *Meta) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("action type is blank: %w", core.ErrInvalidParams)
	}
	if m.Mode != ModeSync && m.Mode != ModeEventDriven {
		return fmt.Errorf("action %q has invalid mode %q: %w", m.Type, m.Mode, core.ErrInvalidParams)
	}
	seen := make(map[string]bool, len(m.Params))
	for _, p := range m.Params {
		if p.Name == "" {
			return fmt.Errorf("action %q has a parameter with an empty name: %w", m.Type, core.ErrInvalidParams)
		}
		if seen[p.Name] {
			return fmt.Errorf("action %q declares parameter %q twice: %w", m.Type, p.Name, core.ErrInvalidParams)
		}
		seen[p.Name] = true
		if (p.Type == TypeSelect || p.Type == TypeMultiSelect) && len(p.Options) == 0 {
			return fmt.Errorf("action %q parameter %q is a %s with no options: %w", m.Type, p.Name, p.Type, core.ErrInvalidParams)
		}
		if p.VisibleWhen != nil && p.VisibleWhen.Op != OpEquals && p.VisibleWhen.Op != OpNotEquals {
			return fmt.Errorf("action %q parameter %q has invalid visibility operator %q: %w", m.Type, p.Name, p.VisibleWhen.Op, core.ErrInvalidParams)
		}
	}
	return nil
}

// Param returns the declaration of a named parameter.
func (m *Meta) Param(name string) (ParamDef, bool) {
	for _, p := range m.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamDef{}, false
}
