// Package orchestration implements the workflow execution engine: pipeline
// definitions, the dependency DAG, template and condition evaluation, step
// dispatch, event routing, timeout sweeps, progress fan-out, and retention.
package orchestration

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stepflow-io/stepflow/core"
)

// validate is shared; validator instances cache struct metadata.
var validate = validator.New()

// PipelineDefinition is the authored shape of a pipeline: declared inputs,
// the step DAG, and an optional mapping of final outputs. Definitions are
// stored opaquely on the execution row and re-parsed on continuation.
type PipelineDefinition struct {
	ID          string `yaml:"id" json:"id" validate:"required"`
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description,omitempty"`

	Params []ParamDecl      `yaml:"params" json:"params,omitempty" validate:"dive"`
	Steps  []StepDefinition `yaml:"steps" json:"steps" validate:"required,min=1,dive"`

	// FinalOutputs maps output names to template expressions resolved over
	// the accumulated step outputs when the execution completes.
	FinalOutputs map[string]string `yaml:"final_outputs" json:"final_outputs,omitempty"`
}

// ParamDecl declares one workflow input.
type ParamDecl struct {
	Name        string      `yaml:"name" json:"name" validate:"required"`
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required" json:"required"`
	Default     interface{} `yaml:"default" json:"default,omitempty"`
	Description string      `yaml:"description" json:"description,omitempty"`
}

// StepDefinition is one node of the pipeline DAG.
type StepDefinition struct {
	ID          string `yaml:"step_id" json:"step_id" validate:"required"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`

	// ActionType names the registered action dispatched for this step.
	ActionType string `yaml:"action_type" json:"action_type" validate:"required"`

	// Params may carry template expressions; they are resolved at dispatch
	// time over workflow params and prior step outputs.
	Params map[string]interface{} `yaml:"params" json:"params,omitempty"`

	// DependsOn lists upstream step ids. A SKIPPED upstream satisfies the
	// dependency unless it also appears in HardDependsOn.
	DependsOn     []string `yaml:"depends_on" json:"depends_on,omitempty"`
	HardDependsOn []string `yaml:"hard_depends_on" json:"hard_depends_on,omitempty"`

	// Independent keeps the step runnable even when every upstream was
	// skipped.
	Independent bool `yaml:"independent" json:"independent,omitempty"`

	// TimeoutSeconds overrides the action's event-wait timeout.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`

	// Branches configures conditional routing for branching actions.
	Branches []BranchDef `yaml:"branches" json:"branches,omitempty" validate:"dive"`
}

// BranchDef is one arm of a conditional step. Conditions are template
// expressions evaluated in declared order; the first truthy one wins.
type BranchDef struct {
	ID         string `yaml:"id" json:"id" validate:"required"`
	Label      string `yaml:"label" json:"label,omitempty"`
	Condition  string `yaml:"condition" json:"condition" validate:"required"`
	TargetStep string `yaml:"target_step" json:"target_step" validate:"required"`
}

// ParseDefinitionYAML decodes and validates a YAML pipeline definition.
func ParseDefinitionYAML(data []byte) (*PipelineDefinition, error) {
	var def PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, definitionError("orchestration.ParseDefinitionYAML", fmt.Errorf("decoding yaml: %v: %w", err, core.ErrInvalidDefinition))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionJSON decodes and validates a JSON pipeline definition.
func ParseDefinitionJSON(data []byte) (*PipelineDefinition, error) {
	var def PipelineDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, definitionError("orchestration.ParseDefinitionJSON", fmt.Errorf("decoding json: %v: %w", err, core.ErrInvalidDefinition))
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural tags plus the relational rules the tags cannot
// express: unique ids, dependency existence, hard dependencies being a
// subset of dependencies, branch targets existing, and acyclicity.
func (d *PipelineDefinition) Validate() error {
	const op = "orchestration.PipelineDefinition.Validate"

	if err := validate.Struct(d); err != nil {
		return definitionError(op, fmt.Errorf("%v: %w", err, core.ErrInvalidDefinition))
	}

	seenParams := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if seenParams[p.Name] {
			return definitionError(op, fmt.Errorf("duplicate param %q: %w", p.Name, core.ErrInvalidDefinition))
		}
		seenParams[p.Name] = true
	}

	steps := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if steps[s.ID] {
			return definitionError(op, fmt.Errorf("duplicate step id %q: %w", s.ID, core.ErrInvalidDefinition))
		}
		steps[s.ID] = true
	}

	for _, s := range d.Steps {
		deps := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return definitionError(op, fmt.Errorf("step %q depends on itself: %w", s.ID, core.ErrInvalidDefinition))
			}
			if !steps[dep] {
				return definitionError(op, fmt.Errorf("step %q depends on unknown step %q: %w", s.ID, dep, core.ErrInvalidDefinition))
			}
			deps[dep] = true
		}
		for _, hard := range s.HardDependsOn {
			if !deps[hard] {
				return definitionError(op, fmt.Errorf("step %q declares hard dependency %q outside depends_on: %w", s.ID, hard, core.ErrInvalidDefinition))
			}
		}
		for _, b := range s.Branches {
			if !steps[b.TargetStep] {
				return definitionError(op, fmt.Errorf("step %q branch %q targets unknown step %q: %w", s.ID, b.ID, b.TargetStep, core.ErrInvalidDefinition))
			}
		}
	}

	// Cycle detection rides on the DAG builder.
	if _, err := newExecutionDAG(d.Steps); err != nil {
		return err
	}
	return nil
}

// Step returns the definition of one step, or nil.
func (d *PipelineDefinition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// ResolveParams merges supplied workflow params with declared defaults and
// enforces required declarations. Undeclared keys pass through untouched:
// the declaration list documents the pipeline, it does not seal it.
func (d *PipelineDefinition) ResolveParams(supplied map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(supplied))
	for k, v := range supplied {
		out[k] = v
	}
	for _, decl := range d.Params {
		if _, present := out[decl.Name]; present {
			continue
		}
		if decl.Default != nil {
			out[decl.Name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, definitionError("orchestration.PipelineDefinition.ResolveParams",
				fmt.Errorf("required param %q not supplied: %w", decl.Name, core.ErrInvalidParams))
		}
	}
	return out, nil
}

// Document renders the definition as the opaque map stored on the execution
// row.
func (d *PipelineDefinition) Document() map[string]interface{} {
	raw, err := json.Marshal(d)
	if err != nil {
		return map[string]interface{}{"id": d.ID}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]interface{}{"id": d.ID}
	}
	return doc
}

// DefinitionFromDocument re-parses a stored definition document.
func DefinitionFromDocument(doc map[string]interface{}) (*PipelineDefinition, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, definitionError("orchestration.DefinitionFromDocument", fmt.Errorf("%v: %w", err, core.ErrInvalidDefinition))
	}
	return ParseDefinitionJSON(raw)
}

func definitionError(op string, err error) error {
	return &core.EngineError{Op: op, Kind: core.KindValidation, Err: err}
}
