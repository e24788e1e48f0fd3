package action

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/stepflow-io/stepflow/core"
)

// ValidateParams checks a raw params map against an action's declaration.
// It returns every problem found, not just the first one. Values that are
// template strings ("{{ ... }}") are only checked for presence; their type
// cannot be known before resolution, so type and bound checks are deferred
// to dispatch time.
func ValidateParams(meta Meta, params map[string]interface{}) []error {
	var errs []error

	for _, def := range meta.Params {
		if !paramVisible(def, params) {
			continue
		}
		value, present := params[def.Name]
		if !present || value == nil {
			if def.Required && def.Default == nil {
				errs = append(errs, fmt.Errorf("parameter %q is required: %w", def.Name, core.ErrInvalidParams))
			}
			continue
		}
		if isTemplateString(value) {
			continue
		}
		if err := validateValue(def, value); err != nil {
			errs = append(errs, err)
		}
	}

	if !meta.FreeFormParams {
		declared := make(map[string]bool, len(meta.Params))
		for _, def := range meta.Params {
			declared[def.Name] = true
		}
		for name := range params {
			if !declared[name] {
				errs = append(errs, fmt.Errorf("parameter %q is not declared by action %q: %w", name, meta.Type, core.ErrInvalidParams))
			}
		}
	}
	return errs
}

// ApplyDefaults returns params with declared defaults filled in for absent
// keys. The input map is not mutated.
func ApplyDefaults(meta Meta, params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, def := range meta.Params {
		if _, present := out[def.Name]; !present && def.Default != nil {
			out[def.Name] = def.Default
		}
	}
	return out
}

func paramVisible(def ParamDef, params map[string]interface{}) bool {
	vw := def.VisibleWhen
	if vw == nil {
		return true
	}
	other := params[vw.Param]
	equal := reflect.DeepEqual(normalizeScalar(other), normalizeScalar(vw.Value))
	if vw.Op == OpNotEquals {
		return !equal
	}
	return equal
}

func validateValue(def ParamDef, value interface{}) error {
	switch def.Type {
	case TypeString, TypeSecret, TypeObjectRef:
		s, ok := value.(string)
		if !ok {
			return typeError(def, value, "string")
		}
		if def.MinLength != nil && len(s) < *def.MinLength {
			return fmt.Errorf("parameter %q is shorter than %d characters: %w", def.Name, *def.MinLength, core.ErrInvalidParams)
		}
		if def.MaxLength != nil && len(s) > *def.MaxLength {
			return fmt.Errorf("parameter %q is longer than %d characters: %w", def.Name, *def.MaxLength, core.ErrInvalidParams)
		}
		if def.Pattern != "" {
			re, err := regexp.Compile(def.Pattern)
			if err != nil {
				return fmt.Errorf("parameter %q has an invalid pattern %q: %w", def.Name, def.Pattern, core.ErrInvalidParams)
			}
			if !re.MatchString(s) {
				return fmt.Errorf("parameter %q does not match pattern %q: %w", def.Name, def.Pattern, core.ErrInvalidParams)
			}
		}

	case TypeNumber:
		n, ok := asNumber(value)
		if !ok {
			return typeError(def, value, "number")
		}
		if def.Min != nil && n < *def.Min {
			return fmt.Errorf("parameter %q is below minimum %v: %w", def.Name, *def.Min, core.ErrInvalidParams)
		}
		if def.Max != nil && n > *def.Max {
			return fmt.Errorf("parameter %q is above maximum %v: %w", def.Name, *def.Max, core.ErrInvalidParams)
		}

	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return typeError(def, value, "boolean")
		}

	case TypeSelect:
		s, ok := value.(string)
		if !ok {
			return typeError(def, value, "string")
		}
		if !optionAllowed(def.Options, s) {
			return fmt.Errorf("parameter %q value %q is not one of the allowed options: %w", def.Name, s, core.ErrInvalidParams)
		}

	case TypeMultiSelect:
		items, ok := asStringSlice(value)
		if !ok {
			return typeError(def, value, "list of strings")
		}
		for _, item := range items {
			if !optionAllowed(def.Options, item) {
				return fmt.Errorf("parameter %q value %q is not one of the allowed options: %w", def.Name, item, core.ErrInvalidParams)
			}
		}

	case TypeObject:
		if _, ok := value.(map[string]interface{}); !ok {
			return typeError(def, value, "object")
		}

	case TypeList:
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return typeError(def, value, "list")
		}
	}
	return nil
}

func typeError(def ParamDef, value interface{}, want string) error {
	return fmt.Errorf("parameter %q expects a %s, got %T: %w", def.Name, want, value, core.ErrInvalidParams)
}

func optionAllowed(options []ParamOption, value string) bool {
	for _, opt := range options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

func asNumber(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asStringSlice(value interface{}) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// normalizeScalar folds integer widths onto float64 so visibility predicates
// written in YAML compare equal to values decoded from JSON.
func normalizeScalar(value interface{}) interface{} {
	if n, ok := asNumber(value); ok {
		return n
	}
	return value
}

func isTemplateString(value interface{}) bool {
	s, ok := value.(string)
	return ok && strings.Contains(s, "{{")
}
