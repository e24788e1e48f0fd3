package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestValidateParamsRequiredAndUnknown(t *testing.T) {
	meta := Meta{
		Type: "sample",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "name", Type: TypeString, Required: true},
			{Name: "count", Type: TypeNumber},
		},
	}

	errs := ValidateParams(meta, map[string]interface{}{})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `"name" is required`)

	errs = ValidateParams(meta, map[string]interface{}{"name": "x", "rogue": 1})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `"rogue" is not declared`)

	// A required param with a declared default may be absent.
	meta.Params[0].Default = "anonymous"
	assert.Empty(t, ValidateParams(meta, map[string]interface{}{}))
}

func TestValidateParamsTypeChecks(t *testing.T) {
	meta := Meta{
		Type: "typed",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "s", Type: TypeString},
			{Name: "n", Type: TypeNumber},
			{Name: "b", Type: TypeBoolean},
			{Name: "o", Type: TypeObject},
			{Name: "l", Type: TypeList},
		},
	}

	assert.Empty(t, ValidateParams(meta, map[string]interface{}{
		"s": "hello",
		"n": 3, // int is accepted as a number
		"b": true,
		"o": map[string]interface{}{"k": "v"},
		"l": []interface{}{1, 2},
	}))

	errs := ValidateParams(meta, map[string]interface{}{
		"s": 42,
		"n": "three",
		"b": "true",
		"o": []interface{}{},
		"l": "not a list",
	})
	assert.Len(t, errs, 5)
}

func TestValidateParamsBounds(t *testing.T) {
	meta := Meta{
		Type: "bounded",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "pct", Type: TypeNumber, Min: floatPtr(0), Max: floatPtr(100)},
			{Name: "code", Type: TypeString, MinLength: intPtr(2), MaxLength: intPtr(4), Pattern: `^[A-Z]+$`},
		},
	}

	assert.Empty(t, ValidateParams(meta, map[string]interface{}{"pct": 55.5, "code": "ABC"}))

	errs := ValidateParams(meta, map[string]interface{}{"pct": 120})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "above maximum")

	errs = ValidateParams(meta, map[string]interface{}{"pct": -1})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "below minimum")

	errs = ValidateParams(meta, map[string]interface{}{"code": "A"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "shorter than")

	errs = ValidateParams(meta, map[string]interface{}{"code": "ABCDE"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "longer than")

	errs = ValidateParams(meta, map[string]interface{}{"code": "ab"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "does not match pattern")
}

func TestValidateParamsSelectAndMultiSelect(t *testing.T) {
	meta := Meta{
		Type: "choices",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "env", Type: TypeSelect, Options: []ParamOption{{Value: "dev"}, {Value: "prod"}}},
			{Name: "zones", Type: TypeMultiSelect, Options: []ParamOption{{Value: "a"}, {Value: "b"}}},
		},
	}

	assert.Empty(t, ValidateParams(meta, map[string]interface{}{
		"env":   "dev",
		"zones": []interface{}{"a", "b"},
	}))

	errs := ValidateParams(meta, map[string]interface{}{"env": "staging"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "not one of the allowed options")

	errs = ValidateParams(meta, map[string]interface{}{"zones": []interface{}{"a", "z"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `"z"`)
}

func TestValidateParamsTemplateValuesDeferred(t *testing.T) {
	meta := Meta{
		Type: "templated",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "count", Type: TypeNumber, Min: floatPtr(1)},
		},
	}
	// A template string satisfies presence; type and bounds wait for dispatch.
	assert.Empty(t, ValidateParams(meta, map[string]interface{}{
		"count": "{{ params.replicas }}",
	}))
}

func TestValidateParamsVisibility(t *testing.T) {
	meta := Meta{
		Type: "visible",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "mode", Type: TypeSelect, Options: []ParamOption{{Value: "http"}, {Value: "event"}}},
			{Name: "url", Type: TypeString, Required: true, VisibleWhen: &VisibleWhen{Param: "mode", Op: OpEquals, Value: "http"}},
			{Name: "topic", Type: TypeString, Required: true, VisibleWhen: &VisibleWhen{Param: "mode", Op: OpNotEquals, Value: "http"}},
		},
	}

	// mode=http: url is required, topic is hidden.
	errs := ValidateParams(meta, map[string]interface{}{"mode": "http"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `"url"`)

	assert.Empty(t, ValidateParams(meta, map[string]interface{}{"mode": "http", "url": "https://x"}))

	// mode=event: topic is required, url is hidden.
	errs = ValidateParams(meta, map[string]interface{}{"mode": "event"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `"topic"`)
}

func TestVisibilityNumericNormalization(t *testing.T) {
	meta := Meta{
		Type: "numvis",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "replicas", Type: TypeNumber},
			{Name: "spread", Type: TypeString, Required: true, VisibleWhen: &VisibleWhen{Param: "replicas", Op: OpEquals, Value: 3}},
		},
	}
	// int 3 in the declaration matches float64 3 decoded from JSON.
	errs := ValidateParams(meta, map[string]interface{}{"replicas": 3.0})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), `"spread"`)
}

func TestApplyDefaults(t *testing.T) {
	meta := Meta{
		Type: "defaulted",
		Mode: ModeSync,
		Params: []ParamDef{
			{Name: "level", Type: TypeString, Default: "info"},
			{Name: "count", Type: TypeNumber, Default: 1},
			{Name: "name", Type: TypeString},
		},
	}

	in := map[string]interface{}{"level": "debug"}
	out := ApplyDefaults(meta, in)

	assert.Equal(t, "debug", out["level"])
	assert.Equal(t, 1, out["count"])
	_, present := out["name"]
	assert.False(t, present)

	// Input map is untouched.
	assert.Len(t, in, 1)
}
