package orchestration

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/stepflow-io/stepflow/core"
)

// Scope is the variable namespace templates evaluate over: workflow params
// under `params.<name>` and prior step outputs under
// `steps.<step_id>.outputs.<name>`.
type Scope struct {
	Params map[string]interface{}
	Steps  map[string]map[string]interface{}
}

func (s Scope) env() map[string]interface{} {
	params := s.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	steps := make(map[string]interface{}, len(s.Steps))
	for id, outputs := range s.Steps {
		if outputs == nil {
			outputs = map[string]interface{}{}
		}
		steps[id] = map[string]interface{}{"outputs": outputs}
	}
	return map[string]interface{}{"params": params, "steps": steps}
}

var (
	segmentPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)
	filterPattern  = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:\((.*)\))?$`)
	varPattern     = regexp.MustCompile(`\b(?:params|steps)(?:\.[A-Za-z_][A-Za-z0-9_]*)+`)
)

// Resolver evaluates template expressions embedded in strings, maps, and
// lists. In strict mode an unresolved reference without a `default` filter
// is an error; in non-strict mode it renders as an empty string. A field
// whose entire value is one expression resolves to the underlying typed
// value; once filters are applied the rendering goes through string form
// and literal inference; mixed text always yields a string.
type Resolver struct {
	strict bool
	logger core.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithStrictMode toggles strict resolution (default true).
func WithStrictMode(strict bool) ResolverOption {
	return func(r *Resolver) {
		r.strict = strict
	}
}

// WithResolverLogger sets the logger (defaults to NoOp).
func WithResolverLogger(logger core.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewResolver creates a resolver.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{strict: true, logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve walks the value and evaluates every embedded template.
func (r *Resolver) Resolve(value interface{}, scope Scope) (interface{}, error) {
	return r.resolve(value, scope.env())
}

func (r *Resolver) resolve(value interface{}, env map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := r.resolve(item, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.resolve(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *Resolver) resolveString(s string, env map[string]interface{}) (interface{}, error) {
	opens := strings.Count(s, "{{")
	closes := strings.Count(s, "}}")
	if opens == 0 && closes == 0 {
		return s, nil
	}
	if opens != closes {
		return nil, templateError(fmt.Errorf("unbalanced template braces in %q", s))
	}

	trimmed := strings.TrimSpace(s)
	if m := segmentPattern.FindStringIndex(trimmed); m != nil && m[0] == 0 && m[1] == len(trimmed) {
		// The whole field is one expression: preserve the underlying type.
		return r.resolveSegment(trimmed[2:len(trimmed)-2], env, true)
	}

	// Mixed text: render every segment to string and concatenate.
	var b strings.Builder
	last := 0
	for _, m := range segmentPattern.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(s[last:m[0]])
		val, err := r.resolveSegment(s[m[2]:m[3]], env, false)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// resolveSegment evaluates one `{{ ... }}` body: a base expression followed
// by zero or more `|`-separated filters.
func (r *Resolver) resolveSegment(src string, env map[string]interface{}, pure bool) (interface{}, error) {
	parts := splitPipes(src)
	base := strings.TrimSpace(parts[0])
	if base == "" {
		return nil, templateError(fmt.Errorf("empty template expression in %q", src))
	}
	filters := parts[1:]

	hasDefault := false
	for _, f := range filters {
		if name, _, err := parseFilter(f); err == nil && name == "default" {
			hasDefault = true
		}
	}

	value, evalErr := expr.Eval(base, env)
	// A map lookup on a missing key yields nil without an error, so a nil
	// result counts as unresolved too.
	unresolved := evalErr != nil || value == nil
	if unresolved {
		value = nil
		if r.strict && !hasDefault {
			if evalErr != nil {
				return nil, templateError(fmt.Errorf("evaluating %q: %w", base, evalErr))
			}
			return nil, templateError(fmt.Errorf("unresolved reference in %q", base))
		}
	}

	for _, f := range filters {
		name, arg, err := parseFilter(f)
		if err != nil {
			return nil, err
		}
		switch name {
		case "default":
			if unresolved {
				fallback, err := expr.Eval(arg, env)
				if err != nil {
					return nil, templateError(fmt.Errorf("evaluating default(%s): %w", arg, err))
				}
				value = fallback
				unresolved = false
			}
		case "upper":
			value = strings.ToUpper(stringify(value))
		case "lower":
			value = strings.ToLower(stringify(value))
		case "trim":
			value = strings.TrimSpace(stringify(value))
		default:
			return nil, templateError(fmt.Errorf("unknown filter %q", name))
		}
	}

	if unresolved {
		// Non-strict rendering of a missing value.
		if pure && len(filters) == 0 {
			return "", nil
		}
		value = ""
	}

	if pure && len(filters) > 0 {
		// Filters force string rendering; recover obvious literals so
		// `{{ params.n | default(5) }}` stays numeric.
		if s, ok := value.(string); ok {
			return inferLiteral(s), nil
		}
	}
	return value, nil
}

// splitPipes splits a segment body on top-level `|`, respecting quotes,
// parentheses, brackets, and the `||` operator.
func splitPipes(src string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(src); i++ {
		c := src[i]
		if quote != 0 {
			if c == quote && (i == 0 || src[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '|':
			if i+1 < len(src) && src[i+1] == '|' {
				i++
				continue
			}
			if depth == 0 {
				parts = append(parts, src[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, src[start:])
	return parts
}

func parseFilter(f string) (name, arg string, err error) {
	m := filterPattern.FindStringSubmatch(strings.TrimSpace(f))
	if m == nil {
		return "", "", templateError(fmt.Errorf("malformed filter %q", strings.TrimSpace(f)))
	}
	return m[1], m[2], nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
		return fmt.Sprintf("%v", v)
	}
}

// inferLiteral maps a rendered string back onto an obvious literal type.
func inferLiteral(s string) interface{} {
	switch s {
	case "":
		return ""
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// HasTemplates reports whether any string inside the value carries a
// template expression.
func HasTemplates(value interface{}) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, "{{")
	case map[string]interface{}:
		for _, item := range v {
			if HasTemplates(item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if HasTemplates(item) {
				return true
			}
		}
	}
	return false
}

// ExtractVariables returns the sorted set of `params.*` / `steps.*` symbol
// paths referenced anywhere in the value.
func ExtractVariables(value interface{}) []string {
	set := make(map[string]bool)
	collectVariables(value, set)
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func collectVariables(value interface{}, set map[string]bool) {
	switch v := value.(type) {
	case string:
		for _, m := range segmentPattern.FindAllStringSubmatch(v, -1) {
			for _, ref := range varPattern.FindAllString(m[1], -1) {
				set[ref] = true
			}
		}
	case map[string]interface{}:
		for _, item := range v {
			collectVariables(item, set)
		}
	case []interface{}:
		for _, item := range v {
			collectVariables(item, set)
		}
	}
}

// ValidateReferences checks that every referenced workflow param and step id
// is defined, before any row is written.
func ValidateReferences(value interface{}, knownParams map[string]bool, knownSteps map[string]bool) []error {
	var errs []error
	for _, ref := range ExtractVariables(value) {
		segments := strings.Split(ref, ".")
		if len(segments) < 2 {
			continue
		}
		switch segments[0] {
		case "params":
			if !knownParams[segments[1]] {
				errs = append(errs, templateError(fmt.Errorf("reference to undefined param %q", segments[1])))
			}
		case "steps":
			if !knownSteps[segments[1]] {
				errs = append(errs, templateError(fmt.Errorf("reference to undefined step %q", segments[1])))
			}
		}
	}
	return errs
}

func templateError(err error) error {
	return &core.EngineError{Op: "orchestration.Resolver", Kind: core.KindTemplate, Err: err}
}
