package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stepflow-io/stepflow/core"
)

// Factory lazily constructs an executor. The registry calls it at most once
// per action type and memoizes the instance.
type Factory func() (Executor, error)

// Registration pairs a Meta with the factory for its executor.
type Registration struct {
	Meta    Meta
	Factory Factory
}

// Provider is the platform's component-discovery seam. Plug-in bundles
// implement it and hand their registrations to Registry.Discover.
type Provider interface {
	// Name identifies the provider in discovery logs.
	Name() string

	// Actions returns everything the provider wants to register.
	Actions() ([]Registration, error)
}

// Registry is the process-wide catalog of action types. Reads vastly
// outnumber writes; writes happen at startup and discovery time only.
type Registry struct {
	mu        sync.RWMutex
	metas     map[string]Meta
	factories map[string]Factory
	executors map[string]Executor

	discovered bool
	logger     core.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger (defaults to NoOp).
func WithRegistryLogger(logger core.Logger) RegistryOption {
	return func(r *Registry) {
		if logger == nil {
			return
		}
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			r.logger = cal.WithComponent("engine/action")
		} else {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		metas:     make(map[string]Meta),
		factories: make(map[string]Factory),
		executors: make(map[string]Executor),
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds one action type. Registering an existing type replaces the
// earlier registration and logs a warning; any memoized executor for the old
// registration is discarded.
func (r *Registry) Register(meta Meta, factory Factory) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	if factory == nil {
		return fmt.Errorf("action %q registered without a factory: %w", meta.Type, core.ErrInvalidParams)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.metas[meta.Type]; exists {
		r.logger.Warn("Action type re-registered, replacing earlier registration", map[string]interface{}{
			"operation":   "action_register",
			"action_type": meta.Type,
		})
		delete(r.executors, meta.Type)
	}
	r.metas[meta.Type] = meta
	r.factories[meta.Type] = factory
	return nil
}

// List returns all registered action identifiers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.metas))
	for t := range r.metas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Meta returns the declaration of an action type.
func (r *Registry) Meta(actionType string) (Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.metas[actionType]
	return m, ok
}

// Has reports whether an action type is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.metas[actionType]
	return ok
}

// Executor returns the executor for an action type, constructing it on first
// use. Construction is memoized; concurrent callers get the same instance.
func (r *Registry) Executor(actionType string) (Executor, error) {
	r.mu.RLock()
	if exec, ok := r.executors[actionType]; ok {
		r.mu.RUnlock()
		return exec, nil
	}
	factory, ok := r.factories[actionType]
	r.mu.RUnlock()

	if !ok {
		return nil, &core.EngineError{
			Op:   "registry.Executor",
			Kind: core.KindNotFound,
			ID:   actionType,
			Err:  fmt.Errorf("action type %q: %w", actionType, core.ErrActionNotFound),
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another goroutine may have built it while we upgraded the lock.
	if exec, ok := r.executors[actionType]; ok {
		return exec, nil
	}
	exec, err := factory()
	if err != nil {
		return nil, fmt.Errorf("constructing executor for action %q: %w", actionType, err)
	}
	if exec == nil {
		return nil, fmt.Errorf("factory for action %q returned nil executor: %w", actionType, core.ErrActionNotFound)
	}
	r.executors[actionType] = exec
	return exec, nil
}

// ByCategory groups all registered metas by their category. Actions without
// a category land under "uncategorized". Metas within a category are sorted
// by type for stable output.
func (r *Registry) ByCategory() map[string][]Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Meta)
	for _, m := range r.metas {
		category := m.Category
		if category == "" {
			category = "uncategorized"
		}
		out[category] = append(out[category], m)
	}
	for _, metas := range out {
		sort.Slice(metas, func(i, j int) bool { return metas[i].Type < metas[j].Type })
	}
	return out
}

// ValidateParams runs structural validation against the action's Meta, then
// the executor's own ValidateParams when it implements ParamValidator.
// An unknown action type yields a single error.
func (r *Registry) ValidateParams(actionType string, params map[string]interface{}) []error {
	meta, ok := r.Meta(actionType)
	if !ok {
		return []error{fmt.Errorf("action type %q: %w", actionType, core.ErrActionNotFound)}
	}

	errs := ValidateParams(meta, params)
	if len(errs) > 0 {
		return errs
	}

	exec, err := r.Executor(actionType)
	if err != nil {
		return []error{err}
	}
	if v, ok := exec.(ParamValidator); ok {
		return v.ValidateParams(params)
	}
	return nil
}

// Discover loads registrations from the given providers exactly once.
// A failing provider or registration never aborts the rest; failures are
// logged and discovery continues. Subsequent calls are no-ops.
func (r *Registry) Discover(providers ...Provider) {
	r.mu.Lock()
	if r.discovered {
		r.mu.Unlock()
		r.logger.Debug("Discovery already ran, skipping", map[string]interface{}{
			"operation": "action_discover",
		})
		return
	}
	r.discovered = true
	r.mu.Unlock()

	for _, provider := range providers {
		regs, err := provider.Actions()
		if err != nil {
			r.logger.Error("Action provider failed, continuing with others", map[string]interface{}{
				"operation": "action_discover",
				"provider":  provider.Name(),
				"error":     err.Error(),
			})
			continue
		}
		registered := 0
		for _, reg := range regs {
			if err := r.Register(reg.Meta, reg.Factory); err != nil {
				r.logger.Error("Action registration failed, continuing with others", map[string]interface{}{
					"operation":   "action_discover",
					"provider":    provider.Name(),
					"action_type": reg.Meta.Type,
					"error":       err.Error(),
				})
				continue
			}
			registered++
		}
		r.logger.Info("Action provider discovered", map[string]interface{}{
			"operation":  "action_discover",
			"provider":   provider.Name(),
			"registered": registered,
		})
	}
}
