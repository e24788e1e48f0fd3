package action

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/core"
	"github.com/stepflow-io/stepflow/storage"
)

type fakeExecutor struct {
	executeCalls int
	result       *Result
}

func (f *fakeExecutor) Execute(ctx context.Context, ac *Context) (*Result, error) {
	f.executeCalls++
	if f.result != nil {
		return f.result, nil
	}
	return Completed(map[string]interface{}{"ok": true}), nil
}

func (f *fakeExecutor) OnEvent(ctx context.Context, ec *EventContext) (*EventResult, error) {
	return Ignore(), nil
}

func fakeMeta(actionType string) Meta {
	return Meta{Type: actionType, Mode: ModeSync, Category: "test"}
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(fakeMeta("alpha"), func() (Executor, error) { return &fakeExecutor{}, nil }))
	require.NoError(t, r.Register(fakeMeta("beta"), func() (Executor, error) { return &fakeExecutor{}, nil }))

	assert.Equal(t, []string{"alpha", "beta"}, r.List())
	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has("gamma"))

	m, ok := r.Meta("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", m.Type)
}

func TestRegisterRejectsInvalidMeta(t *testing.T) {
	r := NewRegistry()

	err := r.Register(Meta{Type: "", Mode: ModeSync}, func() (Executor, error) { return &fakeExecutor{}, nil })
	assert.ErrorIs(t, err, core.ErrInvalidParams)

	err = r.Register(Meta{
		Type:   "bad-params",
		Mode:   ModeSync,
		Params: []ParamDef{{Name: ""}},
	}, func() (Executor, error) { return &fakeExecutor{}, nil })
	assert.ErrorIs(t, err, core.ErrInvalidParams)

	err = r.Register(Meta{
		Type:   "empty-select",
		Mode:   ModeSync,
		Params: []ParamDef{{Name: "choice", Type: TypeSelect}},
	}, func() (Executor, error) { return &fakeExecutor{}, nil })
	assert.ErrorIs(t, err, core.ErrInvalidParams)

	err = r.Register(fakeMeta("no-factory"), nil)
	assert.ErrorIs(t, err, core.ErrInvalidParams)
}

func TestRegisterReplacementDiscardsMemoizedExecutor(t *testing.T) {
	r := NewRegistry()
	first := &fakeExecutor{}
	second := &fakeExecutor{}

	require.NoError(t, r.Register(fakeMeta("dup"), func() (Executor, error) { return first, nil }))
	exec, err := r.Executor("dup")
	require.NoError(t, err)
	assert.Same(t, first, exec)

	// Later registration replaces the earlier one.
	require.NoError(t, r.Register(fakeMeta("dup"), func() (Executor, error) { return second, nil }))
	exec, err = r.Executor("dup")
	require.NoError(t, err)
	assert.Same(t, second, exec)
	assert.Len(t, r.List(), 1)
}

func TestExecutorLazyAndMemoized(t *testing.T) {
	r := NewRegistry()
	constructed := 0
	require.NoError(t, r.Register(fakeMeta("lazy"), func() (Executor, error) {
		constructed++
		return &fakeExecutor{}, nil
	}))
	assert.Equal(t, 0, constructed)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Executor("lazy")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, constructed)
}

func TestExecutorUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Executor("nope")
	assert.ErrorIs(t, err, core.ErrActionNotFound)
	assert.True(t, core.IsNotFound(err))
}

func TestByCategory(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Meta{Type: "b", Mode: ModeSync, Category: "util"}, func() (Executor, error) { return &fakeExecutor{}, nil }))
	require.NoError(t, r.Register(Meta{Type: "a", Mode: ModeSync, Category: "util"}, func() (Executor, error) { return &fakeExecutor{}, nil }))
	require.NoError(t, r.Register(Meta{Type: "c", Mode: ModeSync}, func() (Executor, error) { return &fakeExecutor{}, nil }))

	byCat := r.ByCategory()
	require.Len(t, byCat["util"], 2)
	assert.Equal(t, "a", byCat["util"][0].Type)
	assert.Equal(t, "b", byCat["util"][1].Type)
	require.Len(t, byCat["uncategorized"], 1)
}

type fakeProvider struct {
	name string
	regs []Registration
	err  error
}

func (p *fakeProvider) Name() string                     { return p.name }
func (p *fakeProvider) Actions() ([]Registration, error) { return p.regs, p.err }

func TestDiscoverIsIdempotentAndFaultTolerant(t *testing.T) {
	r := NewRegistry()
	good := &fakeProvider{name: "good", regs: []Registration{
		{Meta: fakeMeta("one"), Factory: func() (Executor, error) { return &fakeExecutor{}, nil }},
		{Meta: Meta{Type: "", Mode: ModeSync}, Factory: func() (Executor, error) { return &fakeExecutor{}, nil }}, // invalid, skipped
		{Meta: fakeMeta("two"), Factory: func() (Executor, error) { return &fakeExecutor{}, nil }},
	}}
	broken := &fakeProvider{name: "broken", err: errors.New("plugin load failure")}

	r.Discover(broken, good)
	assert.Equal(t, []string{"one", "two"}, r.List())

	// A second discovery run is a no-op.
	r.Discover(&fakeProvider{name: "late", regs: []Registration{
		{Meta: fakeMeta("three"), Factory: func() (Executor, error) { return &fakeExecutor{}, nil }},
	}})
	assert.Equal(t, []string{"one", "two"}, r.List())
}

func TestValidateParamsUnknownAction(t *testing.T) {
	r := NewRegistry()
	errs := r.ValidateParams("ghost", map[string]interface{}{})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrActionNotFound)
}

type pickyExecutor struct {
	fakeExecutor
}

func (p *pickyExecutor) ValidateParams(params map[string]interface{}) []error {
	if params["mode"] == "forbidden" {
		return []error{errors.New("mode forbidden is not allowed")}
	}
	return nil
}

func TestValidateParamsConsultsExecutor(t *testing.T) {
	r := NewRegistry()
	meta := Meta{
		Type:   "picky",
		Mode:   ModeSync,
		Params: []ParamDef{{Name: "mode", Type: TypeString, Required: true}},
	}
	require.NoError(t, r.Register(meta, func() (Executor, error) { return &pickyExecutor{}, nil }))

	assert.Empty(t, r.ValidateParams("picky", map[string]interface{}{"mode": "ok"}))

	errs := r.ValidateParams("picky", map[string]interface{}{"mode": "forbidden"})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "forbidden")

	// Structural errors short-circuit before the executor check.
	errs = r.ValidateParams("picky", map[string]interface{}{})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], core.ErrInvalidParams)
}

func TestEventResultConstructors(t *testing.T) {
	complete := CompleteWith(storage.StepCompleted, map[string]interface{}{"k": "v"}, "")
	assert.Equal(t, DispositionComplete, complete.Disposition)
	assert.Equal(t, storage.StepCompleted, complete.Status)

	progress := UpdateProgress(42.5)
	assert.Equal(t, DispositionUpdateProgress, progress.Disposition)
	assert.Equal(t, 42.5, progress.Progress)

	assert.Equal(t, DispositionIgnore, Ignore().Disposition)
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy(true))
	assert.False(t, Truthy(false))
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("false"))
	assert.False(t, Truthy("no"))
	assert.False(t, Truthy("0"))
	assert.True(t, Truthy("yes"))
	assert.False(t, Truthy(0))
	assert.True(t, Truthy(1))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy(3.14))
	assert.True(t, Truthy(map[string]interface{}{}))
}
