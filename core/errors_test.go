package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorFormats(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "op with id and cause",
			err: &EngineError{
				Op:   "store.GetExecution",
				Kind: KindNotFound,
				ID:   "exec-1",
				Err:  ErrExecutionNotFound,
			},
			want: "store.GetExecution [exec-1]: pipeline execution not found",
		},
		{
			name: "op with cause, no id",
			err: &EngineError{
				Op:  "engine.StartExecution",
				Err: ErrInvalidDefinition,
			},
			want: "engine.StartExecution: invalid pipeline definition",
		},
		{
			name: "message wins when no op",
			err: &EngineError{
				Kind:    KindTemplate,
				Message: "unresolved reference steps.ghost.outputs.x",
			},
			want: "unresolved reference steps.ghost.outputs.x",
		},
		{
			name: "bare cause",
			err:  &EngineError{Err: ErrTimeout},
			want: "operation timeout",
		},
		{
			name: "kind fallback",
			err:  &EngineError{Kind: KindConflict},
			want: "conflict error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	inner := NewEngineError("store.UpdateStep", KindConflict, ErrOptimisticLock)
	wrapped := fmt.Errorf("finishing step: %w", inner)

	assert.True(t, errors.Is(wrapped, ErrOptimisticLock))

	var ee *EngineError
	assert.True(t, errors.As(wrapped, &ee))
	assert.Equal(t, "store.UpdateStep", ee.Op)
	assert.Equal(t, KindConflict, ee.Kind)
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"execution sentinel", ErrExecutionNotFound, true},
		{"step sentinel", ErrStepNotFound, true},
		{"subscription sentinel", ErrSubscriptionNotFound, true},
		{"action sentinel", ErrActionNotFound, true},
		{"wrapped sentinel", fmt.Errorf("lookup: %w", ErrStepNotFound), true},
		{"kind not_found", &EngineError{Op: "resolver.Resolve", Kind: KindNotFound, Err: errors.New("no endpoint")}, true},
		{"conflict is not", ErrOptimisticLock, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotFound(tt.err))
		})
	}
}

func TestIsConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"optimistic lock", ErrOptimisticLock, true},
		{"duplicate entity", ErrDuplicateEntity, true},
		{"wrapped", fmt.Errorf("update: %w", ErrOptimisticLock), true},
		{"kind conflict", &EngineError{Kind: KindConflict, Message: "already terminal"}, true},
		{"not found is not", ErrExecutionNotFound, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConflict(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"optimistic lock", ErrOptimisticLock, true},
		{"store unavailable", ErrStoreUnavailable, true},
		{"service unavailable", ErrServiceUnavailable, true},
		{"timeout", ErrTimeout, true},
		{"wrapped retryable", fmt.Errorf("invoke: %w", ErrServiceUnavailable), true},
		{"request failed is permanent", ErrRequestFailed, false},
		{"validation is permanent", ErrInvalidDefinition, false},
		{"not found is permanent", ErrExecutionNotFound, false},
		{"retry exhausted is permanent", ErrRetryExhausted, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsValidation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"invalid definition", ErrInvalidDefinition, true},
		{"invalid topic", ErrInvalidTopic, true},
		{"invalid params", ErrInvalidParams, true},
		{"not json", ErrNotJSONValue, true},
		{"wrapped", fmt.Errorf("step dup: %w", ErrInvalidDefinition), true},
		{"kind validation", &EngineError{Kind: KindValidation, Message: "missing required param"}, true},
		{"timeout is not", ErrTimeout, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidation(tt.err))
		})
	}
}
