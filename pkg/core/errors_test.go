package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stackmem/stackmem-go/pkg/core"
)

func TestErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "ErrValidation",
			err:      core.ErrValidation,
			expected: "validation failed",
		},
		{
			name:     "ErrState",
			err:      core.ErrState,
			expected: "invalid state",
		},
		{
			name:     "ErrProvider",
			err:      core.ErrProvider,
			expected: "provider operation failed",
		},
		{
			name:     "ErrRouting",
			err:      core.ErrRouting,
			expected: "routing failed",
		},
		{
			name:     "ErrCapacityCheck",
			err:      core.ErrCapacityCheck,
			expected: "capacity check failed",
		},
		{
			name:     "ErrNotFound",
			err:      core.ErrNotFound,
			expected: "record not found",
		},
		{
			name:     "ErrInvalidConfig",
			err:      core.ErrInvalidConfig,
			expected: "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestEngineError(t *testing.T) {
	originalErr := errors.New("original error")
	engErr := core.NewEngineError("test_operation", originalErr)

	assert.Error(t, engErr)
	assert.Contains(t, engErr.Error(), "stackmem: ")
	assert.Contains(t, engErr.Error(), "test_operation")
	assert.Contains(t, engErr.Error(), "original error")

	var target *core.EngineError
	if errors.As(engErr, &target) {
		assert.Equal(t, "test_operation", target.Op)
		assert.Equal(t, originalErr, target.Err)
	}
}

func TestEngineErrorUnwrap(t *testing.T) {
	originalErr := errors.New("original error")
	engErr := core.NewEngineError("test_operation", originalErr)

	unwrapped := errors.Unwrap(engErr)
	assert.Equal(t, originalErr, unwrapped)
}

func TestEngineErrorNil(t *testing.T) {
	assert.Nil(t, core.NewEngineError("noop", nil))
}

func TestEngineErrorIsSentinel(t *testing.T) {
	engErr := core.NewEngineError("CloseFrame", core.ErrState)
	assert.True(t, errors.Is(engErr, core.ErrState))
	assert.False(t, errors.Is(engErr, core.ErrValidation))
}
