package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
//
// The taxonomy:
//   - ErrValidation: malformed input, rejected before any mutation
//   - ErrState: an operation illegal in the current lifecycle state,
//     surfaced with zero partial mutation
//   - ErrProvider: narrative generation failure; retried a bounded number
//     of times, then marked permanently failed
//   - ErrRouting: no eligible tier, or every tier failed
//   - ErrCapacityCheck: a tier capacity probe failed; always swallowed and
//     treated as "unknown, allow"
var (
	// ErrValidation indicates malformed input, e.g. an unknown anchor type.
	ErrValidation = errors.New("validation failed")

	// ErrState indicates an operation that is illegal in the current frame
	// lifecycle state, e.g. closing a frame with active children.
	ErrState = errors.New("invalid state")

	// ErrProvider indicates that the narrative summarization provider failed.
	ErrProvider = errors.New("provider operation failed")

	// ErrRouting indicates that no tier could serve a routed operation.
	ErrRouting = errors.New("routing failed")

	// ErrCapacityCheck indicates a tier capacity probe failed.
	ErrCapacityCheck = errors.New("capacity check failed")

	// ErrNotFound indicates that a requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStorageOperation indicates that a storage operation failed.
	ErrStorageOperation = errors.New("storage operation failed")
)

// EngineError wraps errors with operation context.
//
// It provides additional context about which operation failed, making
// error messages more informative for debugging.
//
// Example:
//
//	err := &EngineError{
//	    Op:  "CloseFrame",
//	    Err: ErrState,
//	}
//	// Error() returns: "stackmem: CloseFrame: invalid state"
type EngineError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "stackmem: <Op>: <Err>"
func (e *EngineError) Error() string {
	return fmt.Sprintf("stackmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with EngineError.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewEngineError("CloseFrame", err)
//	}
func NewEngineError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{
		Op:  op,
		Err: err,
	}
}
