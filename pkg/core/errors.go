// Package core provides the main StrataMem client and memory lifecycle
// orchestration.
package core

import (
	"errors"
	"fmt"

	"github.com/stratamem/stratamem-go/pkg/consolidation"
	"github.com/stratamem/stratamem-go/pkg/retrieval"
	"github.com/stratamem/stratamem-go/pkg/storage"
)

// Predefined errors for common failure scenarios.
var (
	// ErrNotFound indicates that a requested memory was not found.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSchemaViolation indicates that input failed validation, such as an
	// importance outside [0, 1] or empty content.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrRetrievalUnavailable indicates that every retrieval stage failed
	// for a search.
	ErrRetrievalUnavailable = retrieval.ErrRetrievalUnavailable

	// ErrLockContended indicates that a consolidation run was skipped
	// because another run holds the scope lock.
	ErrLockContended = consolidation.ErrLockContended

	// ErrMergeConflict indicates that an optimistic write lost a race with
	// a concurrent writer.
	ErrMergeConflict = storage.ErrVersionConflict

	// ErrStoreUnavailable indicates that the storage backend could not be
	// reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// MemoryError wraps errors with operation context, making failures
// attributable to the API call that produced them.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "AddMemory",
//	    Err: ErrSchemaViolation,
//	}
//	// Error() returns: "stratamem: AddMemory: schema violation"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "stratamem: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("stratamem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with MemoryError.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("AddMemory", err)
//	}
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{Op: op, Err: err}
}
