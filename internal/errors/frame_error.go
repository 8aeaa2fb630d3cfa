// Package errors provides standardized error types for lazy frame operations.
// This package defines FrameError for consistent error handling across all
// public APIs, with operation context, error kinds and wrapping support.
package errors

import (
	"fmt"
)

// Kind classifies frame errors into the categories callers can act on.
type Kind int

const (
	// KindInternal is the default for unclassified internal failures.
	KindInternal Kind = iota
	// KindShapeMismatch indicates misaligned partitions or divisions in a
	// binary aligned operation.
	KindShapeMismatch
	// KindSchema indicates a reference to a nonexistent column or an
	// incompatible data type.
	KindSchema
	// KindTaskExecution indicates a per-partition operation failed while a
	// graph was being executed.
	KindTaskExecution
	// KindGraphCycle indicates a cycle was detected in a task graph. The
	// graph is append-only, so this always means a builder bug.
	KindGraphCycle
	// KindCancelled indicates the compute request was cancelled before all
	// of its tasks ran.
	KindCancelled
)

// String returns a short name for the kind.
func (k Kind) String() string {
	switch k {
	case KindShapeMismatch:
		return "shape mismatch"
	case KindSchema:
		return "schema error"
	case KindTaskExecution:
		return "task execution error"
	case KindGraphCycle:
		return "graph cycle"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal error"
	}
}

// FrameError represents standardized errors across all frame operations
type FrameError struct {
	Kind      Kind   // Error category
	Op        string // Operation name (e.g., "Filter", "Loc", "Compute")
	Column    string // Column name if applicable
	Partition int    // Partition index if applicable, -1 otherwise
	Task      string // Task key of the failing task if applicable
	Message   string // Human-readable error description
	Cause     error  // Underlying error cause
}

// Error implements the error interface
func (e *FrameError) Error() string {
	switch {
	case e.Task != "" && e.Partition >= 0:
		return fmt.Sprintf("%s: %s failed at task %s (partition %d): %s",
			e.Kind, e.Op, e.Task, e.Partition, e.Message)
	case e.Task != "":
		return fmt.Sprintf("%s: %s failed at task %s: %s", e.Kind, e.Op, e.Task, e.Message)
	case e.Column != "":
		return fmt.Sprintf("%s: %s failed on column '%s': %s", e.Kind, e.Op, e.Column, e.Message)
	default:
		return fmt.Sprintf("%s: %s failed: %s", e.Kind, e.Op, e.Message)
	}
}

// Unwrap returns the underlying cause for error wrapping support
func (e *FrameError) Unwrap() error {
	return e.Cause
}

// Is implements error equality checking for errors.Is()
func (e *FrameError) Is(target error) bool {
	if fe, ok := target.(*FrameError); ok {
		// A target with only a Kind set matches any error of that kind.
		if fe.Op == "" && fe.Column == "" && fe.Message == "" {
			return e.Kind == fe.Kind
		}
		return e.Kind == fe.Kind && e.Op == fe.Op && e.Column == fe.Column && e.Message == fe.Message
	}
	return false
}

// Sentinel values usable with errors.Is to match on kind alone.
var (
	ErrShapeMismatch = &FrameError{Kind: KindShapeMismatch, Partition: -1}
	ErrSchema        = &FrameError{Kind: KindSchema, Partition: -1}
	ErrTaskExecution = &FrameError{Kind: KindTaskExecution, Partition: -1}
	ErrGraphCycle    = &FrameError{Kind: KindGraphCycle, Partition: -1}
	ErrCancelled     = &FrameError{Kind: KindCancelled, Partition: -1}
)

// NewShapeMismatchError creates an error for misaligned binary operations.
func NewShapeMismatchError(op, message string) *FrameError {
	return &FrameError{Kind: KindShapeMismatch, Op: op, Partition: -1, Message: message}
}

// NewColumnNotFoundError creates an error for operations on non-existent columns
func NewColumnNotFoundError(op, column string) *FrameError {
	return &FrameError{Kind: KindSchema, Op: op, Column: column, Partition: -1, Message: "column does not exist"}
}

// NewSchemaError creates an error for schema or dtype violations.
func NewSchemaError(op, column, message string) *FrameError {
	return &FrameError{Kind: KindSchema, Op: op, Column: column, Partition: -1, Message: message}
}

// NewTaskExecutionError creates an error attributing a failure to one task.
// The partition index is -1 when the failing task is not partition scoped.
func NewTaskExecutionError(task string, partition int, cause error) *FrameError {
	return &FrameError{
		Kind:      KindTaskExecution,
		Op:        "Compute",
		Partition: partition,
		Task:      task,
		Message:   cause.Error(),
		Cause:     cause,
	}
}

// NewGraphCycleError creates the cycle error. The task graph is
// append-only, so hitting this indicates a graph builder bug.
func NewGraphCycleError(task string) *FrameError {
	return &FrameError{Kind: KindGraphCycle, Op: "Graph", Partition: -1, Task: task,
		Message: "cycle detected in task graph"}
}

// NewCancelledError creates an error for a cancelled compute request.
func NewCancelledError(op string, cause error) *FrameError {
	return &FrameError{Kind: KindCancelled, Op: op, Partition: -1, Message: "request cancelled", Cause: cause}
}

// NewInvalidInputError creates an error for invalid operation inputs
func NewInvalidInputError(op, message string) *FrameError {
	return &FrameError{Kind: KindInternal, Op: op, Partition: -1, Message: message}
}

// NewUnsupportedTypeError creates an error for unsupported data types
func NewUnsupportedTypeError(op, typeName string) *FrameError {
	return &FrameError{Kind: KindSchema, Op: op, Partition: -1,
		Message: fmt.Sprintf("unsupported type: %s", typeName)}
}

// NewInternalError creates an error for internal operation failures
func NewInternalError(op string, cause error) *FrameError {
	return &FrameError{Kind: KindInternal, Op: op, Partition: -1,
		Message: "internal error occurred", Cause: cause}
}
