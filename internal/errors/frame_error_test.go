package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameErrorFormatting(t *testing.T) {
	tests := []struct {
		name     string
		err      *FrameError
		expected string
	}{
		{
			name:     "column error",
			err:      NewColumnNotFoundError("Filter", "age"),
			expected: "schema error: Filter failed on column 'age': column does not exist",
		},
		{
			name:     "shape mismatch",
			err:      NewShapeMismatchError("Add", "frames have 3 and 4 partitions"),
			expected: "shape mismatch: Add failed: frames have 3 and 4 partitions",
		},
		{
			name:     "task execution with partition",
			err:      NewTaskExecutionError("map-abc123", 1, fmt.Errorf("boom")),
			expected: "task execution error: Compute failed at task map-abc123 (partition 1): boom",
		},
		{
			name:     "graph cycle",
			err:      NewGraphCycleError("filter-ff00"),
			expected: "graph cycle: Graph failed at task filter-ff00: cycle detected in task graph",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestFrameErrorKindMatching(t *testing.T) {
	taskErr := NewTaskExecutionError("sum-0001", 2, fmt.Errorf("divide by zero"))

	assert.True(t, stderrors.Is(taskErr, ErrTaskExecution))
	assert.False(t, stderrors.Is(taskErr, ErrShapeMismatch))
	assert.False(t, stderrors.Is(taskErr, ErrSchema))

	schemaErr := NewSchemaError("Select", "missing", "column does not exist")
	assert.True(t, stderrors.Is(schemaErr, ErrSchema))
}

func TestFrameErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying fault")
	err := NewTaskExecutionError("map-dead", 0, cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestFrameErrorWrapping(t *testing.T) {
	inner := NewColumnNotFoundError("Loc", "ts")
	wrapped := fmt.Errorf("building range selection: %w", inner)

	var fe *FrameError
	require.True(t, stderrors.As(wrapped, &fe))
	assert.Equal(t, KindSchema, fe.Kind)
	assert.Equal(t, "ts", fe.Column)
}
