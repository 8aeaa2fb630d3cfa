// Package testutil provides common testing utilities to reduce code
// duplication across test files.
//
// It consolidates the patterns most tests need: partitioned test data
// with known divisions, column extraction from computed partitions, and
// common assertions over partitioned frames.
package testutil

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/mammoth/internal/frame"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/series"
	"github.com/paveg/mammoth/internal/source"
)

// TestMemoryContext provides a memory allocator with automatic cleanup.
type TestMemoryContext struct {
	Allocator memory.Allocator
	cleanup   func()
}

// Release performs cleanup of the memory context.
func (tmc *TestMemoryContext) Release() {
	if tmc.cleanup != nil {
		tmc.cleanup()
	}
}

// SetupMemoryTest creates a memory allocator for tests. Returns a
// TestMemoryContext that should be released with defer.
func SetupMemoryTest(tb testing.TB) *TestMemoryContext {
	tb.Helper()
	return &TestMemoryContext{
		Allocator: memory.NewGoAllocator(),
		cleanup:   func() {},
	}
}

// IndexedFrame builds a frame over a single int64 column partitioned by
// sizes, indexed on that column with divisions derived from the chunk
// boundaries. The values must be sorted ascending.
func IndexedFrame(tb testing.TB, store *graph.Store, col string, values []int64, sizes []int) *frame.LazyFrame {
	tb.Helper()

	bounds := make([]any, 0, len(sizes)+1)
	offset := 0
	for _, n := range sizes {
		bounds = append(bounds, values[offset])
		offset += n
	}
	bounds = append(bounds, values[len(values)-1]+1)

	src, err := source.FromInt64s(col, values, sizes, nil,
		source.WithDivisions(bounds),
		source.WithToken("testutil:"+col))
	require.NoError(tb, err)

	f, err := frame.FromSource(store, src, frame.WithIndex(col))
	require.NoError(tb, err)
	return f
}

// EmployeePartitions creates a standard two-partition employee dataset:
//
//	id (int64):          [1, 2, 3] / [4, 5]
//	department (string): [Engineering, Sales, Engineering] / [Marketing, Sales]
//	salary (int64):      [100000, 80000, 120000] / [75000, 90000]
func EmployeePartitions(mem memory.Allocator) []*partition.Partition {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	first := partition.New(
		series.New("id", []int64{1, 2, 3}, mem),
		series.New("department", []string{"Engineering", "Sales", "Engineering"}, mem),
		series.New("salary", []int64{100000, 80000, 120000}, mem),
	)
	second := partition.New(
		series.New("id", []int64{4, 5}, mem),
		series.New("department", []string{"Marketing", "Sales"}, mem),
		series.New("salary", []int64{75000, 90000}, mem),
	)
	return []*partition.Partition{first, second}
}

// EmployeeFrame builds a frame over EmployeePartitions indexed on id.
func EmployeeFrame(tb testing.TB, store *graph.Store, mem memory.Allocator) *frame.LazyFrame {
	tb.Helper()
	src, err := source.FromPartitions(EmployeePartitions(mem),
		source.WithDivisions([]any{int64(1), int64(4), int64(6)}),
		source.WithToken("testutil:employees"))
	require.NoError(tb, err)

	f, err := frame.FromSource(store, src, frame.WithIndex("id"))
	require.NoError(tb, err)
	return f
}

// Int64Column extracts an int64 column from a computed partition.
func Int64Column(tb testing.TB, p *partition.Partition, col string) []int64 {
	tb.Helper()
	s, ok := p.Column(col)
	require.True(tb, ok, "column %s should exist", col)
	arr := s.Array()
	defer arr.Release()
	return append([]int64(nil), arr.(*array.Int64).Int64Values()...)
}

// Float64Column extracts a float64 column from a computed partition.
func Float64Column(tb testing.TB, p *partition.Partition, col string) []float64 {
	tb.Helper()
	s, ok := p.Column(col)
	require.True(tb, ok, "column %s should exist", col)
	arr := s.Array()
	defer arr.Release()
	return append([]float64(nil), arr.(*array.Float64).Float64Values()...)
}

// StringColumn extracts a string column from a computed partition.
func StringColumn(tb testing.TB, p *partition.Partition, col string) []string {
	tb.Helper()
	s, ok := p.Column(col)
	require.True(tb, ok, "column %s should exist", col)
	arr := s.Array()
	defer arr.Release()
	typed := arr.(*array.String)
	out := make([]string, typed.Len())
	for i := range out {
		out[i] = typed.Value(i)
	}
	return out
}

// AssertFrameHasColumns verifies that a frame's schema has exactly the
// expected columns, in order.
func AssertFrameHasColumns(t *testing.T, f interface{ Schema() *partition.Schema }, expected []string) {
	t.Helper()
	require.NotNil(t, f, "frame should not be nil")
	assert.Equal(t, expected, f.Schema().Columns())
}

// AssertPartitionNotEmpty verifies that a partition has rows and columns.
func AssertPartitionNotEmpty(t *testing.T, p *partition.Partition) {
	t.Helper()
	require.NotNil(t, p, "partition should not be nil")
	assert.Positive(t, p.Len(), "partition should not be empty")
	assert.Positive(t, p.Width(), "partition should have columns")
}
