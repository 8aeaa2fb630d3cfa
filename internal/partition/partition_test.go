package partition

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPartition(mem memory.Allocator) *Partition {
	names := series.New("name", []string{"Alice", "Bob", "Charlie", "David"}, mem)
	ages := series.New("age", []int64{25, 30, 35, 28}, mem)
	scores := series.New("score", []float64{1.5, 2.5, 3.5, 4.5}, mem)
	return New(names, ages, scores)
}

func int64Values(t *testing.T, p *Partition, col string) []int64 {
	t.Helper()
	s, ok := p.Column(col)
	require.True(t, ok, "column %s should exist", col)
	arr := s.Array()
	defer arr.Release()
	typed := arr.(*array.Int64)
	out := make([]int64, typed.Len())
	for i := range out {
		out[i] = typed.Value(i)
	}
	return out
}

func float64Values(t *testing.T, p *Partition, col string) []float64 {
	t.Helper()
	s, ok := p.Column(col)
	require.True(t, ok, "column %s should exist", col)
	arr := s.Array()
	defer arr.Release()
	typed := arr.(*array.Float64)
	out := make([]float64, typed.Len())
	for i := range out {
		out[i] = typed.Value(i)
	}
	return out
}

func TestPartitionBasics(t *testing.T) {
	mem := memory.NewGoAllocator()
	p := testPartition(mem)
	defer p.Release()

	assert.Equal(t, 4, p.Len())
	assert.Equal(t, 3, p.Width())
	assert.Equal(t, []string{"name", "age", "score"}, p.Columns())
	assert.True(t, p.HasColumn("age"))
	assert.False(t, p.HasColumn("missing"))
}

func TestPartitionSelect(t *testing.T) {
	mem := memory.NewGoAllocator()
	p := testPartition(mem)
	defer p.Release()

	selected, err := p.Select("name", "score")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "score"}, selected.Columns())

	_, err = p.Select("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSchema)
}

func TestPartitionSlice(t *testing.T) {
	mem := memory.NewGoAllocator()
	p := testPartition(mem)
	defer p.Release()

	sliced := p.Slice(1, 3)
	assert.Equal(t, 2, sliced.Len())
	assert.Equal(t, []int64{30, 35}, int64Values(t, sliced, "age"))

	empty := p.Slice(10, 20)
	assert.Equal(t, 0, empty.Len())
}

func TestPartitionFilter(t *testing.T) {
	mem := memory.NewGoAllocator()
	p := testPartition(mem)
	defer p.Release()

	builder := array.NewBooleanBuilder(mem)
	builder.AppendValues([]bool{true, false, true, false}, nil)
	mask := builder.NewBooleanArray()
	defer mask.Release()
	builder.Release()

	filtered, err := p.Filter(mask)
	require.NoError(t, err)
	assert.Equal(t, 2, filtered.Len())
	assert.Equal(t, []int64{25, 35}, int64Values(t, filtered, "age"))
}

func TestPartitionConcat(t *testing.T) {
	mem := memory.NewGoAllocator()

	a := New(series.New("v", []int64{1, 2}, mem))
	b := New(series.New("v", []int64{3}, mem))
	defer a.Release()
	defer b.Release()

	joined, err := a.Concat(b)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, int64Values(t, joined, "v"))

	mismatched := New(series.New("other", []int64{9}, mem))
	defer mismatched.Release()
	_, err = a.Concat(mismatched)
	assert.ErrorIs(t, err, errors.ErrShapeMismatch)
}

func TestPartitionBinary(t *testing.T) {
	mem := memory.NewGoAllocator()

	a := New(series.New("v", []int64{1, 2, 3}, mem))
	b := New(series.New("v", []int64{10, 20, 30}, mem))
	defer a.Release()
	defer b.Release()

	sum, err := a.Binary(b, BinaryAdd)
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 22, 33}, int64Values(t, sum, "v"))

	quot, err := b.Binary(a, BinaryDiv)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 10, 10}, float64Values(t, quot, "v"))

	short := New(series.New("v", []int64{1}, mem))
	defer short.Release()
	_, err = a.Binary(short, BinaryAdd)
	assert.ErrorIs(t, err, errors.ErrShapeMismatch)
}

func TestPartitionBoundsFilter(t *testing.T) {
	mem := memory.NewGoAllocator()
	p := New(series.New("ts", []int64{1, 3, 5, 7, 9}, mem))
	defer p.Release()

	halfOpen, err := p.BoundsFilter("ts", int64(3), int64(7), false)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, int64Values(t, halfOpen, "ts"))

	closed, err := p.BoundsFilter("ts", int64(3), int64(7), true)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5, 7}, int64Values(t, closed, "ts"))
}

func TestPartitionMoments(t *testing.T) {
	mem := memory.NewGoAllocator()
	p := New(series.New("v", []int64{1, 2, 3}, mem))
	defer p.Release()

	m, err := p.Moments("v")
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Count)
	assert.InDelta(t, 6.0, m.Sum, 1e-12)
	assert.InDelta(t, 14.0, m.SumSq, 1e-12)
	assert.InDelta(t, 1.0, m.Min, 1e-12)
	assert.InDelta(t, 3.0, m.Max, 1e-12)
	assert.InDelta(t, 2.0, m.Mean(), 1e-12)
}

func TestMomentsMergeMatchesSingleScan(t *testing.T) {
	mem := memory.NewGoAllocator()
	left := New(series.New("v", []float64{1, 2, 3}, mem))
	right := New(series.New("v", []float64{4, 5}, mem))
	whole := New(series.New("v", []float64{1, 2, 3, 4, 5}, mem))
	defer left.Release()
	defer right.Release()
	defer whole.Release()

	lm, err := left.Moments("v")
	require.NoError(t, err)
	rm, err := right.Moments("v")
	require.NoError(t, err)
	wm, err := whole.Moments("v")
	require.NoError(t, err)

	merged := lm.Merge(rm)
	assert.Equal(t, wm.Count, merged.Count)
	assert.InDelta(t, wm.Sum, merged.Sum, 1e-9)
	assert.InDelta(t, wm.Mean(), merged.Mean(), 1e-9)
	assert.InDelta(t, wm.Std(), merged.Std(), 1e-9)
}

func TestGroupByPartialAndCombine(t *testing.T) {
	mem := memory.NewGoAllocator()

	// Two partitions of the same logical table.
	p1 := New(
		series.New("category", []string{"A", "B", "A"}, mem),
		series.New("value", []int64{10, 20, 30}, mem),
	)
	p2 := New(
		series.New("category", []string{"B", "A"}, mem),
		series.New("value", []int64{40, 50}, mem),
	)
	defer p1.Release()
	defer p2.Release()

	specs := []AggSpec{
		{Column: "value", Kind: AggSum},
		{Column: "value", Kind: AggCount},
		{Column: "value", Kind: AggMean},
	}

	partial1, err := p1.GroupByPartial([]string{"category"}, specs)
	require.NoError(t, err)
	partial2, err := p2.GroupByPartial([]string{"category"}, specs)
	require.NoError(t, err)

	concatenated, err := partial1.Concat(partial2)
	require.NoError(t, err)

	result, err := concatenated.GroupByCombine([]string{"category"}, specs)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Len())
	assert.True(t, result.HasColumn("sum_value"))
	assert.True(t, result.HasColumn("count_value"))
	assert.True(t, result.HasColumn("mean_value"))

	// Group order follows first appearance: A then B.
	assert.Equal(t, []int64{90, 60}, int64Values(t, result, "sum_value"))
	assert.Equal(t, []int64{3, 2}, int64Values(t, result, "count_value"))
	assert.InDeltaSlice(t, []float64{30, 30}, float64Values(t, result, "mean_value"), 1e-12)
}

func TestCompareKeys(t *testing.T) {
	tests := []struct {
		name     string
		a, b     any
		expected int
	}{
		{"int64 less", int64(1), int64(2), -1},
		{"int64 equal", int64(2), int64(2), 0},
		{"mixed numeric", int64(3), 2.5, 1},
		{"string", "a", "b", -1},
		{"int coerced", 5, int64(5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompareKeys(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := CompareKeys("a", int64(1))
	assert.Error(t, err)
}
