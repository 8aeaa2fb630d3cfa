package frame

import (
	"context"
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fErrors "github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/exec"
	"github.com/paveg/mammoth/internal/expr"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/series"
	"github.com/paveg/mammoth/internal/source"
)

// testFrame builds the canonical three-partition frame [[1,2,3],[4,5],[6]]
// over column x with known divisions.
func testFrame(t *testing.T, store *graph.Store) *LazyFrame {
	t.Helper()
	src, err := source.FromInt64s("x", []int64{1, 2, 3, 4, 5, 6}, []int{3, 2, 1}, nil,
		source.WithDivisions([]any{int64(1), int64(4), int64(6), int64(7)}),
		source.WithToken("test:x"))
	require.NoError(t, err)
	f, err := FromSource(store, src, WithIndex("x"))
	require.NoError(t, err)
	return f
}

func int64Column(t *testing.T, p *partition.Partition, col string) []int64 {
	t.Helper()
	s, ok := p.Column(col)
	require.True(t, ok)
	arr := s.Array()
	defer arr.Release()
	return append([]int64(nil), arr.(*array.Int64).Int64Values()...)
}

func compute(t *testing.T, f *LazyFrame) *partition.Partition {
	t.Helper()
	p, err := f.Compute(context.Background(), exec.Config{Workers: 2})
	require.NoError(t, err)
	return p
}

func TestFromSource(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	assert.Equal(t, 3, f.NPartitions())
	assert.Equal(t, []string{"x"}, f.Schema().Columns())
	assert.Equal(t, "x", f.Index())
	require.True(t, f.Divisions().Known)
	assert.Equal(t, 3, store.Len(), "one read node per partition")
}

func TestFromSourceIndexValidation(t *testing.T) {
	store := graph.NewStore()
	src, err := source.FromInt64s("x", []int64{1, 2}, []int{2}, nil,
		source.WithDivisions([]any{int64(1), int64(3)}))
	require.NoError(t, err)

	_, err = FromSource(store, src, WithIndex("missing"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrSchema)

	_, err = FromSource(store, src)
	assert.Error(t, err, "divisions require an index column")
}

func TestComputeReturnsAllRows(t *testing.T) {
	store := graph.NewStore()
	p := compute(t, testFrame(t, store))
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, int64Column(t, p, "x"))
}

func TestFilter(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	filtered, err := f.Filter(expr.Col("x").Gt(expr.Lit(int64(3))))
	require.NoError(t, err)
	assert.Equal(t, f.NPartitions(), filtered.NPartitions())
	assert.True(t, filtered.Divisions().Known, "filtering keeps divisions")

	p := compute(t, filtered)
	assert.Equal(t, []int64{4, 5, 6}, int64Column(t, p, "x"))
}

func TestFilterSchemaErrors(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	_, err := f.Filter(expr.Col("missing").Gt(expr.Lit(int64(0))))
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrSchema)

	_, err = f.Filter(expr.Col("x").Add(expr.Lit(int64(1))))
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrSchema, "non-boolean predicate")
	assert.Equal(t, 3, store.Len(), "failed builds append nothing")
}

func TestSelect(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := graph.NewStore()
	src, err := source.FromPartitions([]*partition.Partition{partition.New(
		series.New("a", []int64{1, 2}, mem),
		series.New("b", []string{"x", "y"}, mem),
	)})
	require.NoError(t, err)
	f, err := FromSource(store, src)
	require.NoError(t, err)

	sel, err := f.Select("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sel.Schema().Columns())

	_, err = f.Select("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrSchema)
}

func TestSelectDroppingIndexForgetsDivisions(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := graph.NewStore()
	src, err := source.FromPartitions([]*partition.Partition{partition.New(
		series.New("x", []int64{1, 2}, mem),
		series.New("v", []int64{10, 20}, mem),
	)}, source.WithDivisions([]any{int64(1), int64(3)}))
	require.NoError(t, err)
	f, err := FromSource(store, src, WithIndex("x"))
	require.NoError(t, err)

	sel, err := f.Select("v")
	require.NoError(t, err)
	assert.False(t, sel.Divisions().Known)
	assert.Empty(t, sel.Index())
}

func TestWithColumn(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	doubled, err := f.WithColumn("x2", expr.Col("x").Mul(expr.Lit(int64(2))))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "x2"}, doubled.Schema().Columns())
	typ, _ := doubled.Schema().ColumnType("x2")
	assert.Equal(t, arrow.PrimitiveTypes.Int64, typ)

	p := compute(t, doubled)
	assert.Equal(t, []int64{2, 4, 6, 8, 10, 12}, int64Column(t, p, "x2"))
}

func TestAddPartitionwiseEquivalence(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	a, err := f.WithColumn("x", expr.Col("x").Mul(expr.Lit(int64(10))))
	require.NoError(t, err)
	b, err := f.WithColumn("x", expr.Col("x").Add(expr.Lit(int64(1))))
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)

	pa := compute(t, a)
	pb := compute(t, b)
	ps := compute(t, sum)

	va, vb, vs := int64Column(t, pa, "x"), int64Column(t, pb, "x"), int64Column(t, ps, "x")
	for i := range vs {
		assert.Equal(t, va[i]+vb[i], vs[i])
	}
}

func TestBinaryShapeMismatch(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	other, err := source.FromInt64s("x", []int64{1, 2, 3, 4, 5, 6}, []int{2, 2, 2}, nil,
		source.WithDivisions([]any{int64(1), int64(3), int64(5), int64(7)}),
		source.WithToken("test:other"))
	require.NoError(t, err)
	g, err := FromSource(store, other, WithIndex("x"))
	require.NoError(t, err)

	_, err = f.Add(g)
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrShapeMismatch)
}

func TestLocPrunesPartitions(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)
	before := store.Len()

	// [4, 6) touches only the middle partition.
	sel, err := f.Loc(int64(4), int64(5))
	require.NoError(t, err)
	assert.Equal(t, 1, sel.NPartitions())
	assert.Equal(t, before+1, store.Len(), "one bounds task on one boundary partition")

	p := compute(t, sel)
	assert.Equal(t, []int64{4, 5}, int64Column(t, p, "x"))
}

func TestLocInteriorPassthrough(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	sel, err := f.Loc(int64(2), int64(6))
	require.NoError(t, err)
	require.Equal(t, 3, sel.NPartitions())

	// The middle partition is entirely inside the range and keeps its
	// original task key.
	assert.Equal(t, f.Keys()[1], sel.Keys()[1])
	assert.NotEqual(t, f.Keys()[0], sel.Keys()[0])
	assert.NotEqual(t, f.Keys()[2], sel.Keys()[2])

	p := compute(t, sel)
	assert.Equal(t, []int64{2, 3, 4, 5, 6}, int64Column(t, p, "x"))
}

func TestLocDivisionsInvariant(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	sel, err := f.Loc(int64(2), int64(5))
	require.NoError(t, err)
	require.True(t, sel.Divisions().Known)
	assert.Equal(t, []any{int64(2), int64(4), int64(5)}, sel.Divisions().Bounds)

	for _, v := range int64Column(t, compute(t, sel), "x") {
		assert.GreaterOrEqual(t, v, int64(2))
		assert.LessOrEqual(t, v, int64(5))
	}
}

func TestLocEmptyRange(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	sel, err := f.Loc(int64(100), int64(200))
	require.NoError(t, err)
	assert.Equal(t, 1, sel.NPartitions())
	assert.Equal(t, 0, compute(t, sel).Len())
}

func TestLocRequiresIndex(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := graph.NewStore()
	src, err := source.FromPartitions([]*partition.Partition{
		partition.New(series.New("x", []int64{1}, mem)),
	})
	require.NoError(t, err)
	f, err := FromSource(store, src)
	require.NoError(t, err)

	_, err = f.Loc(int64(0), int64(1))
	assert.Error(t, err)
}

func TestHead(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	h, err := f.Head(2)
	require.NoError(t, err)
	assert.Equal(t, 1, h.NPartitions())
	assert.Equal(t, []int64{1, 2}, int64Column(t, compute(t, h), "x"))

	// Larger than the first partition clamps.
	h, err = f.Head(10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, int64Column(t, compute(t, h), "x"))
}

func TestDeduplicationSharedPrefix(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	pred := expr.Col("x").Gt(expr.Lit(int64(2)))
	base, err := f.Filter(pred)
	require.NoError(t, err)
	prefixNodes := store.Len()

	// Two frames derived from the same filtered prefix.
	a, err := base.WithColumn("y", expr.Col("x").Add(expr.Lit(int64(1))))
	require.NoError(t, err)
	b, err := base.WithColumn("y", expr.Col("x").Mul(expr.Lit(int64(2))))
	require.NoError(t, err)

	// Rebuilding the identical prefix from scratch adds zero nodes.
	again, err := f.Filter(pred)
	require.NoError(t, err)
	assert.Equal(t, base.Keys(), again.Keys())

	_, err = Compute(context.Background(), exec.Config{Workers: 2}, a, b)
	require.NoError(t, err)

	// read(3) + filter(3) shared once, plus 3 tasks per derived frame.
	assert.Equal(t, prefixNodes+6, store.Len())
}

func TestComputeMergedRequestRunsSharedWorkOnce(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	base, err := f.Filter(expr.Col("x").Gt(expr.Lit(int64(1))))
	require.NoError(t, err)
	a, err := base.WithColumn("y", expr.Col("x").Add(expr.Lit(int64(1))))
	require.NoError(t, err)
	b, err := base.WithColumn("y", expr.Col("x").Mul(expr.Lit(int64(2))))
	require.NoError(t, err)

	_, metrics, err := ComputeWithMetrics(context.Background(), exec.Config{Workers: 2}, a, b)
	require.NoError(t, err)

	// 3 reads + 3 filters + 3 with_column per derived frame.
	assert.Equal(t, 12, metrics.TasksExecuted)
}

func TestComputeIdempotent(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)
	filtered, err := f.Filter(expr.Col("x").Gt(expr.Lit(int64(3))))
	require.NoError(t, err)

	nodesBefore := store.Len()
	first := int64Column(t, compute(t, filtered), "x")
	second := int64Column(t, compute(t, filtered), "x")

	assert.Equal(t, first, second)
	assert.Equal(t, nodesBefore, store.Len(), "compute never mutates the graph")
}

func TestMapPartitions(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	ident := func(_ context.Context, p *partition.Partition) (*partition.Partition, error) {
		return p.Apply(func(q *partition.Partition) (*partition.Partition, error) {
			return q, nil
		})
	}

	mapped, err := f.MapPartitions(ident, "identity-v1", nil)
	require.NoError(t, err)
	assert.Equal(t, f.NPartitions(), mapped.NPartitions())
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, int64Column(t, compute(t, mapped), "x"))

	// Equal tokens fold onto the same nodes.
	mappedAgain, err := f.MapPartitions(ident, "identity-v1", nil)
	require.NoError(t, err)
	assert.Equal(t, mapped.Keys(), mappedAgain.Keys())

	// Empty tokens never share.
	anon1, err := f.MapPartitions(ident, "", nil)
	require.NoError(t, err)
	anon2, err := f.MapPartitions(ident, "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, anon1.Keys(), anon2.Keys())
}

func TestMapPartitionsFailureAttribution(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	failing := func(_ context.Context, p *partition.Partition) (*partition.Partition, error) {
		if v := int64Column2(p, "x"); len(v) > 0 && v[0] == int64(4) {
			return nil, fmt.Errorf("bad partition contents")
		}
		return p, nil
	}

	mapped, err := f.MapPartitions(failing, "failing-v1", nil)
	require.NoError(t, err)

	_, err = mapped.Compute(context.Background(), exec.Config{Workers: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrTaskExecution)
	assert.Contains(t, err.Error(), "partition 1")
	assert.Contains(t, err.Error(), "bad partition contents")
}

func TestMapPartitionsWith(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	doubled, err := f.WithColumn("y", expr.Col("x").Mul(expr.Lit(int64(2))))
	require.NoError(t, err)

	outSchema := &partition.Schema{Fields: []partition.Field{
		{Name: "total", Type: arrow.PrimitiveTypes.Int64},
	}}
	sumAcross := func(_ context.Context, parts []*partition.Partition) (*partition.Partition, error) {
		a := int64Column2(parts[0], "x")
		b := int64Column2(parts[1], "y")
		totals := make([]int64, len(a))
		for i := range a {
			totals[i] = a[i] + b[i]
		}
		return partition.New(series.New("total", totals, nil)), nil
	}

	combined, err := f.MapPartitionsWith(sumAcross, "sum-across-v1", outSchema, doubled)
	require.NoError(t, err)
	assert.Equal(t, f.NPartitions(), combined.NPartitions())
	assert.Equal(t, "", combined.Index(), "output schema drops the index")
	assert.False(t, combined.Divisions().Known)

	// x + 2x per row.
	assert.Equal(t, []int64{3, 6, 9, 12, 15, 18},
		int64Column(t, compute(t, combined), "total"))

	// Equal tokens over the same inputs fold onto the same nodes.
	again, err := f.MapPartitionsWith(sumAcross, "sum-across-v1", outSchema, doubled)
	require.NoError(t, err)
	assert.Equal(t, combined.Keys(), again.Keys())
}

func TestMapPartitionsVariantsNeverCollide(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	single, err := f.MapPartitions(func(_ context.Context, p *partition.Partition) (*partition.Partition, error) {
		return p, nil
	}, "shared-token", nil)
	require.NoError(t, err)

	// Same token, same upstream, no extra frames: still a different
	// operation, so it must get its own nodes.
	multi, err := f.MapPartitionsWith(func(_ context.Context, parts []*partition.Partition) (*partition.Partition, error) {
		return parts[0], nil
	}, "shared-token", f.Schema())
	require.NoError(t, err)

	for i := range single.Keys() {
		assert.NotEqual(t, single.Keys()[i], multi.Keys()[i])
	}
}

func TestMapPartitionsWithAlignment(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	narrow, err := f.Head(2)
	require.NoError(t, err)

	outSchema := &partition.Schema{Fields: []partition.Field{
		{Name: "total", Type: arrow.PrimitiveTypes.Int64},
	}}
	fn := func(_ context.Context, parts []*partition.Partition) (*partition.Partition, error) {
		return parts[0], nil
	}

	_, err = f.MapPartitionsWith(fn, "t", outSchema, narrow)
	require.Error(t, err)
	assert.ErrorIs(t, err, fErrors.ErrShapeMismatch)

	other := testFrame(t, graph.NewStore())
	_, err = f.MapPartitionsWith(fn, "t", outSchema, other)
	require.Error(t, err)

	_, err = f.MapPartitionsWith(nil, "t", outSchema)
	require.Error(t, err)

	_, err = f.MapPartitionsWith(fn, "t", nil)
	require.Error(t, err)
}

// int64Column2 reads a column without a testing.T, for use inside task
// callbacks.
func int64Column2(p *partition.Partition, col string) []int64 {
	s, ok := p.Column(col)
	if !ok {
		return nil
	}
	arr := s.Array()
	defer arr.Release()
	return append([]int64(nil), arr.(*array.Int64).Int64Values()...)
}

func TestPersist(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	filtered, err := f.Filter(expr.Col("x").Gt(expr.Lit(int64(2))))
	require.NoError(t, err)

	persisted, err := filtered.Persist(context.Background(), exec.Config{Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, filtered.NPartitions(), persisted.NPartitions())
	assert.True(t, persisted.Divisions().Known)
	assert.Equal(t, "x", persisted.Index())

	// Work resumed on the persisted frame starts from materialized
	// partitions: only the read tasks run.
	_, metrics, err := ComputeWithMetrics(context.Background(), exec.Config{Workers: 2}, persisted)
	require.NoError(t, err)
	assert.Equal(t, persisted.NPartitions(), metrics.TasksExecuted)

	assert.Equal(t, []int64{3, 4, 5, 6}, int64Column(t, compute(t, persisted), "x"))
}

func TestExplain(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)
	filtered, err := f.Filter(expr.Col("x").Gt(expr.Lit(int64(3))))
	require.NoError(t, err)

	nodes, edges, err := filtered.Explain()
	require.NoError(t, err)
	assert.Len(t, nodes, 6, "three reads and three filters")
	assert.Len(t, edges, 3)

	nodesBefore := store.Len()
	_, _, err = filtered.Explain()
	require.NoError(t, err)
	assert.Equal(t, nodesBefore, store.Len(), "introspection is read-only")
}

func TestEndToEndScenario(t *testing.T) {
	store := graph.NewStore()
	f := testFrame(t, store)

	maxS, err := f.Max("x")
	require.NoError(t, err)
	sumS, err := f.Sum("x")
	require.NoError(t, err)
	meanS, err := f.Mean("x")
	require.NoError(t, err)

	filtered, err := f.Filter(expr.Col("x").Gt(expr.Lit(int64(3))))
	require.NoError(t, err)
	countS, err := filtered.Count("x")
	require.NoError(t, err)

	out, metrics, err := ComputeWithMetrics(context.Background(), exec.Config{Workers: 4},
		maxS, sumS, meanS, countS)
	require.NoError(t, err)

	assert.Equal(t, float64(6), out[0])
	assert.Equal(t, float64(21), out[1])
	assert.InDelta(t, 3.5, out[2].(float64), 1e-12)
	assert.Equal(t, int64(3), out[3])

	// Max, sum and mean share one moments scan per partition; the
	// filtered count has its own scan chain. 3 reads + 3 moments +
	// 3 combine + 3 filter + 3 filtered moments + 1 count combine.
	assert.Equal(t, 16, metrics.TasksExecuted)
}
