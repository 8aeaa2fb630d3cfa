package partition

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/series"
	"golang.org/x/exp/constraints"
)

// BinaryKind identifies an elementwise arithmetic operation between two
// aligned partitions.
type BinaryKind int

const (
	BinaryAdd BinaryKind = iota
	BinarySub
	BinaryMul
	BinaryDiv
)

// String returns the operator symbol.
func (k BinaryKind) String() string {
	switch k {
	case BinaryAdd:
		return "+"
	case BinarySub:
		return "-"
	case BinaryMul:
		return "*"
	case BinaryDiv:
		return "/"
	default:
		return "?"
	}
}

// Binary applies an elementwise arithmetic operation column-by-column
// between two partitions with identical schemas and row counts. Numeric
// columns are combined; any non-numeric column is a schema error.
func (p *Partition) Binary(other *Partition, kind BinaryKind) (*Partition, error) {
	if !p.Schema().Equal(other.Schema()) {
		return nil, errors.NewShapeMismatchError("Binary",
			fmt.Sprintf("incompatible schemas %s and %s", p.Schema(), other.Schema()))
	}
	if p.Len() != other.Len() {
		return nil, errors.NewShapeMismatchError("Binary",
			fmt.Sprintf("partitions have %d and %d rows", p.Len(), other.Len()))
	}

	mem := memory.NewGoAllocator()
	out := make([]ISeries, 0, len(p.order))
	for _, name := range p.order {
		left := p.columns[name].Array()
		right := other.columns[name].Array()
		col, err := binaryColumn(name, left, right, kind, mem)
		left.Release()
		right.Release()
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return New(out...), nil
}

func binaryColumn(name string, left, right arrow.Array, kind BinaryKind, mem memory.Allocator) (ISeries, error) {
	switch l := left.(type) {
	case *array.Int64:
		r, ok := right.(*array.Int64)
		if !ok {
			return nil, errors.NewSchemaError("Binary", name, "mismatched column types")
		}
		if kind == BinaryDiv {
			// Integer division promotes to float64, matching the
			// frame-level arithmetic rules.
			values := make([]float64, l.Len())
			for i := 0; i < l.Len(); i++ {
				values[i] = float64(l.Value(i)) / float64(r.Value(i))
			}
			return series.New(name, values, mem), nil
		}
		values := make([]int64, l.Len())
		for i := 0; i < l.Len(); i++ {
			values[i] = applyBinary(l.Value(i), r.Value(i), kind)
		}
		return series.New(name, values, mem), nil
	case *array.Float64:
		r, ok := right.(*array.Float64)
		if !ok {
			return nil, errors.NewSchemaError("Binary", name, "mismatched column types")
		}
		values := make([]float64, l.Len())
		for i := 0; i < l.Len(); i++ {
			if kind == BinaryDiv {
				values[i] = l.Value(i) / r.Value(i)
			} else {
				values[i] = applyBinary(l.Value(i), r.Value(i), kind)
			}
		}
		return series.New(name, values, mem), nil
	default:
		return nil, errors.NewSchemaError("Binary", name,
			fmt.Sprintf("arithmetic not supported on %s columns", left.DataType().Name()))
	}
}

func applyBinary[T constraints.Integer | constraints.Float](a, b T, kind BinaryKind) T {
	switch kind {
	case BinaryAdd:
		return a + b
	case BinarySub:
		return a - b
	case BinaryMul:
		return a * b
	default:
		return a
	}
}

// BoundsFilter keeps the rows whose value in col falls inside [lo, hi) or,
// when closedHi is set, [lo, hi]. Used on the boundary partitions of a
// range selection; interior partitions are passed through untouched by the
// caller.
func (p *Partition) BoundsFilter(col string, lo, hi any, closedHi bool) (*Partition, error) {
	s, exists := p.columns[col]
	if !exists {
		return nil, errors.NewColumnNotFoundError("Loc", col)
	}

	arr := s.Array()
	defer arr.Release()

	mem := memory.NewGoAllocator()
	builder := array.NewBooleanBuilder(mem)
	defer builder.Release()

	for i := 0; i < arr.Len(); i++ {
		v := valueAt(arr, i)
		cmpLo, err := CompareKeys(v, lo)
		if err != nil {
			return nil, errors.NewSchemaError("Loc", col, err.Error())
		}
		cmpHi, err := CompareKeys(v, hi)
		if err != nil {
			return nil, errors.NewSchemaError("Loc", col, err.Error())
		}
		in := cmpLo >= 0 && (cmpHi < 0 || (closedHi && cmpHi == 0))
		builder.Append(in)
	}

	mask := builder.NewBooleanArray()
	defer mask.Release()

	return p.Filter(mask)
}

// Moments holds the decomposable statistics a single partition scan
// produces. Every global reduction combines these; sum, count, min, max,
// mean and variance are all derivable from one pass.
type Moments struct {
	Count int64
	Sum   float64
	SumSq float64
	Min   float64
	Max   float64
}

// Moments computes the one-pass reduction statistics for a numeric column.
func (p *Partition) Moments(col string) (Moments, error) {
	s, exists := p.columns[col]
	if !exists {
		return Moments{}, errors.NewColumnNotFoundError("Reduce", col)
	}

	arr := s.Array()
	defer arr.Release()

	m := Moments{Min: math.Inf(1), Max: math.Inf(-1)}
	switch typed := arr.(type) {
	case *array.Int64:
		for i := 0; i < typed.Len(); i++ {
			if typed.IsNull(i) {
				continue
			}
			accumulate(&m, float64(typed.Value(i)))
		}
	case *array.Float64:
		for i := 0; i < typed.Len(); i++ {
			if typed.IsNull(i) {
				continue
			}
			accumulate(&m, typed.Value(i))
		}
	default:
		return Moments{}, errors.NewSchemaError("Reduce", col,
			fmt.Sprintf("reduction not supported on %s columns", arr.DataType().Name()))
	}
	return m, nil
}

func accumulate(m *Moments, v float64) {
	m.Count++
	m.Sum += v
	m.SumSq += v * v
	if v < m.Min {
		m.Min = v
	}
	if v > m.Max {
		m.Max = v
	}
}

// Merge combines the moments of two disjoint row sets. Combination is
// exact for count/sum/min/max; variance derived from the merged sums uses
// the standard pairwise update and stays stable as partition counts grow.
func (m Moments) Merge(other Moments) Moments {
	if m.Count == 0 {
		return other
	}
	if other.Count == 0 {
		return m
	}
	merged := Moments{
		Count: m.Count + other.Count,
		Sum:   m.Sum + other.Sum,
		SumSq: m.SumSq + other.SumSq,
		Min:   math.Min(m.Min, other.Min),
		Max:   math.Max(m.Max, other.Max),
	}
	return merged
}

// Mean returns the arithmetic mean, NaN for empty input.
func (m Moments) Mean() float64 {
	if m.Count == 0 {
		return math.NaN()
	}
	return m.Sum / float64(m.Count)
}

// Std returns the population standard deviation, NaN for empty input.
func (m Moments) Std() float64 {
	if m.Count == 0 {
		return math.NaN()
	}
	mean := m.Mean()
	variance := m.SumSq/float64(m.Count) - mean*mean
	if variance < 0 {
		variance = 0 // guard against rounding below zero
	}
	return math.Sqrt(variance)
}

// valueAt extracts a single element as a Go value.
func valueAt(arr arrow.Array, i int) any {
	switch typed := arr.(type) {
	case *array.Int64:
		return typed.Value(i)
	case *array.Float64:
		return typed.Value(i)
	case *array.String:
		return typed.Value(i)
	case *array.Boolean:
		return typed.Value(i)
	default:
		return nil
	}
}

// CompareKeys orders two partitioning key values. Supported key types are
// int64, float64 and string; int is coerced to int64 for convenience at
// call sites. Mixed numeric comparison promotes to float64.
func CompareKeys(a, b any) (int, error) {
	if ai, ok := a.(int); ok {
		a = int64(ai)
	}
	if bi, ok := b.(int); ok {
		b = int64(bi)
	}

	switch av := a.(type) {
	case int64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, bv), nil
		case float64:
			return compareOrdered(float64(av), bv), nil
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return compareOrdered(av, float64(bv)), nil
		case float64:
			return compareOrdered(av, bv), nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return compareOrdered(av, bv), nil
		}
	}
	return 0, fmt.Errorf("cannot compare key values %T and %T", a, b)
}

func compareOrdered[T constraints.Ordered](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
