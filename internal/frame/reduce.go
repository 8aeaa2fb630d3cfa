package frame

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
)

// ReduceKind identifies a global scalar reduction.
type ReduceKind int

const (
	ReduceMax ReduceKind = iota
	ReduceMin
	ReduceSum
	ReduceCount
	ReduceMean
	ReduceStd
)

// String returns the reduction name.
func (k ReduceKind) String() string {
	switch k {
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	case ReduceSum:
		return "sum"
	case ReduceCount:
		return "count"
	case ReduceMean:
		return "mean"
	case ReduceStd:
		return "std"
	default:
		return "unknown"
	}
}

// extract finalizes merged moments into the reduction's scalar value.
// Count yields int64, everything else float64.
func (k ReduceKind) extract(m partition.Moments) (any, error) {
	switch k {
	case ReduceMax:
		return m.Max, nil
	case ReduceMin:
		return m.Min, nil
	case ReduceSum:
		return m.Sum, nil
	case ReduceCount:
		return m.Count, nil
	case ReduceMean:
		return m.Mean(), nil
	case ReduceStd:
		return m.Std(), nil
	default:
		return nil, fmt.Errorf("unknown reduction kind %d", int(k))
	}
}

// Scalar is the lazy handle of a global reduction: a single terminal task
// whose result is one value. Like a frame it executes only under Compute.
type Scalar struct {
	store *graph.Store
	key   graph.TaskKey
	kind  ReduceKind
	col   string
}

// Key returns the terminal task key.
func (s *Scalar) Key() graph.TaskKey { return s.key }

// Store implements Computable.
func (s *Scalar) Store() *graph.Store { return s.store }

// Terminals implements Computable.
func (s *Scalar) Terminals() []graph.TaskKey { return []graph.TaskKey{s.key} }

func (s *Scalar) assemble(values map[graph.TaskKey]any) (any, error) {
	v, ok := values[s.key]
	if !ok {
		return nil, errors.NewInternalError("Compute",
			fmt.Errorf("missing result for task %s", s.key))
	}
	return v, nil
}

// reduce wires the two-phase protocol: one moments task per partition,
// one combine task over all of them. The per-partition phase depends only
// on the partition and the column, so every reduction kind over the same
// column shares phase one, and a Sum and a Mean in one compute request
// differ by a single combine node.
func (f *LazyFrame) reduce(col string, kind ReduceKind) (*Scalar, error) {
	t, ok := f.schema.ColumnType(col)
	if !ok {
		return nil, errors.NewColumnNotFoundError(kind.String(), col)
	}
	if t.ID() != arrow.INT64 && t.ID() != arrow.FLOAT64 {
		return nil, errors.NewSchemaError(kind.String(), col,
			fmt.Sprintf("reduction not supported on %s columns", t.Name()))
	}

	args := make([]graph.Arg, len(f.keys))
	for i, key := range f.keys {
		partial := f.store.AddTask(&momentsOp{col: col, part: i}, graph.RefArg(key))
		args[i] = graph.RefArg(partial)
	}
	key := f.store.AddTask(&reduceOp{col: col, kind: kind}, args...)
	return &Scalar{store: f.store, key: key, kind: kind, col: col}, nil
}

// Max returns the lazy maximum of a numeric column.
func (f *LazyFrame) Max(col string) (*Scalar, error) { return f.reduce(col, ReduceMax) }

// Min returns the lazy minimum of a numeric column.
func (f *LazyFrame) Min(col string) (*Scalar, error) { return f.reduce(col, ReduceMin) }

// Sum returns the lazy sum of a numeric column as float64.
func (f *LazyFrame) Sum(col string) (*Scalar, error) { return f.reduce(col, ReduceSum) }

// Count returns the lazy non-null value count of a numeric column.
func (f *LazyFrame) Count(col string) (*Scalar, error) { return f.reduce(col, ReduceCount) }

// Mean returns the lazy arithmetic mean, computed as sum over count from
// the same partition scan both reuse.
func (f *LazyFrame) Mean(col string) (*Scalar, error) { return f.reduce(col, ReduceMean) }

// Std returns the lazy population standard deviation via the stable
// merged-moments formula.
func (f *LazyFrame) Std(col string) (*Scalar, error) { return f.reduce(col, ReduceStd) }
