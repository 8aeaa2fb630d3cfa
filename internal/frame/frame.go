// Package frame implements the lazy partitioned table handle. Every
// operation on a LazyFrame appends nodes to a shared graph store and
// returns a new handle; nothing executes until Compute or Persist.
package frame

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/expr"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/source"
)

// LazyFrame is a recipe for a partitioned table: a shared graph store
// handle, one terminal task key per partition, and metadata. It never
// holds materialized data and is immutable; transformations return new
// frames over the same store.
type LazyFrame struct {
	id     uuid.UUID
	store  *graph.Store
	keys   []graph.TaskKey
	schema *partition.Schema
	divs   Divisions
	index  string
	mem    memory.Allocator
}

// Option configures frame construction.
type Option func(*LazyFrame)

// WithIndex declares the index column the source's divisions describe.
// Range selection prunes partitions against this column.
func WithIndex(col string) Option {
	return func(f *LazyFrame) { f.index = col }
}

// WithAllocator sets the Arrow allocator used by expression evaluation.
func WithAllocator(mem memory.Allocator) Option {
	return func(f *LazyFrame) { f.mem = mem }
}

// FromSource builds a frame whose partitions are lazy reads of src. The
// frame's divisions are the source's, usable for pruning only when an
// index column is declared.
func FromSource(store *graph.Store, src source.Source, opts ...Option) (*LazyFrame, error) {
	if store == nil {
		return nil, errors.NewInvalidInputError("FromSource", "nil graph store")
	}
	if src == nil {
		return nil, errors.NewInvalidInputError("FromSource", "nil source")
	}

	f := &LazyFrame{
		id:     uuid.New(),
		store:  store,
		schema: src.Schema(),
		divs:   UnknownDivisions(),
		mem:    memory.NewGoAllocator(),
	}
	for _, opt := range opts {
		opt(f)
	}

	if bounds, known := src.Divisions(); known {
		if f.index == "" {
			return nil, errors.NewInvalidInputError("FromSource",
				"source declares divisions but no index column is set")
		}
		if !f.schema.HasColumn(f.index) {
			return nil, errors.NewColumnNotFoundError("FromSource", f.index)
		}
		f.divs = KnownDivisions(bounds)
	} else if f.index != "" {
		return nil, errors.NewInvalidInputError("FromSource",
			fmt.Sprintf("index column %q set but source has no divisions", f.index))
	}

	f.keys = make([]graph.TaskKey, src.NumPartitions())
	for i := range f.keys {
		f.keys[i] = store.AddTask(&readOp{src: src, part: i})
	}
	return f, nil
}

// ID returns the frame's identity, distinct per handle.
func (f *LazyFrame) ID() uuid.UUID { return f.id }

// NPartitions returns the number of partitions.
func (f *LazyFrame) NPartitions() int { return len(f.keys) }

// Schema returns the column schema.
func (f *LazyFrame) Schema() *partition.Schema { return f.schema }

// Divisions returns the index boundary metadata.
func (f *LazyFrame) Divisions() Divisions { return f.divs }

// Index returns the declared index column name, empty when none.
func (f *LazyFrame) Index() string { return f.index }

// Keys returns the terminal task key per partition.
func (f *LazyFrame) Keys() []graph.TaskKey {
	return append([]graph.TaskKey(nil), f.keys...)
}

// derive builds a sibling frame sharing store and metadata.
func (f *LazyFrame) derive(keys []graph.TaskKey, schema *partition.Schema, divs Divisions) *LazyFrame {
	return &LazyFrame{
		id:     uuid.New(),
		store:  f.store,
		keys:   keys,
		schema: schema,
		divs:   divs,
		index:  f.index,
		mem:    f.mem,
	}
}

// validateExpr checks an expression's column references and result type
// against the frame schema before any node is appended.
func (f *LazyFrame) validateExpr(op string, e expr.Expr) (arrow.DataType, error) {
	for _, col := range expr.Columns(e) {
		if !f.schema.HasColumn(col) {
			return nil, errors.NewColumnNotFoundError(op, col)
		}
	}
	return inferExprType(e, f.schema)
}

// Filter keeps the rows matching a boolean predicate, one task per
// partition. The predicate is validated against the schema now; a
// non-boolean predicate is a schema error.
func (f *LazyFrame) Filter(pred expr.Expr) (*LazyFrame, error) {
	t, err := f.validateExpr("Filter", pred)
	if err != nil {
		return nil, err
	}
	if t.ID() != arrow.BOOL {
		return nil, errors.NewSchemaError("Filter", "",
			fmt.Sprintf("predicate evaluates to %s, want boolean", t.Name()))
	}

	keys := make([]graph.TaskKey, len(f.keys))
	for i, key := range f.keys {
		keys[i] = f.store.AddTask(&filterOp{pred: pred, part: i, mem: f.mem}, graph.RefArg(key))
	}
	// Row removal keeps each partition inside its original index range.
	return f.derive(keys, f.schema, f.divs), nil
}

// Select projects onto a subset of columns, preserving request order.
func (f *LazyFrame) Select(cols ...string) (*LazyFrame, error) {
	if len(cols) == 0 {
		return nil, errors.NewInvalidInputError("Select", "no columns requested")
	}
	fields := make([]partition.Field, 0, len(cols))
	for _, col := range cols {
		t, ok := f.schema.ColumnType(col)
		if !ok {
			return nil, errors.NewColumnNotFoundError("Select", col)
		}
		fields = append(fields, partition.Field{Name: col, Type: t})
	}

	divs := f.divs
	index := f.index
	if index != "" && !slices.Contains(cols, index) {
		// Dropping the index forfeits range pruning.
		divs = UnknownDivisions()
		index = ""
	}

	keys := make([]graph.TaskKey, len(f.keys))
	for i, key := range f.keys {
		keys[i] = f.store.AddTask(&selectOp{cols: cols, part: i}, graph.RefArg(key))
	}
	out := f.derive(keys, &partition.Schema{Fields: fields}, divs)
	out.index = index
	return out, nil
}

// WithColumn appends (or replaces) a derived column computed from an
// expression over existing columns.
func (f *LazyFrame) WithColumn(name string, e expr.Expr) (*LazyFrame, error) {
	t, err := f.validateExpr("WithColumn", e)
	if err != nil {
		return nil, err
	}

	fields := make([]partition.Field, 0, len(f.schema.Fields)+1)
	replaced := false
	for _, field := range f.schema.Fields {
		if field.Name == name {
			fields = append(fields, partition.Field{Name: name, Type: t})
			replaced = true
		} else {
			fields = append(fields, field)
		}
	}
	if !replaced {
		fields = append(fields, partition.Field{Name: name, Type: t})
	}

	keys := make([]graph.TaskKey, len(f.keys))
	for i, key := range f.keys {
		keys[i] = f.store.AddTask(&withColumnOp{col: name, e: e, part: i, mem: f.mem}, graph.RefArg(key))
	}
	return f.derive(keys, &partition.Schema{Fields: fields}, f.divs), nil
}

// Add returns the partition-wise elementwise sum of two aligned frames.
func (f *LazyFrame) Add(other *LazyFrame) (*LazyFrame, error) {
	return f.binary(other, partition.BinaryAdd)
}

// Sub returns the partition-wise elementwise difference.
func (f *LazyFrame) Sub(other *LazyFrame) (*LazyFrame, error) {
	return f.binary(other, partition.BinarySub)
}

// Mul returns the partition-wise elementwise product.
func (f *LazyFrame) Mul(other *LazyFrame) (*LazyFrame, error) {
	return f.binary(other, partition.BinaryMul)
}

// Div returns the partition-wise elementwise quotient. Integer columns
// promote to float64.
func (f *LazyFrame) Div(other *LazyFrame) (*LazyFrame, error) {
	return f.binary(other, partition.BinaryDiv)
}

// binary validates alignment and emits one task per partition pair. There
// is no implicit repartitioning: frames that do not line up are rejected
// outright.
func (f *LazyFrame) binary(other *LazyFrame, kind partition.BinaryKind) (*LazyFrame, error) {
	if f.store != other.store {
		return nil, errors.NewInvalidInputError("Binary",
			"frames belong to different graph stores")
	}
	if len(f.keys) != len(other.keys) {
		return nil, errors.NewShapeMismatchError("Binary",
			fmt.Sprintf("frames have %d and %d partitions", len(f.keys), len(other.keys)))
	}
	if f.divs.Known && other.divs.Known && !f.divs.Equal(other.divs) {
		return nil, errors.NewShapeMismatchError("Binary",
			fmt.Sprintf("frames have different divisions %s and %s", f.divs, other.divs))
	}
	if !f.schema.Equal(other.schema) {
		return nil, errors.NewShapeMismatchError("Binary",
			fmt.Sprintf("frames have different schemas %s and %s", f.schema, other.schema))
	}

	schema := f.schema
	if kind == partition.BinaryDiv {
		fields := make([]partition.Field, len(schema.Fields))
		for i, field := range schema.Fields {
			if field.Type.ID() == arrow.INT64 {
				field.Type = arrow.PrimitiveTypes.Float64
			}
			fields[i] = field
		}
		schema = &partition.Schema{Fields: fields}
	}

	keys := make([]graph.TaskKey, len(f.keys))
	for i := range f.keys {
		keys[i] = f.store.AddTask(&binaryOp{kind: kind, part: i},
			graph.RefArg(f.keys[i]), graph.RefArg(other.keys[i]))
	}
	return f.derive(keys, schema, f.divs), nil
}

// Loc selects the rows whose index value lies in [lo, hi), closed at hi
// for the final selected partition. Partitions entirely outside the range
// are dropped from the plan without any task; interior partitions pass
// through untouched and only the boundary partitions get a filter task.
func (f *LazyFrame) Loc(lo, hi any) (*LazyFrame, error) {
	if f.index == "" {
		return nil, errors.NewInvalidInputError("Loc",
			"frame has no index column; range selection requires known divisions")
	}
	r, err := f.divs.prune(lo, hi)
	if err != nil {
		return nil, err
	}

	if r.empty {
		// Nothing intersects: one filter task guaranteed to come up
		// empty keeps the single-partition invariant.
		key := f.store.AddTask(&boundsOp{col: f.index, lo: lo, hi: hi, closed: true, part: 0},
			graph.RefArg(f.keys[0]))
		return f.derive([]graph.TaskKey{key}, f.schema, KnownDivisions([]any{lo, hi})), nil
	}

	keys := make([]graph.TaskKey, 0, r.last-r.first+1)
	for i := r.first; i <= r.last; i++ {
		interior := i > r.first && i < r.last
		if interior {
			keys = append(keys, f.keys[i])
			continue
		}
		keys = append(keys, f.store.AddTask(
			&boundsOp{col: f.index, lo: lo, hi: hi, closed: i == r.last, part: i},
			graph.RefArg(f.keys[i])))
	}
	return f.derive(keys, f.schema, f.divs.clip(r, lo, hi)), nil
}

// Head keeps at most n rows of the first partition. Cheap diagnostic; the
// other partitions never run.
func (f *LazyFrame) Head(n int) (*LazyFrame, error) {
	if n < 0 {
		return nil, errors.NewInvalidInputError("Head", fmt.Sprintf("negative row count %d", n))
	}
	key := f.store.AddTask(&headOp{n: n, part: 0}, graph.RefArg(f.keys[0]))
	divs := UnknownDivisions()
	if f.divs.Known {
		divs = KnownDivisions([]any{f.divs.Bounds[0], f.divs.Bounds[1]})
	}
	return f.derive([]graph.TaskKey{key}, f.schema, divs), nil
}

// MapPartitions applies fn to every partition. The token is the
// deduplication identity of fn: equal tokens mean interchangeable
// functions, an empty token disables sharing for this call. The output
// schema must be declared when fn changes it; nil keeps the input schema.
func (f *LazyFrame) MapPartitions(fn MapFunc, token string, schema *partition.Schema) (*LazyFrame, error) {
	if fn == nil {
		return nil, errors.NewInvalidInputError("MapPartitions", "nil function")
	}
	if token == "" {
		token = uuid.NewString()
	}
	out := f.schema
	divs := f.divs
	index := f.index
	if schema != nil {
		out = schema
		if index != "" && !schema.HasColumn(index) {
			divs = UnknownDivisions()
			index = ""
		}
	}

	keys := make([]graph.TaskKey, len(f.keys))
	for i, key := range f.keys {
		keys[i] = f.store.AddTask(&mapOp{token: token, fn: fn, part: i}, graph.RefArg(key))
	}
	derived := f.derive(keys, out, divs)
	derived.index = index
	return derived, nil
}

// MapPartitionsWith applies fn across the aligned partitions of f and
// the other frames: fn receives one partition per frame, in order. The
// frames must share the store and partition count, and equal divisions
// when known on both sides. Token and schema behave as in MapPartitions;
// the declared schema is required since fn combines several inputs.
func (f *LazyFrame) MapPartitionsWith(fn MultiMapFunc, token string, schema *partition.Schema, others ...*LazyFrame) (*LazyFrame, error) {
	if fn == nil {
		return nil, errors.NewInvalidInputError("MapPartitionsWith", "nil function")
	}
	if schema == nil {
		return nil, errors.NewInvalidInputError("MapPartitionsWith", "nil output schema")
	}
	for _, other := range others {
		if f.store != other.store {
			return nil, errors.NewInvalidInputError("MapPartitionsWith",
				"frames belong to different graph stores")
		}
		if len(f.keys) != len(other.keys) {
			return nil, errors.NewShapeMismatchError("MapPartitionsWith",
				fmt.Sprintf("frames have %d and %d partitions", len(f.keys), len(other.keys)))
		}
		if f.divs.Known && other.divs.Known && !f.divs.Equal(other.divs) {
			return nil, errors.NewShapeMismatchError("MapPartitionsWith",
				fmt.Sprintf("frames have different divisions %s and %s", f.divs, other.divs))
		}
	}
	if token == "" {
		token = uuid.NewString()
	}

	divs := f.divs
	index := f.index
	if index != "" && !schema.HasColumn(index) {
		divs = UnknownDivisions()
		index = ""
	}

	keys := make([]graph.TaskKey, len(f.keys))
	for i, key := range f.keys {
		args := make([]graph.Arg, 0, len(others)+1)
		args = append(args, graph.RefArg(key))
		for _, other := range others {
			args = append(args, graph.RefArg(other.keys[i]))
		}
		keys[i] = f.store.AddTask(&multiMapOp{token: token, fn: fn, part: i}, args...)
	}
	derived := f.derive(keys, schema, divs)
	derived.index = index
	return derived, nil
}
