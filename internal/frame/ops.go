package frame

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/expr"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/source"
)

// The closed operation set. Each op is pure: its output is a function of
// its fingerprinted parameters and its resolved arguments, which is what
// makes content addressing sound. Fields that cannot affect the output
// (allocators) stay out of the fingerprint.

// MapFunc is the escape-hatch callable applied to one partition.
type MapFunc func(ctx context.Context, p *partition.Partition) (*partition.Partition, error)

// MultiMapFunc receives one aligned partition per participating frame,
// in the order the frames were given.
type MultiMapFunc func(ctx context.Context, parts []*partition.Partition) (*partition.Partition, error)

// partitionColumns exposes a partition's columns to the expression
// evaluator. The returned release func drops the retained arrays.
func partitionColumns(p *partition.Partition) (map[string]arrow.Array, func()) {
	columns := make(map[string]arrow.Array, p.Width())
	for _, name := range p.Columns() {
		col, _ := p.Column(name)
		columns[name] = col.Array()
	}
	return columns, func() {
		for _, arr := range columns {
			arr.Release()
		}
	}
}

func argPartition(args []any, i int) (*partition.Partition, error) {
	p, ok := args[i].(*partition.Partition)
	if !ok {
		return nil, fmt.Errorf("argument %d is %T, want partition", i, args[i])
	}
	return p, nil
}

// readOp loads one partition from a source.
type readOp struct {
	src  source.Source
	part int
}

func (o *readOp) Name() string { return "read" }

func (o *readOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.src.Token())
	graph.HashLiteral(d, int64(o.part))
}

func (o *readOp) Apply(ctx context.Context, _ []any) (any, error) {
	return o.src.ReadPartition(ctx, o.part)
}

func (o *readOp) Partition() int { return o.part }

// filterOp keeps the rows matching a boolean predicate.
type filterOp struct {
	pred expr.Expr
	part int
	mem  memory.Allocator
}

func (o *filterOp) Name() string { return "filter" }

func (o *filterOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.pred.String())
}

func (o *filterOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	columns, release := partitionColumns(p)
	defer release()

	mask, err := expr.NewEvaluator(o.mem).EvaluateBoolean(o.pred, columns)
	if err != nil {
		return nil, err
	}
	defer mask.Release()
	return p.Filter(mask)
}

func (o *filterOp) Partition() int { return o.part }

// selectOp projects a partition onto a column subset.
type selectOp struct {
	cols []string
	part int
}

func (o *selectOp) Name() string { return "select" }

func (o *selectOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.cols)
}

func (o *selectOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	return p.Select(o.cols...)
}

func (o *selectOp) Partition() int { return o.part }

// withColumnOp appends or replaces one derived column.
type withColumnOp struct {
	col  string
	e    expr.Expr
	part int
	mem  memory.Allocator
}

func (o *withColumnOp) Name() string { return "with_column" }

func (o *withColumnOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.col)
	graph.HashLiteral(d, o.e.String())
}

func (o *withColumnOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	columns, release := partitionColumns(p)
	defer release()

	arr, err := expr.NewEvaluator(o.mem).Evaluate(o.e, columns)
	if err != nil {
		return nil, err
	}
	defer arr.Release()
	return p.WithColumn(o.col, arr)
}

func (o *withColumnOp) Partition() int { return o.part }

// binaryOp combines the aligned partitions of two frames elementwise.
type binaryOp struct {
	kind partition.BinaryKind
	part int
}

func (o *binaryOp) Name() string { return "binary" }

func (o *binaryOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, int64(o.kind))
}

func (o *binaryOp) Apply(_ context.Context, args []any) (any, error) {
	left, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	right, err := argPartition(args, 1)
	if err != nil {
		return nil, err
	}
	return left.Binary(right, o.kind)
}

func (o *binaryOp) Partition() int { return o.part }

// boundsOp filters a boundary partition of a range selection down to
// [lo, hi) or [lo, hi] when closed.
type boundsOp struct {
	col    string
	lo, hi any
	closed bool
	part   int
}

func (o *boundsOp) Name() string { return "bounds" }

func (o *boundsOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.col)
	graph.HashLiteral(d, o.lo)
	graph.HashLiteral(d, o.hi)
	graph.HashLiteral(d, o.closed)
}

func (o *boundsOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	return p.BoundsFilter(o.col, o.lo, o.hi, o.closed)
}

func (o *boundsOp) Partition() int { return o.part }

// headOp keeps the first n rows of a partition.
type headOp struct {
	n    int
	part int
}

func (o *headOp) Name() string { return "head" }

func (o *headOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, int64(o.n))
}

func (o *headOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	n := o.n
	if n > p.Len() {
		n = p.Len()
	}
	return p.Slice(0, n), nil
}

func (o *headOp) Partition() int { return o.part }

// mapOp applies an opaque caller function. The token is the only handle
// content addressing has on the function, so deduplication is exactly as
// strong as the caller's token discipline.
type mapOp struct {
	token string
	fn    MapFunc
	part  int
}

func (o *mapOp) Name() string { return "map_partitions" }

func (o *mapOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.token)
}

func (o *mapOp) Apply(ctx context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	return o.fn(ctx, p)
}

func (o *mapOp) Partition() int { return o.part }

// multiMapOp applies a user function to the aligned partitions of
// several frames at once.
type multiMapOp struct {
	token string
	fn    MultiMapFunc
	part  int
}

func (o *multiMapOp) Name() string { return "map_partitions_multi" }

func (o *multiMapOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.token)
}

func (o *multiMapOp) Apply(ctx context.Context, args []any) (any, error) {
	parts := make([]*partition.Partition, len(args))
	for i := range args {
		p, err := argPartition(args, i)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return o.fn(ctx, parts)
}

func (o *multiMapOp) Partition() int { return o.part }

// momentsOp computes the one-pass reduction statistics of one partition.
// Every scalar reduction over the same column shares this node.
type momentsOp struct {
	col  string
	part int
}

func (o *momentsOp) Name() string { return "moments" }

func (o *momentsOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.col)
}

func (o *momentsOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	return p.Moments(o.col)
}

func (o *momentsOp) Partition() int { return o.part }

// reduceOp merges per-partition moments and extracts one statistic.
type reduceOp struct {
	col  string
	kind ReduceKind
}

func (o *reduceOp) Name() string { return "reduce" }

func (o *reduceOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.col)
	graph.HashLiteral(d, int64(o.kind))
}

func (o *reduceOp) Apply(_ context.Context, args []any) (any, error) {
	var merged partition.Moments
	for i, a := range args {
		m, ok := a.(partition.Moments)
		if !ok {
			return nil, fmt.Errorf("argument %d is %T, want moments", i, a)
		}
		merged = merged.Merge(m)
	}
	return o.kind.extract(merged)
}

// groupPartialOp aggregates one partition's rows into per-group partials.
type groupPartialOp struct {
	keys  []string
	specs []partition.AggSpec
	part  int
}

func (o *groupPartialOp) Name() string { return "group_partial" }

func (o *groupPartialOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.keys)
	hashAggSpecs(d, o.specs)
}

func (o *groupPartialOp) Apply(_ context.Context, args []any) (any, error) {
	p, err := argPartition(args, 0)
	if err != nil {
		return nil, err
	}
	return p.GroupByPartial(o.keys, o.specs)
}

func (o *groupPartialOp) Partition() int { return o.part }

// groupCombineOp concatenates all partial partitions and regroups them
// into final aggregates.
type groupCombineOp struct {
	keys  []string
	specs []partition.AggSpec
}

func (o *groupCombineOp) Name() string { return "group_combine" }

func (o *groupCombineOp) Fingerprint(d *xxhash.Digest) {
	graph.HashLiteral(d, o.keys)
	hashAggSpecs(d, o.specs)
}

func (o *groupCombineOp) Apply(_ context.Context, args []any) (any, error) {
	parts := make([]*partition.Partition, 0, len(args))
	for i := range args {
		p, err := argPartition(args, i)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	combined, err := parts[0].Concat(parts[1:]...)
	if err != nil {
		return nil, err
	}
	defer combined.Release()
	return combined.GroupByCombine(o.keys, o.specs)
}

func hashAggSpecs(d *xxhash.Digest, specs []partition.AggSpec) {
	for _, s := range specs {
		graph.HashLiteral(d, s.Column)
		graph.HashLiteral(d, int64(s.Kind))
		graph.HashLiteral(d, s.Alias)
	}
}

// inferExprType resolves the result type of an expression against a
// schema, validating every column reference. This is what makes schema
// errors synchronous: a bad expression never reaches the graph.
func inferExprType(e expr.Expr, schema *partition.Schema) (arrow.DataType, error) {
	switch typed := e.(type) {
	case *expr.ColumnExpr:
		t, ok := schema.ColumnType(typed.Name())
		if !ok {
			return nil, errors.NewColumnNotFoundError("Expr", typed.Name())
		}
		return t, nil
	case *expr.LiteralExpr:
		switch typed.Value().(type) {
		case int, int64:
			return arrow.PrimitiveTypes.Int64, nil
		case float64:
			return arrow.PrimitiveTypes.Float64, nil
		case string:
			return arrow.BinaryTypes.String, nil
		case bool:
			return arrow.FixedWidthTypes.Boolean, nil
		default:
			return nil, errors.NewUnsupportedTypeError("Expr", fmt.Sprintf("%T", typed.Value()))
		}
	case *expr.BinaryExpr:
		left, err := inferExprType(typed.Left(), schema)
		if err != nil {
			return nil, err
		}
		right, err := inferExprType(typed.Right(), schema)
		if err != nil {
			return nil, err
		}
		return binaryResultType(typed.Op(), left, right)
	case *expr.UnaryExpr:
		t, err := inferExprType(typed.Operand(), schema)
		if err != nil {
			return nil, err
		}
		return t, nil
	case *expr.FunctionExpr:
		if _, err := inferExprType(typed.Operand(), schema); err != nil {
			return nil, err
		}
		switch typed.FuncName() {
		case "upper", "lower":
			return arrow.BinaryTypes.String, nil
		case "isin", "contains", "starts_with":
			return arrow.FixedWidthTypes.Boolean, nil
		case "year", "month", "day":
			return arrow.PrimitiveTypes.Int64, nil
		default:
			return nil, errors.NewInvalidInputError("Expr",
				fmt.Sprintf("unknown function %q", typed.FuncName()))
		}
	default:
		return nil, errors.NewInvalidInputError("Expr", fmt.Sprintf("unknown expression %T", e))
	}
}

func binaryResultType(op expr.BinaryOp, left, right arrow.DataType) (arrow.DataType, error) {
	switch op {
	case expr.OpAnd, expr.OpOr,
		expr.OpEq, expr.OpNe, expr.OpLt, expr.OpLe, expr.OpGt, expr.OpGe:
		return arrow.FixedWidthTypes.Boolean, nil
	}

	// Arithmetic: int/int stays int except division; any float promotes.
	isInt := func(t arrow.DataType) bool { return t.ID() == arrow.INT64 }
	isNum := func(t arrow.DataType) bool {
		return t.ID() == arrow.INT64 || t.ID() == arrow.FLOAT64
	}
	if !isNum(left) || !isNum(right) {
		return nil, errors.NewSchemaError("Expr", "",
			fmt.Sprintf("arithmetic between %s and %s", left.Name(), right.Name()))
	}
	if isInt(left) && isInt(right) && op != expr.OpDiv {
		return arrow.PrimitiveTypes.Int64, nil
	}
	return arrow.PrimitiveTypes.Float64, nil
}
