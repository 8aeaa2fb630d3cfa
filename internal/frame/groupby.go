package frame

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"golang.org/x/exp/slices"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
)

// GroupedFrame is the intermediate handle between GroupBy and Agg. It
// appends nothing to the graph by itself.
type GroupedFrame struct {
	frame *LazyFrame
	keys  []string
	err   error
}

// GroupBy starts a grouped aggregation over one or more key columns.
// Key validation is synchronous; the error surfaces from Agg.
func (f *LazyFrame) GroupBy(keys ...string) *GroupedFrame {
	g := &GroupedFrame{frame: f, keys: keys}
	if len(keys) == 0 {
		g.err = errors.NewInvalidInputError("GroupBy", "no key columns")
		return g
	}
	for _, key := range keys {
		if !f.schema.HasColumn(key) {
			g.err = errors.NewColumnNotFoundError("GroupBy", key)
			return g
		}
	}
	return g
}

// Agg builds the two-phase grouped aggregation: a partial-aggregate task
// per partition, then one combine task over all partials. The result is a
// single-partition frame with one row per group and unknown divisions.
func (g *GroupedFrame) Agg(specs ...partition.AggSpec) (*LazyFrame, error) {
	if g.err != nil {
		return nil, g.err
	}
	if len(specs) == 0 {
		return nil, errors.NewInvalidInputError("Agg", "no aggregations requested")
	}
	f := g.frame
	for _, spec := range specs {
		t, ok := f.schema.ColumnType(spec.Column)
		if !ok {
			return nil, errors.NewColumnNotFoundError("Agg", spec.Column)
		}
		if slices.Contains(g.keys, spec.Column) {
			return nil, errors.NewSchemaError("Agg", spec.Column,
				"cannot aggregate a grouping key")
		}
		if t.ID() != arrow.INT64 && t.ID() != arrow.FLOAT64 {
			return nil, errors.NewSchemaError("Agg", spec.Column,
				fmt.Sprintf("aggregation not supported on %s columns", t.Name()))
		}
	}

	args := make([]graph.Arg, len(f.keys))
	for i, key := range f.keys {
		partial := f.store.AddTask(
			&groupPartialOp{keys: g.keys, specs: specs, part: i}, graph.RefArg(key))
		args[i] = graph.RefArg(partial)
	}
	combined := f.store.AddTask(&groupCombineOp{keys: g.keys, specs: specs}, args...)

	out := f.derive([]graph.TaskKey{combined}, aggSchema(f.schema, g.keys, specs), UnknownDivisions())
	out.index = ""
	return out, nil
}

// aggSchema derives the combined result schema: key columns first, then
// one column per aggregation in request order.
func aggSchema(in *partition.Schema, keys []string, specs []partition.AggSpec) *partition.Schema {
	fields := make([]partition.Field, 0, len(keys)+len(specs))
	for _, key := range keys {
		t, _ := in.ColumnType(key)
		fields = append(fields, partition.Field{Name: key, Type: t})
	}
	for _, spec := range specs {
		fields = append(fields, partition.Field{
			Name: spec.OutName(),
			Type: aggResultType(in, spec),
		})
	}
	return &partition.Schema{Fields: fields}
}

// aggResultType mirrors the combine phase: counts are int64, aggregates
// over int columns stay int64 except mean, everything else is float64.
func aggResultType(in *partition.Schema, spec partition.AggSpec) arrow.DataType {
	if spec.Kind == partition.AggCount {
		return arrow.PrimitiveTypes.Int64
	}
	t, _ := in.ColumnType(spec.Column)
	if t.ID() == arrow.INT64 && spec.Kind != partition.AggMean {
		return arrow.PrimitiveTypes.Int64
	}
	return arrow.PrimitiveTypes.Float64
}
