// Package partition implements the single-partition table engine: one finite
// in-memory chunk of a larger logical table, backed by Apache Arrow columns.
// All multi-partition layers treat the operations here as opaque
// per-partition capabilities; nothing in this package is aware of other
// partitions.
package partition

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/series"
)

// Field describes one column of a partition schema.
type Field struct {
	Name string
	Type arrow.DataType
}

// Schema describes the column layout of a partition. Partitions of one
// logical table all share a schema.
type Schema struct {
	Fields []Field
}

// Columns returns the column names in order.
func (s *Schema) Columns() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// HasColumn reports whether the schema contains the named column.
func (s *Schema) HasColumn(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// ColumnType returns the Arrow type of the named column.
func (s *Schema) ColumnType(name string) (arrow.DataType, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return nil, false
}

// Equal reports whether two schemas have the same columns in the same order
// with the same types.
func (s *Schema) Equal(other *Schema) bool {
	if other == nil || len(s.Fields) != len(other.Fields) {
		return false
	}
	for i, f := range s.Fields {
		if f.Name != other.Fields[i].Name || f.Type.ID() != other.Fields[i].Type.ID() {
			return false
		}
	}
	return true
}

// String returns a compact textual form of the schema.
func (s *Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = fmt.Sprintf("%s:%s", f.Name, f.Type.Name())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Partition represents one in-memory chunk of a logical table with typed
// columns. Partitions are immutable; every operation returns a new one.
type Partition struct {
	columns map[string]ISeries
	order   []string // Maintains column order
}

// New creates a new Partition from a slice of ISeries
func New(cols ...ISeries) *Partition {
	columns := make(map[string]ISeries)
	order := make([]string, 0, len(cols))

	for _, s := range cols {
		name := s.Name()
		columns[name] = s
		order = append(order, name)
	}

	return &Partition{
		columns: columns,
		order:   order,
	}
}

// Columns returns the names of all columns in order
func (p *Partition) Columns() []string {
	if len(p.order) == 0 {
		return []string{}
	}
	return append([]string(nil), p.order...)
}

// Len returns the number of rows (assumes all columns have same length)
func (p *Partition) Len() int {
	if len(p.order) > 0 {
		if col, exists := p.columns[p.order[0]]; exists {
			return col.Len()
		}
	}
	return 0
}

// Width returns the number of columns
func (p *Partition) Width() int {
	return len(p.columns)
}

// Column returns the series for the given column name
func (p *Partition) Column(name string) (ISeries, bool) {
	col, exists := p.columns[name]
	return col, exists
}

// HasColumn checks if a column exists
func (p *Partition) HasColumn(name string) bool {
	_, exists := p.columns[name]
	return exists
}

// Schema returns the schema describing this partition's columns.
func (p *Partition) Schema() *Schema {
	fields := make([]Field, 0, len(p.order))
	for _, name := range p.order {
		fields = append(fields, Field{Name: name, Type: p.columns[name].DataType()})
	}
	return &Schema{Fields: fields}
}

// Select returns a new Partition with only the specified columns. Referencing
// a nonexistent column is a schema error.
func (p *Partition) Select(names ...string) (*Partition, error) {
	newColumns := make(map[string]ISeries)
	newOrder := make([]string, 0, len(names))

	for _, name := range names {
		col, exists := p.columns[name]
		if !exists {
			return nil, errors.NewColumnNotFoundError("Select", name)
		}
		newColumns[name] = col
		newOrder = append(newOrder, name)
	}

	return &Partition{columns: newColumns, order: newOrder}, nil
}

// Drop returns a new Partition without the specified columns
func (p *Partition) Drop(names ...string) *Partition {
	dropSet := make(map[string]bool)
	for _, name := range names {
		dropSet[name] = true
	}

	newColumns := make(map[string]ISeries)
	newOrder := make([]string, 0, len(p.order))

	for _, name := range p.order {
		if !dropSet[name] {
			newColumns[name] = p.columns[name]
			newOrder = append(newOrder, name)
		}
	}

	return &Partition{columns: newColumns, order: newOrder}
}

// String returns a string representation of the Partition
func (p *Partition) String() string {
	if len(p.columns) == 0 {
		return "Partition[empty]"
	}

	parts := []string{fmt.Sprintf("Partition[%dx%d]", p.Len(), p.Width())}
	for _, name := range p.order {
		col := p.columns[name]
		parts = append(parts, fmt.Sprintf("  %s: %s", name, col.DataType().String()))
	}

	return strings.Join(parts, "\n")
}

// Slice creates a new Partition containing rows from start (inclusive) to
// end (exclusive). The copy is independent of the source memory.
func (p *Partition) Slice(start, end int) *Partition {
	length := p.Len()
	if start < 0 || end <= start || start >= length {
		return emptyLike(p)
	}
	if end > length {
		end = length
	}

	mem := memory.NewGoAllocator()
	sliced := make([]ISeries, 0, len(p.order))
	for _, name := range p.order {
		col := p.columns[name]
		arr := col.Array()
		sliced = append(sliced, sliceSeriesFromArray(name, arr, start, end-start, mem))
		arr.Release()
	}

	return New(sliced...)
}

// Filter returns the rows where mask is true. The mask length must equal the
// partition length.
func (p *Partition) Filter(mask *array.Boolean) (*Partition, error) {
	if mask.Len() != p.Len() {
		return nil, errors.NewInvalidInputError("Filter",
			fmt.Sprintf("mask length %d does not match partition length %d", mask.Len(), p.Len()))
	}

	trueCount := 0
	for i := 0; i < mask.Len(); i++ {
		if !mask.IsNull(i) && mask.Value(i) {
			trueCount++
		}
	}
	if trueCount == 0 {
		return emptyLike(p), nil
	}

	mem := memory.NewGoAllocator()
	filtered := make([]ISeries, 0, len(p.order))
	for _, name := range p.order {
		col := p.columns[name]
		arr := col.Array()
		out, err := filterSeriesFromArray(name, arr, mask, trueCount, mem)
		arr.Release()
		if err != nil {
			return nil, fmt.Errorf("filtering column %s: %w", name, err)
		}
		filtered = append(filtered, out)
	}

	return New(filtered...), nil
}

// WithColumn returns a new Partition with the named column added or
// replaced by the given array. The array length must match.
func (p *Partition) WithColumn(name string, arr arrow.Array) (*Partition, error) {
	if p.Width() > 0 && arr.Len() != p.Len() {
		return nil, errors.NewInvalidInputError("WithColumn",
			fmt.Sprintf("column length %d does not match partition length %d", arr.Len(), p.Len()))
	}

	mem := memory.NewGoAllocator()
	newCol, err := seriesFromArray(name, arr, mem)
	if err != nil {
		return nil, fmt.Errorf("creating column %s: %w", name, err)
	}

	all := make([]ISeries, 0, len(p.order)+1)
	for _, colName := range p.order {
		if colName == name {
			continue // replaced below
		}
		all = append(all, p.columns[colName])
	}
	all = append(all, newCol)

	return New(all...), nil
}

// Apply runs an arbitrary function over the chunk. It is the escape hatch
// for logic the typed operation set cannot express.
func (p *Partition) Apply(fn func(*Partition) (*Partition, error)) (*Partition, error) {
	return fn(p)
}

// Concat concatenates this partition with others row-wise. All partitions
// must share the schema.
func (p *Partition) Concat(others ...*Partition) (*Partition, error) {
	if len(others) == 0 {
		return p, nil
	}

	schema := p.Schema()
	for _, other := range others {
		if !schema.Equal(other.Schema()) {
			return nil, errors.NewShapeMismatchError("Concat",
				fmt.Sprintf("incompatible schemas %s and %s", schema, other.Schema()))
		}
	}

	mem := memory.NewGoAllocator()
	out := make([]ISeries, 0, len(p.order))
	for _, name := range p.order {
		cols := []ISeries{p.columns[name]}
		for _, other := range others {
			cols = append(cols, other.columns[name])
		}
		concatenated, err := concatSeries(name, cols, mem)
		if err != nil {
			return nil, fmt.Errorf("concatenating column %s: %w", name, err)
		}
		out = append(out, concatenated)
	}

	return New(out...), nil
}

// Equal reports deep value equality with another partition. Intended for
// tests and diagnostics; O(rows * cols).
func (p *Partition) Equal(other *Partition) bool {
	if other == nil || !p.Schema().Equal(other.Schema()) || p.Len() != other.Len() {
		return false
	}
	for _, name := range p.order {
		a := p.columns[name].Array()
		b := other.columns[name].Array()
		same := arraysEqual(a, b)
		a.Release()
		b.Release()
		if !same {
			return false
		}
	}
	return true
}

// Release releases all underlying Arrow memory
func (p *Partition) Release() {
	for _, col := range p.columns {
		col.Release()
	}
}

// emptyLike builds a zero-row partition with the same schema as p.
func emptyLike(p *Partition) *Partition {
	mem := memory.NewGoAllocator()
	cols := make([]ISeries, 0, len(p.order))
	for _, name := range p.order {
		switch p.columns[name].DataType().Name() {
		case "utf8":
			cols = append(cols, series.New(name, []string{}, mem))
		case "int64":
			cols = append(cols, series.New(name, []int64{}, mem))
		case "float64":
			cols = append(cols, series.New(name, []float64{}, mem))
		case "bool":
			cols = append(cols, series.New(name, []bool{}, mem))
		}
	}
	return New(cols...)
}

// seriesFromArray copies an Arrow array into a fresh series.
func seriesFromArray(name string, arr arrow.Array, mem memory.Allocator) (ISeries, error) {
	switch typed := arr.(type) {
	case *array.String:
		values := make([]string, typed.Len())
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				values[i] = typed.Value(i)
			}
		}
		return series.New(name, values, mem), nil
	case *array.Int64:
		values := make([]int64, typed.Len())
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				values[i] = typed.Value(i)
			}
		}
		return series.New(name, values, mem), nil
	case *array.Float64:
		values := make([]float64, typed.Len())
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				values[i] = typed.Value(i)
			}
		}
		return series.New(name, values, mem), nil
	case *array.Boolean:
		values := make([]bool, typed.Len())
		for i := 0; i < typed.Len(); i++ {
			if !typed.IsNull(i) {
				values[i] = typed.Value(i)
			}
		}
		return series.New(name, values, mem), nil
	default:
		return nil, errors.NewUnsupportedTypeError("WithColumn", fmt.Sprintf("%T", arr))
	}
}

// sliceSeriesFromArray creates a series from an array slice with
// independent memory.
func sliceSeriesFromArray(name string, arr arrow.Array, start, length int, mem memory.Allocator) ISeries {
	switch typed := arr.(type) {
	case *array.String:
		values := make([]string, length)
		for i := 0; i < length; i++ {
			if src := start + i; src < typed.Len() && !typed.IsNull(src) {
				values[i] = typed.Value(src)
			}
		}
		return series.New(name, values, mem)
	case *array.Int64:
		values := make([]int64, length)
		for i := 0; i < length; i++ {
			if src := start + i; src < typed.Len() && !typed.IsNull(src) {
				values[i] = typed.Value(src)
			}
		}
		return series.New(name, values, mem)
	case *array.Float64:
		values := make([]float64, length)
		for i := 0; i < length; i++ {
			if src := start + i; src < typed.Len() && !typed.IsNull(src) {
				values[i] = typed.Value(src)
			}
		}
		return series.New(name, values, mem)
	case *array.Boolean:
		values := make([]bool, length)
		for i := 0; i < length; i++ {
			if src := start + i; src < typed.Len() && !typed.IsNull(src) {
				values[i] = typed.Value(src)
			}
		}
		return series.New(name, values, mem)
	default:
		return series.New(name, []string{}, mem)
	}
}

// filterSeriesFromArray keeps the rows of arr where mask is true.
func filterSeriesFromArray(
	name string, arr arrow.Array, mask *array.Boolean, resultSize int, mem memory.Allocator,
) (ISeries, error) {
	switch typed := arr.(type) {
	case *array.String:
		values := make([]string, 0, resultSize)
		for i := 0; i < mask.Len(); i++ {
			if !mask.IsNull(i) && mask.Value(i) {
				values = append(values, typed.Value(i))
			}
		}
		return series.New(name, values, mem), nil
	case *array.Int64:
		values := make([]int64, 0, resultSize)
		for i := 0; i < mask.Len(); i++ {
			if !mask.IsNull(i) && mask.Value(i) {
				values = append(values, typed.Value(i))
			}
		}
		return series.New(name, values, mem), nil
	case *array.Float64:
		values := make([]float64, 0, resultSize)
		for i := 0; i < mask.Len(); i++ {
			if !mask.IsNull(i) && mask.Value(i) {
				values = append(values, typed.Value(i))
			}
		}
		return series.New(name, values, mem), nil
	case *array.Boolean:
		values := make([]bool, 0, resultSize)
		for i := 0; i < mask.Len(); i++ {
			if !mask.IsNull(i) && mask.Value(i) {
				values = append(values, typed.Value(i))
			}
		}
		return series.New(name, values, mem), nil
	default:
		return nil, errors.NewUnsupportedTypeError("Filter", fmt.Sprintf("%T", arr))
	}
}

// concatSeries concatenates multiple series of the same type.
func concatSeries(name string, cols []ISeries, mem memory.Allocator) (ISeries, error) {
	total := 0
	for _, c := range cols {
		total += c.Len()
	}

	first := cols[0].Array()
	defer first.Release()

	switch first.(type) {
	case *array.String:
		return concatTypedSeries(name, cols, total, mem, func(arr arrow.Array, i int) string {
			return arr.(*array.String).Value(i)
		}), nil
	case *array.Int64:
		return concatTypedSeries(name, cols, total, mem, func(arr arrow.Array, i int) int64 {
			return arr.(*array.Int64).Value(i)
		}), nil
	case *array.Float64:
		return concatTypedSeries(name, cols, total, mem, func(arr arrow.Array, i int) float64 {
			return arr.(*array.Float64).Value(i)
		}), nil
	case *array.Boolean:
		return concatTypedSeries(name, cols, total, mem, func(arr arrow.Array, i int) bool {
			return arr.(*array.Boolean).Value(i)
		}), nil
	default:
		return nil, errors.NewUnsupportedTypeError("Concat", fmt.Sprintf("%T", first))
	}
}

// concatTypedSeries is a generic helper for concatenating typed series
func concatTypedSeries[T any](
	name string, cols []ISeries, total int, mem memory.Allocator,
	getValue func(arrow.Array, int) T,
) ISeries {
	values := make([]T, 0, total)
	for _, c := range cols {
		arr := c.Array()
		for i := 0; i < arr.Len(); i++ {
			values = append(values, getValue(arr, i))
		}
		arr.Release()
	}
	return series.New(name, values, mem)
}

// arraysEqual compares two arrow arrays element-wise.
func arraysEqual(a, b arrow.Array) bool {
	if a.Len() != b.Len() || a.DataType().ID() != b.DataType().ID() {
		return false
	}
	return array.Equal(a, b)
}
