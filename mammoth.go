// Package mammoth provides a lazy, partitioned DataFrame engine built on
// Apache Arrow. Frames are recipes over a content-addressed task graph;
// nothing reads data or computes until Compute or Persist is called.
// This package is the sole public API for the library.
package mammoth

import (
	"context"
	"io"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/mammoth/internal/config"
	mErrors "github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/exec"
	"github.com/paveg/mammoth/internal/expr"
	"github.com/paveg/mammoth/internal/frame"
	"github.com/paveg/mammoth/internal/graph"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/series"
	"github.com/paveg/mammoth/internal/source"
)

// ISeries provides a type-erased interface for Series of any type.
type ISeries = partition.ISeries

// Partition is a horizontal slice of a frame's rows.
type Partition = partition.Partition

// Schema describes the columns of a frame or partition.
type Schema = partition.Schema

// Divisions are the sorted index boundaries between partitions.
type Divisions = frame.Divisions

// MapFunc transforms one partition into another.
type MapFunc = frame.MapFunc

// MultiMapFunc transforms aligned partitions from several frames.
type MultiMapFunc = frame.MultiMapFunc

// Expr is a column expression used by Filter and WithColumn.
type Expr = expr.Expr

// Source supplies the partitions a frame is built from.
type Source = source.Source

// Store holds the shared task graph. Frames that should share work and
// compute together must be built against the same store.
type Store = graph.Store

// TaskKey identifies a node in the task graph.
type TaskKey = graph.TaskKey

// Node and Edge describe the task graph returned by Explain.
type (
	Node = graph.Node
	Edge = graph.Edge
)

// Metrics reports what a compute request executed.
type Metrics = exec.Metrics

// Config holds engine settings.
type Config = config.Config

// AggSpec names a grouped aggregation: which column, which kind, and an
// optional output alias.
type AggSpec = partition.AggSpec

// AggKind selects the aggregation function for an AggSpec.
type AggKind = partition.AggKind

// Aggregation kinds accepted by GroupBy().Agg.
const (
	AggSum   = partition.AggSum
	AggCount = partition.AggCount
	AggMean  = partition.AggMean
	AggMin   = partition.AggMin
	AggMax   = partition.AggMax
)

// Error sentinels. Use errors.Is against these to classify failures.
var (
	ErrShapeMismatch = mErrors.ErrShapeMismatch
	ErrSchema        = mErrors.ErrSchema
	ErrTaskExecution = mErrors.ErrTaskExecution
	ErrGraphCycle    = mErrors.ErrGraphCycle
	ErrCancelled     = mErrors.ErrCancelled
)

// NewStore creates an empty task graph store.
func NewStore() *Store { return graph.NewStore() }

// NewSeries creates a new typed Series from values.
func NewSeries[T any](name string, values []T, mem memory.Allocator) ISeries {
	return series.New(name, values, mem)
}

// NewPartition creates a partition from columns of equal length.
func NewPartition(cols ...ISeries) *Partition {
	return partition.New(cols...)
}

// Col references a column in an expression.
func Col(name string) *expr.ColumnExpr { return expr.Col(name) }

// Lit wraps a literal value in an expression.
func Lit(value any) *expr.LiteralExpr { return expr.Lit(value) }

// Not negates a boolean expression.
func Not(e Expr) Expr { return expr.Not(e) }

// Source constructors.

// SourceOption configures an in-memory source.
type SourceOption = source.Option

// WithDivisions declares the sorted index boundaries of a source's
// partitions. Requires an index column on the frame built over it.
func WithDivisions(bounds []any) SourceOption { return source.WithDivisions(bounds) }

// WithToken overrides the identity token of a source. Two sources with
// equal tokens produce identical read tasks.
func WithToken(token string) SourceOption { return source.WithToken(token) }

// NewMemorySource wraps already-materialized partitions as a source.
func NewMemorySource(parts []*Partition, opts ...SourceOption) (Source, error) {
	return source.FromPartitions(parts, opts...)
}

// CSVOptions configures CSV reading and writing.
type CSVOptions = source.CSVOptions

// DefaultCSVOptions returns comma-delimited options with a header row.
func DefaultCSVOptions() CSVOptions { return source.DefaultCSVOptions() }

// OpenCSV opens the files matching pattern as one partition per file.
func OpenCSV(pattern string, opts CSVOptions) (Source, error) {
	return source.OpenCSV(pattern, opts, nil)
}

// OpenParquet opens the parquet files matching pattern as one partition
// per file.
func OpenParquet(pattern string) (Source, error) {
	return source.OpenParquet(pattern, nil)
}

// WriteCSV writes partitions to w as a single CSV stream.
func WriteCSV(w io.Writer, opts CSVOptions, parts ...*Partition) error {
	return source.WriteCSV(w, opts, parts...)
}

// WriteParquet writes partitions to w as one parquet file, one row
// group per partition.
func WriteParquet(w io.Writer, parts ...*Partition) error {
	return source.WriteParquet(w, parts...)
}

// Frame construction.

// Option configures frame construction.
type Option = frame.Option

// WithIndex declares the sorted index column of the frame.
func WithIndex(col string) Option { return frame.WithIndex(col) }

// WithAllocator sets the Arrow allocator used by the frame's tasks.
func WithAllocator(mem memory.Allocator) Option { return frame.WithAllocator(mem) }

// Frame is a lazy, partitioned frame: a set of terminal tasks in a
// shared graph plus schema and division metadata. All transformations
// return new frames and never execute anything.
type Frame struct {
	f *frame.LazyFrame
}

// FromSource builds a frame whose partitions read from src.
func FromSource(store *Store, src Source, opts ...Option) (*Frame, error) {
	f, err := frame.FromSource(store, src, opts...)
	if err != nil {
		return nil, err
	}
	return &Frame{f: f}, nil
}

// NPartitions returns the number of partitions.
func (fr *Frame) NPartitions() int { return fr.f.NPartitions() }

// Schema returns the frame's schema.
func (fr *Frame) Schema() *Schema { return fr.f.Schema() }

// Divisions returns the frame's partition boundaries, if known.
func (fr *Frame) Divisions() Divisions { return fr.f.Divisions() }

// Index returns the index column name, or "" if none.
func (fr *Frame) Index() string { return fr.f.Index() }

// Keys returns the frame's terminal task keys in partition order.
func (fr *Frame) Keys() []TaskKey { return fr.f.Keys() }

// Filter keeps the rows where pred evaluates to true.
func (fr *Frame) Filter(pred Expr) (*Frame, error) {
	return wrap(fr.f.Filter(pred))
}

// Select keeps only the named columns.
func (fr *Frame) Select(cols ...string) (*Frame, error) {
	return wrap(fr.f.Select(cols...))
}

// WithColumn adds or replaces a column computed from e.
func (fr *Frame) WithColumn(name string, e Expr) (*Frame, error) {
	return wrap(fr.f.WithColumn(name, e))
}

// Add returns the element-wise sum of two aligned frames.
func (fr *Frame) Add(other *Frame) (*Frame, error) { return wrap(fr.f.Add(other.f)) }

// Sub returns the element-wise difference of two aligned frames.
func (fr *Frame) Sub(other *Frame) (*Frame, error) { return wrap(fr.f.Sub(other.f)) }

// Mul returns the element-wise product of two aligned frames.
func (fr *Frame) Mul(other *Frame) (*Frame, error) { return wrap(fr.f.Mul(other.f)) }

// Div returns the element-wise quotient of two aligned frames.
func (fr *Frame) Div(other *Frame) (*Frame, error) { return wrap(fr.f.Div(other.f)) }

// Loc selects the rows whose index falls in [lo, hi]. Only partitions
// that can contain the range are touched.
func (fr *Frame) Loc(lo, hi any) (*Frame, error) { return wrap(fr.f.Loc(lo, hi)) }

// Head returns the first n rows as a single-partition frame.
func (fr *Frame) Head(n int) (*Frame, error) { return wrap(fr.f.Head(n)) }

// MapPartitions applies fn to every partition. The token keys the
// resulting tasks: equal tokens mean equal work and enable sharing, an
// empty token makes the tasks unique. A nil schema keeps the input
// schema.
func (fr *Frame) MapPartitions(fn MapFunc, token string, schema *Schema) (*Frame, error) {
	return wrap(fr.f.MapPartitions(fn, token, schema))
}

// MapPartitionsWith applies fn across the aligned partitions of this
// frame and the others: fn receives one partition per frame, in order.
func (fr *Frame) MapPartitionsWith(fn MultiMapFunc, token string, schema *Schema, others ...*Frame) (*Frame, error) {
	internals := make([]*frame.LazyFrame, len(others))
	for i, other := range others {
		internals[i] = other.f
	}
	return wrap(fr.f.MapPartitionsWith(fn, token, schema, internals...))
}

// GroupBy starts a grouped aggregation over the key columns.
func (fr *Frame) GroupBy(keys ...string) *Grouped {
	return &Grouped{g: fr.f.GroupBy(keys...)}
}

// Max reduces a numeric column to its maximum.
func (fr *Frame) Max(col string) (*Scalar, error) { return wrapScalar(fr.f.Max(col)) }

// Min reduces a numeric column to its minimum.
func (fr *Frame) Min(col string) (*Scalar, error) { return wrapScalar(fr.f.Min(col)) }

// Sum reduces a numeric column to its sum.
func (fr *Frame) Sum(col string) (*Scalar, error) { return wrapScalar(fr.f.Sum(col)) }

// Count reduces a numeric column to its non-null count.
func (fr *Frame) Count(col string) (*Scalar, error) { return wrapScalar(fr.f.Count(col)) }

// Mean reduces a numeric column to its arithmetic mean.
func (fr *Frame) Mean(col string) (*Scalar, error) { return wrapScalar(fr.f.Mean(col)) }

// Std reduces a numeric column to its population standard deviation.
func (fr *Frame) Std(col string) (*Scalar, error) { return wrapScalar(fr.f.Std(col)) }

// Compute executes the frame's tasks and concatenates the partitions.
func (fr *Frame) Compute(ctx context.Context) (*Partition, error) {
	return fr.f.Compute(ctx, execConfig())
}

// Persist computes the frame and rebases it onto the materialized
// partitions, so later computes start from the stored results.
func (fr *Frame) Persist(ctx context.Context) (*Frame, error) {
	return wrap(fr.f.Persist(ctx, execConfig()))
}

// Explain returns the task nodes and edges reachable from the frame,
// without executing anything.
func (fr *Frame) Explain() ([]*Node, []Edge, error) { return fr.f.Explain() }

func (fr *Frame) computable() frame.Computable { return fr.f }

// Scalar is a pending reduction result.
type Scalar struct {
	s *frame.Scalar
}

// Key returns the scalar's terminal task key.
func (s *Scalar) Key() TaskKey { return s.s.Key() }

// Compute executes the reduction. Count yields int64, everything else
// float64.
func (s *Scalar) Compute(ctx context.Context) (any, error) {
	return s.s.Compute(ctx, execConfig())
}

func (s *Scalar) computable() frame.Computable { return s.s }

// Grouped is a pending grouped aggregation.
type Grouped struct {
	g *frame.GroupedFrame
}

// Agg materializes the aggregation plan as a single-partition frame
// with one row per distinct key combination.
func (g *Grouped) Agg(specs ...AggSpec) (*Frame, error) {
	return wrap(g.g.Agg(specs...))
}

// Computable is anything Compute can execute: frames and scalars.
type Computable interface {
	computable() frame.Computable
}

// Compute executes several frames and scalars as one request, sharing
// every task they have in common. All items must come from the same
// store. Results are returned in item order: *Partition for frames,
// the reduced value for scalars.
func Compute(ctx context.Context, items ...Computable) ([]any, error) {
	out, _, err := ComputeWithMetrics(ctx, items...)
	return out, err
}

// ComputeWithMetrics is Compute plus execution metrics.
func ComputeWithMetrics(ctx context.Context, items ...Computable) ([]any, Metrics, error) {
	internals := make([]frame.Computable, len(items))
	for i, item := range items {
		internals[i] = item.computable()
	}
	return frame.ComputeWithMetrics(ctx, execConfig(), internals...)
}

// Configuration.

// NewConfig returns a Config with default values.
func NewConfig() Config { return config.NewConfig() }

// SetGlobalConfig installs cfg as the engine-wide configuration.
func SetGlobalConfig(cfg Config) { config.SetGlobalConfig(cfg) }

// GetGlobalConfig returns the engine-wide configuration.
func GetGlobalConfig() Config { return config.GetGlobalConfig() }

// LoadConfigFromFile loads a Config from a JSON or YAML file.
func LoadConfigFromFile(path string) (Config, error) { return config.LoadFromFile(path) }

// LoadConfigFromEnv loads a Config from MAMMOTH_* environment variables.
func LoadConfigFromEnv() Config { return config.LoadFromEnv() }

func execConfig() exec.Config {
	cfg := config.GetGlobalConfig()
	return exec.Config{
		Workers:         cfg.Workers,
		DisableEviction: cfg.DisableEviction,
	}
}

func wrap(f *frame.LazyFrame, err error) (*Frame, error) {
	if err != nil {
		return nil, err
	}
	return &Frame{f: f}, nil
}

func wrapScalar(s *frame.Scalar, err error) (*Scalar, error) {
	if err != nil {
		return nil, err
	}
	return &Scalar{s: s}, nil
}
