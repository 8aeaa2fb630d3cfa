package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/series"
)

// ParquetSource reads one partition per Parquet file, files ordered
// lexically from a glob pattern.
type ParquetSource struct {
	token  string
	paths  []string
	schema *partition.Schema
	mem    memory.Allocator
}

// OpenParquet expands the glob pattern and builds a source with one
// partition per matched file. The schema comes from the first file's
// metadata; no row data is read until a partition task runs.
func OpenParquet(pattern string, mem memory.Allocator) (*ParquetSource, error) {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.NewInvalidInputError("OpenParquet", fmt.Sprintf("bad glob pattern %q: %v", pattern, err))
	}
	if len(paths) == 0 {
		return nil, errors.NewInvalidInputError("OpenParquet", fmt.Sprintf("no files match %q", pattern))
	}
	sort.Strings(paths)

	s := &ParquetSource{
		token: "parquet:" + strings.Join(paths, "\x00"),
		paths: paths,
		mem:   mem,
	}
	schema, err := s.readSchema(paths[0])
	if err != nil {
		return nil, err
	}
	s.schema = schema
	return s, nil
}

// NumPartitions implements Source.
func (s *ParquetSource) NumPartitions() int { return len(s.paths) }

// Schema implements Source.
func (s *ParquetSource) Schema() *partition.Schema { return s.schema }

// Divisions implements Source. Parquet row group statistics are not
// consulted; boundaries are unknown.
func (s *ParquetSource) Divisions() ([]any, bool) { return nil, false }

// Token implements Source.
func (s *ParquetSource) Token() string { return s.token }

// ReadPartition implements Source.
func (s *ParquetSource) ReadPartition(ctx context.Context, i int) (*partition.Partition, error) {
	if i < 0 || i >= len(s.paths) {
		return nil, errors.NewInvalidInputError("ReadPartition",
			fmt.Sprintf("partition index %d out of range [0, %d)", i, len(s.paths)))
	}
	path := s.paths[i]

	table, err := s.readTable(ctx, path)
	if err != nil {
		return nil, err
	}
	defer table.Release()

	p, err := tableToPartition(table, s.mem)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !s.schema.Equal(p.Schema()) {
		p.Release()
		return nil, fmt.Errorf("%s: schema %s differs from %s", path, p.Schema(), s.schema)
	}
	return p, nil
}

func (s *ParquetSource) readSchema(path string) (*partition.Schema, error) {
	reader, arrowReader, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	arrowSchema, err := arrowReader.Schema()
	if err != nil {
		return nil, fmt.Errorf("%s: reading schema: %w", path, err)
	}
	fields := make([]partition.Field, 0, arrowSchema.NumFields())
	for i := 0; i < arrowSchema.NumFields(); i++ {
		f := arrowSchema.Field(i)
		fields = append(fields, partition.Field{Name: f.Name, Type: f.Type})
	}
	return &partition.Schema{Fields: fields}, nil
}

func (s *ParquetSource) readTable(ctx context.Context, path string) (arrow.Table, error) {
	reader, arrowReader, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	table, err := arrowReader.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: reading table: %w", path, err)
	}
	return table, nil
}

func (s *ParquetSource) open(path string) (*file.Reader, *pqarrow.FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	reader, err := file.NewParquetReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%s: creating parquet reader: %w", path, err)
	}
	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{}, s.mem)
	if err != nil {
		_ = reader.Close()
		return nil, nil, fmt.Errorf("%s: creating arrow reader: %w", path, err)
	}
	return reader, arrowReader, nil
}

// tableToPartition flattens an Arrow table into one partition, merging
// chunked columns.
func tableToPartition(table arrow.Table, mem memory.Allocator) (*partition.Partition, error) {
	schema := table.Schema()
	cols := make([]partition.ISeries, 0, int(table.NumCols()))
	for i := 0; i < int(table.NumCols()); i++ {
		field := schema.Field(i)
		col, err := columnToSeries(field.Name, table.Column(i), mem)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return partition.New(cols...), nil
}

func columnToSeries(name string, column *arrow.Column, mem memory.Allocator) (partition.ISeries, error) {
	chunks := column.Data().Chunks()
	switch column.DataType().ID() {
	case arrow.INT64:
		values := make([]int64, 0, column.Len())
		for _, chunk := range chunks {
			values = append(values, chunk.(*array.Int64).Int64Values()...)
		}
		return series.New(name, values, mem), nil
	case arrow.FLOAT64:
		values := make([]float64, 0, column.Len())
		for _, chunk := range chunks {
			values = append(values, chunk.(*array.Float64).Float64Values()...)
		}
		return series.New(name, values, mem), nil
	case arrow.STRING:
		values := make([]string, 0, column.Len())
		for _, chunk := range chunks {
			typed := chunk.(*array.String)
			for j := 0; j < typed.Len(); j++ {
				values = append(values, typed.Value(j))
			}
		}
		return series.New(name, values, mem), nil
	case arrow.BOOL:
		values := make([]bool, 0, column.Len())
		for _, chunk := range chunks {
			typed := chunk.(*array.Boolean)
			for j := 0; j < typed.Len(); j++ {
				values = append(values, typed.Value(j))
			}
		}
		return series.New(name, values, mem), nil
	default:
		return nil, errors.NewUnsupportedTypeError("ReadParquet", column.DataType().String())
	}
}

// WriteParquet writes partitions as a single snappy-compressed Parquet
// stream; every partition becomes one record chunk.
func WriteParquet(w io.Writer, parts ...*partition.Partition) error {
	if len(parts) == 0 {
		return errors.NewInvalidInputError("WriteParquet", "no partitions to write")
	}

	names := parts[0].Columns()
	fields := make([]arrow.Field, 0, len(names))
	rows := int64(0)
	for _, name := range names {
		col, _ := parts[0].Column(name)
		fields = append(fields, arrow.Field{Name: name, Type: col.DataType()})
	}
	columns := make([]arrow.Column, 0, len(names))
	for j, name := range names {
		chunks := make([]arrow.Array, 0, len(parts))
		for _, p := range parts {
			col, ok := p.Column(name)
			if !ok {
				return errors.NewColumnNotFoundError("WriteParquet", name)
			}
			chunks = append(chunks, col.Array())
		}
		chunked := arrow.NewChunked(fields[j].Type, chunks)
		columns = append(columns, *arrow.NewColumn(fields[j], chunked))
	}
	for _, p := range parts {
		rows += int64(p.Len())
	}

	table := array.NewTable(arrow.NewSchema(fields, nil), columns, rows)
	defer table.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(memory.NewGoAllocator()))
	// Shield w from the library's Close: file.Writer.Close closes its
	// sink when it implements io.Closer, but WriteParquet's io.Writer
	// contract leaves Close to the caller (matching WriteCSV).
	writer, err := pqarrow.NewFileWriter(table.Schema(), struct{ io.Writer }{w}, props, arrowProps)
	if err != nil {
		return fmt.Errorf("creating parquet writer: %w", err)
	}
	if err := writer.WriteTable(table, rows); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing table: %w", err)
	}
	return writer.Close()
}
