package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/series"
)

const (
	trueStr  = "true"
	falseStr = "false"
)

// CSVOptions configures CSV parsing.
type CSVOptions struct {
	Delimiter rune // defaults to ','
	Comment   rune // lines starting with this rune are skipped
	Header    bool // first row holds column names
}

// DefaultCSVOptions returns the options used when none are supplied.
func DefaultCSVOptions() CSVOptions {
	return CSVOptions{Delimiter: ',', Header: true}
}

// CSVSource reads one partition per CSV file. The file set comes from a
// glob pattern; files are ordered lexically, so naming encodes partition
// order. The schema is inferred from the first file and every other file
// is parsed against it.
type CSVSource struct {
	token  string
	paths  []string
	schema *partition.Schema
	opts   CSVOptions
	mem    memory.Allocator
}

// OpenCSV expands the glob pattern and builds a source with one partition
// per matched file.
func OpenCSV(pattern string, opts CSVOptions, mem memory.Allocator) (*CSVSource, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.NewInvalidInputError("OpenCSV", fmt.Sprintf("bad glob pattern %q: %v", pattern, err))
	}
	if len(paths) == 0 {
		return nil, errors.NewInvalidInputError("OpenCSV", fmt.Sprintf("no files match %q", pattern))
	}
	sort.Strings(paths)

	s := &CSVSource{
		token: "csv:" + strings.Join(paths, "\x00"),
		paths: paths,
		opts:  opts,
		mem:   mem,
	}

	// Infer the schema from the first file; the remaining files are
	// checked lazily when their partitions load.
	first, err := s.readFile(paths[0], nil)
	if err != nil {
		return nil, err
	}
	s.schema = first.Schema()
	first.Release()
	return s, nil
}

// NumPartitions implements Source.
func (s *CSVSource) NumPartitions() int { return len(s.paths) }

// Schema implements Source.
func (s *CSVSource) Schema() *partition.Schema { return s.schema }

// Divisions implements Source. CSV carries no ordering metadata, so
// boundaries are always unknown.
func (s *CSVSource) Divisions() ([]any, bool) { return nil, false }

// Token implements Source.
func (s *CSVSource) Token() string { return s.token }

// ReadPartition implements Source.
func (s *CSVSource) ReadPartition(_ context.Context, i int) (*partition.Partition, error) {
	if i < 0 || i >= len(s.paths) {
		return nil, errors.NewInvalidInputError("ReadPartition",
			fmt.Sprintf("partition index %d out of range [0, %d)", i, len(s.paths)))
	}
	return s.readFile(s.paths[i], s.schema)
}

// readFile parses one CSV file. With a nil schema, column types are
// inferred; otherwise values are parsed against the given schema and a
// mismatch is an error.
func (s *CSVSource) readFile(path string, schema *partition.Schema) (*partition.Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.Comma = s.opts.Delimiter
	reader.Comment = s.opts.Comment
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("reading %s: empty file", path)
	}

	var headers []string
	var rows [][]string
	if s.opts.Header {
		headers = records[0]
		rows = records[1:]
	} else {
		headers = make([]string, len(records[0]))
		for i := range headers {
			headers[i] = fmt.Sprintf("column_%d", i)
		}
		rows = records
	}

	// Transpose to columns.
	columns := make([][]string, len(headers))
	for i := range headers {
		columns[i] = make([]string, len(rows))
		for j, row := range rows {
			if i < len(row) {
				columns[i][j] = row[i]
			}
		}
	}

	cols := make([]partition.ISeries, 0, len(headers))
	for i, header := range headers {
		var col partition.ISeries
		var err error
		if schema == nil {
			col, err = s.inferColumn(header, columns[i])
		} else {
			typ, ok := schema.ColumnType(header)
			if !ok {
				err = fmt.Errorf("%s: unexpected column %q", path, header)
			} else {
				col, err = s.parseColumn(header, columns[i], typ)
			}
		}
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	p := partition.New(cols...)

	if schema != nil && !schema.Equal(p.Schema()) {
		p.Release()
		return nil, fmt.Errorf("%s: schema %s differs from %s", path, p.Schema(), schema)
	}
	return p, nil
}

// inferColumn builds a column choosing the narrowest type that parses
// every value: bool, then int64, then float64, then string.
func (s *CSVSource) inferColumn(name string, data []string) (partition.ISeries, error) {
	canInt, canFloat, canBool := true, true, true
	hasValue := false
	for _, v := range data {
		if v == "" {
			continue
		}
		hasValue = true
		if canBool {
			lower := strings.ToLower(v)
			canBool = lower == trueStr || lower == falseStr
		}
		if canInt {
			_, err := strconv.ParseInt(v, 10, 64)
			canInt = err == nil
		}
		if canFloat {
			_, err := strconv.ParseFloat(v, 64)
			canFloat = err == nil
		}
	}

	switch {
	case !hasValue:
		return series.New(name, data, s.mem), nil
	case canBool:
		return s.parseColumn(name, data, arrow.FixedWidthTypes.Boolean)
	case canInt:
		return s.parseColumn(name, data, arrow.PrimitiveTypes.Int64)
	case canFloat:
		return s.parseColumn(name, data, arrow.PrimitiveTypes.Float64)
	default:
		return series.New(name, data, s.mem), nil
	}
}

func (s *CSVSource) parseColumn(name string, data []string, typ arrow.DataType) (partition.ISeries, error) {
	switch typ.ID() {
	case arrow.INT64:
		out := make([]int64, len(data))
		for i, v := range data {
			if v == "" {
				continue
			}
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", name, i, err)
			}
			out[i] = parsed
		}
		return series.New(name, out, s.mem), nil
	case arrow.FLOAT64:
		out := make([]float64, len(data))
		for i, v := range data {
			if v == "" {
				continue
			}
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %w", name, i, err)
			}
			out[i] = parsed
		}
		return series.New(name, out, s.mem), nil
	case arrow.BOOL:
		out := make([]bool, len(data))
		for i, v := range data {
			out[i] = strings.EqualFold(v, trueStr)
		}
		return series.New(name, out, s.mem), nil
	case arrow.STRING:
		return series.New(name, data, s.mem), nil
	default:
		return nil, errors.NewUnsupportedTypeError("ReadCSV", typ.String())
	}
}

// WriteCSV writes partitions as one CSV stream, header first.
func WriteCSV(w io.Writer, opts CSVOptions, parts ...*partition.Partition) error {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	writer := csv.NewWriter(w)
	writer.Comma = opts.Delimiter
	defer writer.Flush()

	if len(parts) == 0 {
		return nil
	}
	names := parts[0].Columns()
	if opts.Header {
		if err := writer.Write(names); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for _, p := range parts {
		arrays := make([]arrow.Array, len(names))
		for j, name := range names {
			col, ok := p.Column(name)
			if !ok {
				return errors.NewColumnNotFoundError("WriteCSV", name)
			}
			arrays[j] = col.Array()
		}
		for i := 0; i < p.Len(); i++ {
			row := make([]string, len(names))
			for j := range names {
				row[j] = formatValue(arrays[j], i)
			}
			if err := writer.Write(row); err != nil {
				releaseAll(arrays)
				return fmt.Errorf("writing row: %w", err)
			}
		}
		releaseAll(arrays)
	}
	return writer.Error()
}

func releaseAll(arrays []arrow.Array) {
	for _, arr := range arrays {
		arr.Release()
	}
}

func formatValue(arr arrow.Array, i int) string {
	switch typed := arr.(type) {
	case *array.String:
		return typed.Value(i)
	case *array.Int64:
		return strconv.FormatInt(typed.Value(i), 10)
	case *array.Float64:
		return strconv.FormatFloat(typed.Value(i), 'g', -1, 64)
	case *array.Boolean:
		if typed.Value(i) {
			return trueStr
		}
		return falseStr
	default:
		return ""
	}
}
