// Package source provides partitioned data inputs. A Source describes a
// table split into ordered partitions without loading any of them; actual
// reads happen lazily, one partition per task, when a graph executes.
package source

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/partition"
	"github.com/paveg/mammoth/internal/series"
)

// Source is a partitioned table input.
type Source interface {
	// NumPartitions returns the partition count; always at least one.
	NumPartitions() int
	// Schema returns the column schema shared by every partition.
	Schema() *partition.Schema
	// Divisions returns the index column boundary values when known:
	// NumPartitions()+1 monotonically increasing values where partition i
	// spans [bounds[i], bounds[i+1]), the last partition inclusive of its
	// upper bound. ok is false when boundaries are unknown.
	Divisions() (bounds []any, ok bool)
	// Token is a stable identity for this source; it feeds the content
	// address of every read task, so two frames over the same source
	// share read tasks while distinct sources never collide.
	Token() string
	// ReadPartition loads one partition.
	ReadPartition(ctx context.Context, i int) (*partition.Partition, error)
}

// MemorySource serves partitions already resident in memory. It is the
// entry point for programmatic data and the backing for persisted frames.
type MemorySource struct {
	token  string
	parts  []*partition.Partition
	schema *partition.Schema
	bounds []any
	known  bool
}

// Option configures a MemorySource.
type Option func(*MemorySource)

// WithDivisions declares the index boundary values for the partitions.
// len(bounds) must be NumPartitions()+1 and the values must be strictly
// increasing.
func WithDivisions(bounds []any) Option {
	return func(s *MemorySource) {
		s.bounds = bounds
		s.known = true
	}
}

// WithToken overrides the generated identity token. Two sources built
// with equal tokens share read tasks; callers own the equivalence claim.
func WithToken(token string) Option {
	return func(s *MemorySource) { s.token = token }
}

// FromPartitions builds a source over existing partitions. All partitions
// must share a schema; supplying none is an error.
func FromPartitions(parts []*partition.Partition, opts ...Option) (*MemorySource, error) {
	if len(parts) == 0 {
		return nil, errors.NewInvalidInputError("FromPartitions", "at least one partition required")
	}
	schema := parts[0].Schema()
	for i, p := range parts[1:] {
		if !schema.Equal(p.Schema()) {
			return nil, errors.NewShapeMismatchError("FromPartitions",
				fmt.Sprintf("partition %d schema %s differs from %s", i+1, p.Schema(), schema))
		}
	}

	s := &MemorySource{
		token:  uuid.NewString(),
		parts:  parts,
		schema: schema,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.known {
		if err := ValidateDivisions(s.bounds, len(parts)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FromInt64s builds a single-column source by chunking values into
// partitions of the given sizes. Convenient in tests and examples.
func FromInt64s(name string, values []int64, sizes []int, mem memory.Allocator, opts ...Option) (*MemorySource, error) {
	total := 0
	for _, n := range sizes {
		total += n
	}
	if total != len(values) {
		return nil, errors.NewInvalidInputError("FromInt64s",
			fmt.Sprintf("partition sizes sum to %d, have %d values", total, len(values)))
	}
	parts := make([]*partition.Partition, 0, len(sizes))
	off := 0
	for _, n := range sizes {
		s := series.New(name, values[off:off+n], mem)
		parts = append(parts, partition.New(s))
		off += n
	}
	return FromPartitions(parts, opts...)
}

// NumPartitions implements Source.
func (s *MemorySource) NumPartitions() int { return len(s.parts) }

// Schema implements Source.
func (s *MemorySource) Schema() *partition.Schema { return s.schema }

// Divisions implements Source.
func (s *MemorySource) Divisions() ([]any, bool) { return s.bounds, s.known }

// Token implements Source.
func (s *MemorySource) Token() string { return s.token }

// ReadPartition implements Source.
func (s *MemorySource) ReadPartition(_ context.Context, i int) (*partition.Partition, error) {
	if i < 0 || i >= len(s.parts) {
		return nil, errors.NewInvalidInputError("ReadPartition",
			fmt.Sprintf("partition index %d out of range [0, %d)", i, len(s.parts)))
	}
	return s.parts[i], nil
}

// ValidateDivisions checks that bounds describe nparts contiguous ranges:
// nparts+1 strictly increasing, mutually comparable values.
func ValidateDivisions(bounds []any, nparts int) error {
	if len(bounds) != nparts+1 {
		return errors.NewInvalidInputError("Divisions",
			fmt.Sprintf("need %d boundary values for %d partitions, got %d",
				nparts+1, nparts, len(bounds)))
	}
	for i := 1; i < len(bounds); i++ {
		c, err := partition.CompareKeys(bounds[i-1], bounds[i])
		if err != nil {
			return errors.NewInvalidInputError("Divisions", err.Error())
		}
		if c >= 0 {
			return errors.NewInvalidInputError("Divisions",
				fmt.Sprintf("boundary values must be strictly increasing, got %v before %v",
					bounds[i-1], bounds[i]))
		}
	}
	return nil
}
