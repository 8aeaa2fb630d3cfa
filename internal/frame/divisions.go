package frame

import (
	"fmt"

	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/partition"
)

// Divisions tracks the ordered boundary values of a frame's index column.
// When known, Bounds has npartitions+1 monotonically increasing values and
// partition i holds only rows with index in [Bounds[i], Bounds[i+1]), the
// last partition closed on both ends. Unknown divisions disable range
// pruning but nothing else.
type Divisions struct {
	Known  bool
	Bounds []any
}

// UnknownDivisions marks boundaries as unknown.
func UnknownDivisions() Divisions { return Divisions{} }

// KnownDivisions wraps validated boundary values.
func KnownDivisions(bounds []any) Divisions {
	return Divisions{Known: true, Bounds: bounds}
}

// NPartitions returns the partition count the bounds describe, -1 when
// unknown.
func (d Divisions) NPartitions() int {
	if !d.Known {
		return -1
	}
	return len(d.Bounds) - 1
}

// Equal reports whether two division sets are both known and identical.
func (d Divisions) Equal(other Divisions) bool {
	if !d.Known || !other.Known || len(d.Bounds) != len(other.Bounds) {
		return d.Known == other.Known && len(d.Bounds) == len(other.Bounds)
	}
	for i := range d.Bounds {
		c, err := partition.CompareKeys(d.Bounds[i], other.Bounds[i])
		if err != nil || c != 0 {
			return false
		}
	}
	return true
}

func (d Divisions) String() string {
	if !d.Known {
		return "divisions(unknown)"
	}
	return fmt.Sprintf("divisions%v", d.Bounds)
}

// locRange is the partition window a range selection touches.
type locRange struct {
	first, last int  // inclusive partition indexes
	empty       bool // no partition intersects [lo, hi]
}

// prune computes which partitions can hold index values in [lo, hi]. Only
// callable on known divisions.
func (d Divisions) prune(lo, hi any) (locRange, error) {
	if !d.Known {
		return locRange{}, errors.NewInvalidInputError("Loc",
			"range selection requires known divisions")
	}
	if c, err := partition.CompareKeys(lo, hi); err != nil {
		return locRange{}, errors.NewSchemaError("Loc", "", err.Error())
	} else if c > 0 {
		return locRange{}, errors.NewInvalidInputError("Loc",
			fmt.Sprintf("range start %v exceeds end %v", lo, hi))
	}

	n := d.NPartitions()
	first, last := -1, -1
	for i := 0; i < n; i++ {
		lower, upper := d.Bounds[i], d.Bounds[i+1]

		// Partition i spans [lower, upper), the final one [lower, upper].
		cLoUpper, err := partition.CompareKeys(lo, upper)
		if err != nil {
			return locRange{}, errors.NewSchemaError("Loc", "", err.Error())
		}
		cHiLower, err := partition.CompareKeys(hi, lower)
		if err != nil {
			return locRange{}, errors.NewSchemaError("Loc", "", err.Error())
		}

		aboveLo := cLoUpper < 0 || (i == n-1 && cLoUpper == 0)
		belowHi := cHiLower >= 0
		if aboveLo && belowHi {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return locRange{empty: true}, nil
	}
	return locRange{first: first, last: last}, nil
}

// clip narrows known bounds to the selected window and range.
func (d Divisions) clip(r locRange, lo, hi any) Divisions {
	if !d.Known {
		return d
	}
	bounds := make([]any, 0, r.last-r.first+2)
	start := d.Bounds[r.first]
	if c, err := partition.CompareKeys(lo, start); err == nil && c > 0 {
		start = lo
	}
	bounds = append(bounds, start)
	for i := r.first + 1; i <= r.last; i++ {
		bounds = append(bounds, d.Bounds[i])
	}
	end := d.Bounds[r.last+1]
	if c, err := partition.CompareKeys(hi, end); err == nil && c < 0 {
		end = hi
	}
	bounds = append(bounds, end)
	return KnownDivisions(bounds)
}
