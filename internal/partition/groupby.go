package partition

import (
	"fmt"
	"math"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/mammoth/internal/errors"
	"github.com/paveg/mammoth/internal/series"
)

// AggKind identifies a decomposable aggregation. Every kind here can be
// computed as per-partition partials combined across partitions;
// non-decomposable aggregations go through the map-partitions escape hatch
// with an explicit full shuffle instead.
type AggKind int

const (
	AggSum AggKind = iota
	AggCount
	AggMean
	AggMin
	AggMax
)

// String returns the lowercase aggregation name.
func (k AggKind) String() string {
	switch k {
	case AggSum:
		return "sum"
	case AggCount:
		return "count"
	case AggMean:
		return "mean"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	default:
		return "unknown"
	}
}

// AggSpec describes one aggregation of a groupby.
type AggSpec struct {
	Column string
	Kind   AggKind
	Alias  string
}

// OutName returns the result column name: the alias when set, otherwise
// kind_column (e.g. "sum_value").
func (a AggSpec) OutName() string {
	if a.Alias != "" {
		return a.Alias
	}
	return fmt.Sprintf("%s_%s", a.Kind, a.Column)
}

// Helper column suffixes used to carry mean components between the partial
// and combine phases.
const (
	meanSumSuffix   = "__psum"
	meanCountSuffix = "__pcount"
)

// aggState accumulates one aggregation for one group. Integer columns
// accumulate in int64 so partial sums stay exact.
type aggState struct {
	isInt bool
	cnt   int64
	sumF  float64
	sumI  int64
	minF  float64
	maxF  float64
	minI  int64
	maxI  int64
}

func newAggState(isInt bool) *aggState {
	return &aggState{
		isInt: isInt,
		minF:  math.Inf(1),
		maxF:  math.Inf(-1),
		minI:  math.MaxInt64,
		maxI:  math.MinInt64,
	}
}

func (st *aggState) addFloat(v float64) {
	st.cnt++
	st.sumF += v
	if v < st.minF {
		st.minF = v
	}
	if v > st.maxF {
		st.maxF = v
	}
}

func (st *aggState) addInt(v int64) {
	st.cnt++
	st.sumI += v
	if v < st.minI {
		st.minI = v
	}
	if v > st.maxI {
		st.maxI = v
	}
}

// GroupByPartial aggregates this partition alone. The output carries one
// row per group seen here; mean aggregations are carried as separate sum
// and count helper columns so the combine phase can finish them exactly.
func (p *Partition) GroupByPartial(keys []string, specs []AggSpec) (*Partition, error) {
	return p.groupBy(keys, specs, true)
}

// GroupByCombine finishes a groupby over the concatenation of partial
// results: partial sums and counts are summed, mins and maxes folded, and
// mean helper columns divided out and dropped.
func (p *Partition) GroupByCombine(keys []string, specs []AggSpec) (*Partition, error) {
	combineSpecs := make([]AggSpec, 0, len(specs))
	for _, spec := range specs {
		out := spec.OutName()
		switch spec.Kind {
		case AggSum, AggCount:
			// Partial sums and counts combine by summing.
			combineSpecs = append(combineSpecs, AggSpec{Column: out, Kind: AggSum, Alias: out})
		case AggMin:
			combineSpecs = append(combineSpecs, AggSpec{Column: out, Kind: AggMin, Alias: out})
		case AggMax:
			combineSpecs = append(combineSpecs, AggSpec{Column: out, Kind: AggMax, Alias: out})
		case AggMean:
			combineSpecs = append(combineSpecs,
				AggSpec{Column: out + meanSumSuffix, Kind: AggSum, Alias: out + meanSumSuffix},
				AggSpec{Column: out + meanCountSuffix, Kind: AggSum, Alias: out + meanCountSuffix})
		}
	}

	combined, err := p.groupBy(keys, combineSpecs, false)
	if err != nil {
		return nil, err
	}

	// Divide out mean helpers.
	for _, spec := range specs {
		if spec.Kind != AggMean {
			continue
		}
		out := spec.OutName()
		sumCol, _ := combined.Column(out + meanSumSuffix)
		cntCol, _ := combined.Column(out + meanCountSuffix)
		sumArr := sumCol.Array()
		cntArr := cntCol.Array()

		values := make([]float64, sumArr.Len())
		sums := sumArr.(*array.Float64)
		counts := cntArr.(*array.Int64)
		for i := range values {
			values[i] = sums.Value(i) / float64(counts.Value(i))
		}
		sumArr.Release()
		cntArr.Release()

		mem := memory.NewGoAllocator()
		meanSeries := series.New(out, values, mem)
		meanArr := meanSeries.Array()
		combined, err = combined.Drop(out+meanSumSuffix, out+meanCountSuffix).WithColumn(out, meanArr)
		meanArr.Release()
		if err != nil {
			return nil, err
		}
	}

	// Dropping helpers and re-appending means can reorder columns; restore
	// the keys-then-specs order the caller declared.
	order := make([]string, 0, len(keys)+len(specs))
	order = append(order, keys...)
	for _, spec := range specs {
		order = append(order, spec.OutName())
	}
	return combined.Select(order...)
}

// groupBy is the hash grouping shared by both phases. In the partial phase
// mean specs expand into helper sum and count columns; in the combine phase
// the caller has already rewritten specs.
func (p *Partition) groupBy(keys []string, specs []AggSpec, partial bool) (*Partition, error) {
	if len(keys) == 0 {
		return nil, errors.NewInvalidInputError("GroupBy", "no grouping columns given")
	}

	keyArrays := make([]arrow.Array, len(keys))
	for i, key := range keys {
		col, exists := p.columns[key]
		if !exists {
			return nil, errors.NewColumnNotFoundError("GroupBy", key)
		}
		keyArrays[i] = col.Array()
	}
	defer func() {
		for _, arr := range keyArrays {
			arr.Release()
		}
	}()

	// Expand mean specs into helper columns during the partial phase.
	cells := make([]aggCell, 0, len(specs))
	for _, spec := range specs {
		col, exists := p.columns[spec.Column]
		if !exists {
			return nil, errors.NewColumnNotFoundError("GroupBy", spec.Column)
		}
		arr := col.Array()
		isInt := arr.DataType().ID() == arrow.INT64
		if arr.DataType().ID() != arrow.INT64 && arr.DataType().ID() != arrow.FLOAT64 {
			arr.Release()
			return nil, errors.NewSchemaError("GroupBy", spec.Column,
				fmt.Sprintf("aggregation not supported on %s columns", arr.DataType().Name()))
		}
		if partial && spec.Kind == AggMean {
			out := spec.OutName()
			cells = append(cells,
				aggCell{arr: arr, kind: AggSum, out: out + meanSumSuffix, isInt: false, forceFloat: true},
				aggCell{arr: arr, kind: AggCount, out: out + meanCountSuffix, isInt: isInt})
			continue
		}
		cells = append(cells, aggCell{arr: arr, kind: spec.Kind, out: spec.OutName(), isInt: isInt})
	}
	released := map[arrow.Array]bool{}
	defer func() {
		for _, c := range cells {
			if !released[c.arr] {
				released[c.arr] = true
				c.arr.Release()
			}
		}
	}()

	// Hash rows into groups, keeping first-seen order.
	groupIndex := make(map[string]int)
	groupOrder := make([][]any, 0)
	states := make([][]*aggState, 0)

	n := p.Len()
	for row := 0; row < n; row++ {
		var sb strings.Builder
		keyVals := make([]any, len(keyArrays))
		for i, arr := range keyArrays {
			v := valueAt(arr, row)
			keyVals[i] = v
			fmt.Fprintf(&sb, "%v\x00", v)
		}
		idx, seen := groupIndex[sb.String()]
		if !seen {
			idx = len(groupOrder)
			groupIndex[sb.String()] = idx
			groupOrder = append(groupOrder, keyVals)
			groupStates := make([]*aggState, len(cells))
			for i, c := range cells {
				groupStates[i] = newAggState(c.isInt && !c.forceFloat)
			}
			states = append(states, groupStates)
		}
		for i, c := range cells {
			st := states[idx][i]
			switch typed := c.arr.(type) {
			case *array.Int64:
				if c.forceFloat || !c.isInt {
					st.addFloat(float64(typed.Value(row)))
				} else {
					st.addInt(typed.Value(row))
				}
			case *array.Float64:
				st.addFloat(typed.Value(row))
			}
		}
	}

	return buildGroupResult(keys, keyArrays, groupOrder, cells, states)
}

// aggCell binds one output column of a groupby to its source array.
type aggCell struct {
	arr        arrow.Array
	kind       AggKind
	out        string
	isInt      bool
	forceFloat bool
}

func buildGroupResult(
	keys []string, keyArrays []arrow.Array, groups [][]any, cells []aggCell, states [][]*aggState,
) (*Partition, error) {
	mem := memory.NewGoAllocator()
	out := make([]ISeries, 0, len(keys)+len(cells))

	for i, key := range keys {
		switch keyArrays[i].(type) {
		case *array.String:
			values := make([]string, len(groups))
			for g, vals := range groups {
				values[g] = vals[i].(string)
			}
			out = append(out, series.New(key, values, mem))
		case *array.Int64:
			values := make([]int64, len(groups))
			for g, vals := range groups {
				values[g] = vals[i].(int64)
			}
			out = append(out, series.New(key, values, mem))
		default:
			return nil, errors.NewSchemaError("GroupBy", key,
				fmt.Sprintf("grouping not supported on %s columns", keyArrays[i].DataType().Name()))
		}
	}

	for i, c := range cells {
		intOut := c.isInt && c.kind != AggMean || c.kind == AggCount
		if c.kind == AggCount {
			values := make([]int64, len(groups))
			for g := range groups {
				values[g] = states[g][i].cnt
			}
			out = append(out, series.New(c.out, values, mem))
			continue
		}
		if intOut && c.isInt {
			values := make([]int64, len(groups))
			for g := range groups {
				values[g] = intResult(states[g][i], c.kind)
			}
			out = append(out, series.New(c.out, values, mem))
			continue
		}
		values := make([]float64, len(groups))
		for g := range groups {
			values[g] = floatResult(states[g][i], c.kind)
		}
		out = append(out, series.New(c.out, values, mem))
	}

	return New(out...), nil
}

func intResult(st *aggState, kind AggKind) int64 {
	switch kind {
	case AggSum:
		return st.sumI
	case AggMin:
		return st.minI
	case AggMax:
		return st.maxI
	default:
		return st.cnt
	}
}

func floatResult(st *aggState, kind AggKind) float64 {
	switch kind {
	case AggSum:
		return st.sumF
	case AggMin:
		return st.minF
	case AggMax:
		return st.maxF
	case AggMean:
		return st.sumF / float64(st.cnt)
	default:
		return float64(st.cnt)
	}
}
