package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/mammoth/internal/errors"
)

// Evaluator evaluates expressions against the columns of one partition.
type Evaluator struct {
	mem memory.Allocator
}

// NewEvaluator creates an evaluator. A nil allocator uses the Go allocator.
func NewEvaluator(mem memory.Allocator) *Evaluator {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &Evaluator{mem: mem}
}

// vecKind tags the runtime type of an intermediate vector.
type vecKind int

const (
	vecInt vecKind = iota
	vecFloat
	vecString
	vecBool
)

// vec is an intermediate evaluation result: a typed column of n rows.
type vec struct {
	kind   vecKind
	ints   []int64
	floats []float64
	strs   []string
	bools  []bool
	n      int
}

// Evaluate computes the expression over the given columns and returns the
// resulting Arrow array. The caller owns the returned array.
func (ev *Evaluator) Evaluate(e Expr, columns map[string]arrow.Array) (arrow.Array, error) {
	n := -1
	for _, arr := range columns {
		n = arr.Len()
		break
	}
	if n < 0 {
		return nil, errors.NewInvalidInputError("Evaluate", "no columns to evaluate against")
	}

	v, err := ev.eval(e, columns, n)
	if err != nil {
		return nil, err
	}
	return ev.build(v), nil
}

// EvaluateBoolean computes a predicate and returns a boolean mask.
func (ev *Evaluator) EvaluateBoolean(e Expr, columns map[string]arrow.Array) (*array.Boolean, error) {
	arr, err := ev.Evaluate(e, columns)
	if err != nil {
		return nil, err
	}
	mask, ok := arr.(*array.Boolean)
	if !ok {
		name := arr.DataType().Name()
		arr.Release()
		return nil, errors.NewSchemaError("Filter", "",
			fmt.Sprintf("predicate evaluated to %s, want bool", name))
	}
	return mask, nil
}

func (ev *Evaluator) build(v *vec) arrow.Array {
	switch v.kind {
	case vecInt:
		b := array.NewInt64Builder(ev.mem)
		defer b.Release()
		b.AppendValues(v.ints, nil)
		return b.NewArray()
	case vecFloat:
		b := array.NewFloat64Builder(ev.mem)
		defer b.Release()
		b.AppendValues(v.floats, nil)
		return b.NewArray()
	case vecString:
		b := array.NewStringBuilder(ev.mem)
		defer b.Release()
		b.AppendValues(v.strs, nil)
		return b.NewArray()
	default:
		b := array.NewBooleanBuilder(ev.mem)
		defer b.Release()
		b.AppendValues(v.bools, nil)
		return b.NewArray()
	}
}

func (ev *Evaluator) eval(e Expr, columns map[string]arrow.Array, n int) (*vec, error) {
	switch typed := e.(type) {
	case *ColumnExpr:
		arr, exists := columns[typed.Name()]
		if !exists {
			return nil, errors.NewColumnNotFoundError("Evaluate", typed.Name())
		}
		return fromArray(arr)
	case *LiteralExpr:
		return broadcast(typed.Value(), n)
	case *BinaryExpr:
		left, err := ev.eval(typed.Left(), columns, n)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(typed.Right(), columns, n)
		if err != nil {
			return nil, err
		}
		return combine(left, typed.Op(), right)
	case *UnaryExpr:
		operand, err := ev.eval(typed.Operand(), columns, n)
		if err != nil {
			return nil, err
		}
		return negate(operand, typed.Op())
	case *FunctionExpr:
		operand, err := ev.eval(typed.Operand(), columns, n)
		if err != nil {
			return nil, err
		}
		return applyFunction(typed.FuncName(), operand, typed.Params())
	default:
		return nil, errors.NewUnsupportedTypeError("Evaluate", fmt.Sprintf("%T", e))
	}
}

func fromArray(arr arrow.Array) (*vec, error) {
	switch typed := arr.(type) {
	case *array.Int64:
		out := make([]int64, typed.Len())
		for i := range out {
			out[i] = typed.Value(i)
		}
		return &vec{kind: vecInt, ints: out, n: len(out)}, nil
	case *array.Float64:
		out := make([]float64, typed.Len())
		for i := range out {
			out[i] = typed.Value(i)
		}
		return &vec{kind: vecFloat, floats: out, n: len(out)}, nil
	case *array.String:
		out := make([]string, typed.Len())
		for i := range out {
			out[i] = typed.Value(i)
		}
		return &vec{kind: vecString, strs: out, n: len(out)}, nil
	case *array.Boolean:
		out := make([]bool, typed.Len())
		for i := range out {
			out[i] = typed.Value(i)
		}
		return &vec{kind: vecBool, bools: out, n: len(out)}, nil
	default:
		return nil, errors.NewUnsupportedTypeError("Evaluate", arr.DataType().Name())
	}
}

func broadcast(value any, n int) (*vec, error) {
	switch v := value.(type) {
	case int:
		return constVec(vecInt, int64(v), "", 0, false, n), nil
	case int64:
		return constVec(vecInt, v, "", 0, false, n), nil
	case float64:
		return constVec(vecFloat, 0, "", v, false, n), nil
	case string:
		return constVec(vecString, 0, v, 0, false, n), nil
	case bool:
		return constVec(vecBool, 0, "", 0, v, n), nil
	default:
		return nil, errors.NewUnsupportedTypeError("Evaluate", fmt.Sprintf("literal %T", value))
	}
}

func constVec(kind vecKind, i int64, s string, f float64, b bool, n int) *vec {
	v := &vec{kind: kind, n: n}
	switch kind {
	case vecInt:
		v.ints = make([]int64, n)
		for idx := range v.ints {
			v.ints[idx] = i
		}
	case vecFloat:
		v.floats = make([]float64, n)
		for idx := range v.floats {
			v.floats[idx] = f
		}
	case vecString:
		v.strs = make([]string, n)
		for idx := range v.strs {
			v.strs[idx] = s
		}
	case vecBool:
		v.bools = make([]bool, n)
		for idx := range v.bools {
			v.bools[idx] = b
		}
	}
	return v
}

// asFloats promotes an int vector; float vectors pass through.
func (v *vec) asFloats() []float64 {
	if v.kind == vecFloat {
		return v.floats
	}
	out := make([]float64, v.n)
	for i, x := range v.ints {
		out[i] = float64(x)
	}
	return out
}

func combine(left *vec, op BinaryOp, right *vec) (*vec, error) {
	if left.n != right.n {
		return nil, errors.NewInvalidInputError("Evaluate",
			fmt.Sprintf("operand lengths %d and %d differ", left.n, right.n))
	}

	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
		return arithmetic(left, op, right)
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return comparison(left, op, right)
	default:
		return logical(left, op, right)
	}
}

func arithmetic(left *vec, op BinaryOp, right *vec) (*vec, error) {
	numeric := func(v *vec) bool { return v.kind == vecInt || v.kind == vecFloat }
	if !numeric(left) || !numeric(right) {
		return nil, errors.NewSchemaError("Evaluate", "",
			fmt.Sprintf("arithmetic %s requires numeric operands", op))
	}

	// Integer stays integer except for division, which promotes.
	if left.kind == vecInt && right.kind == vecInt && op != OpDiv {
		out := make([]int64, left.n)
		for i := range out {
			switch op {
			case OpAdd:
				out[i] = left.ints[i] + right.ints[i]
			case OpSub:
				out[i] = left.ints[i] - right.ints[i]
			case OpMul:
				out[i] = left.ints[i] * right.ints[i]
			}
		}
		return &vec{kind: vecInt, ints: out, n: left.n}, nil
	}

	lf, rf := left.asFloats(), right.asFloats()
	out := make([]float64, left.n)
	for i := range out {
		switch op {
		case OpAdd:
			out[i] = lf[i] + rf[i]
		case OpSub:
			out[i] = lf[i] - rf[i]
		case OpMul:
			out[i] = lf[i] * rf[i]
		case OpDiv:
			out[i] = lf[i] / rf[i]
		}
	}
	return &vec{kind: vecFloat, floats: out, n: left.n}, nil
}

func comparison(left *vec, op BinaryOp, right *vec) (*vec, error) {
	out := make([]bool, left.n)

	switch {
	case left.kind == vecString && right.kind == vecString:
		for i := range out {
			out[i] = compareBool(strings.Compare(left.strs[i], right.strs[i]), op)
		}
	case (left.kind == vecInt || left.kind == vecFloat) && (right.kind == vecInt || right.kind == vecFloat):
		lf, rf := left.asFloats(), right.asFloats()
		for i := range out {
			switch {
			case lf[i] < rf[i]:
				out[i] = compareBool(-1, op)
			case lf[i] > rf[i]:
				out[i] = compareBool(1, op)
			default:
				out[i] = compareBool(0, op)
			}
		}
	case left.kind == vecBool && right.kind == vecBool:
		for i := range out {
			switch {
			case left.bools[i] == right.bools[i]:
				out[i] = op == OpEq || op == OpLe || op == OpGe
			default:
				out[i] = op == OpNe
			}
		}
	default:
		return nil, errors.NewSchemaError("Evaluate", "",
			fmt.Sprintf("cannot compare %v and %v operands", left.kind, right.kind))
	}
	return &vec{kind: vecBool, bools: out, n: left.n}, nil
}

func compareBool(cmp int, op BinaryOp) bool {
	switch op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func logical(left *vec, op BinaryOp, right *vec) (*vec, error) {
	if left.kind != vecBool || right.kind != vecBool {
		return nil, errors.NewSchemaError("Evaluate", "",
			fmt.Sprintf("logical %s requires boolean operands", op))
	}
	out := make([]bool, left.n)
	for i := range out {
		if op == OpAnd {
			out[i] = left.bools[i] && right.bools[i]
		} else {
			out[i] = left.bools[i] || right.bools[i]
		}
	}
	return &vec{kind: vecBool, bools: out, n: left.n}, nil
}

func negate(v *vec, op UnaryOp) (*vec, error) {
	switch op {
	case UnaryNot:
		if v.kind != vecBool {
			return nil, errors.NewSchemaError("Evaluate", "", "not requires a boolean operand")
		}
		out := make([]bool, v.n)
		for i := range out {
			out[i] = !v.bools[i]
		}
		return &vec{kind: vecBool, bools: out, n: v.n}, nil
	default:
		switch v.kind {
		case vecInt:
			out := make([]int64, v.n)
			for i := range out {
				out[i] = -v.ints[i]
			}
			return &vec{kind: vecInt, ints: out, n: v.n}, nil
		case vecFloat:
			out := make([]float64, v.n)
			for i := range out {
				out[i] = -v.floats[i]
			}
			return &vec{kind: vecFloat, floats: out, n: v.n}, nil
		default:
			return nil, errors.NewSchemaError("Evaluate", "", "neg requires a numeric operand")
		}
	}
}

func applyFunction(name string, v *vec, params []any) (*vec, error) {
	switch name {
	case "isin":
		return isIn(v, params)
	case "contains", "starts_with", "upper", "lower":
		return stringFunc(name, v, params)
	case "year", "month", "day":
		return datetimeFunc(name, v)
	default:
		return nil, errors.NewUnsupportedTypeError("Evaluate", "function "+name)
	}
}

func isIn(v *vec, values []any) (*vec, error) {
	out := make([]bool, v.n)
	switch v.kind {
	case vecInt:
		set := map[int64]bool{}
		for _, raw := range values {
			switch x := raw.(type) {
			case int:
				set[int64(x)] = true
			case int64:
				set[x] = true
			}
		}
		for i, x := range v.ints {
			out[i] = set[x]
		}
	case vecFloat:
		set := map[float64]bool{}
		for _, raw := range values {
			if x, ok := raw.(float64); ok {
				set[x] = true
			}
		}
		for i, x := range v.floats {
			out[i] = set[x]
		}
	case vecString:
		set := map[string]bool{}
		for _, raw := range values {
			if x, ok := raw.(string); ok {
				set[x] = true
			}
		}
		for i, x := range v.strs {
			out[i] = set[x]
		}
	default:
		return nil, errors.NewSchemaError("Evaluate", "", "isin requires a scalar column operand")
	}
	return &vec{kind: vecBool, bools: out, n: v.n}, nil
}

func stringFunc(name string, v *vec, params []any) (*vec, error) {
	if v.kind != vecString {
		return nil, errors.NewSchemaError("Evaluate", "", name+" requires a string operand")
	}

	switch name {
	case "contains", "starts_with":
		if len(params) != 1 {
			return nil, errors.NewInvalidInputError("Evaluate", name+" takes one parameter")
		}
		arg, ok := params[0].(string)
		if !ok {
			return nil, errors.NewInvalidInputError("Evaluate", name+" parameter must be a string")
		}
		out := make([]bool, v.n)
		for i, s := range v.strs {
			if name == "contains" {
				out[i] = strings.Contains(s, arg)
			} else {
				out[i] = strings.HasPrefix(s, arg)
			}
		}
		return &vec{kind: vecBool, bools: out, n: v.n}, nil
	default:
		out := make([]string, v.n)
		for i, s := range v.strs {
			if name == "upper" {
				out[i] = strings.ToUpper(s)
			} else {
				out[i] = strings.ToLower(s)
			}
		}
		return &vec{kind: vecString, strs: out, n: v.n}, nil
	}
}

// datetimeFunc interprets an int64 column as Unix seconds in UTC.
func datetimeFunc(name string, v *vec) (*vec, error) {
	if v.kind != vecInt {
		return nil, errors.NewSchemaError("Evaluate", "",
			name+" requires an int64 column of Unix seconds")
	}
	out := make([]int64, v.n)
	for i, sec := range v.ints {
		ts := time.Unix(sec, 0).UTC()
		switch name {
		case "year":
			out[i] = int64(ts.Year())
		case "month":
			out[i] = int64(ts.Month())
		default:
			out[i] = int64(ts.Day())
		}
	}
	return &vec{kind: vecInt, ints: out, n: v.n}, nil
}
