// Package expr provides the closed expression set evaluated inside one
// partition. Expressions are pure descriptions; String() is a canonical,
// deterministic rendering that the task graph uses as fingerprint text for
// content addressing, so it must be stable across processes.
package expr

import (
	"fmt"
	"strings"
)

// ExprType represents the type of expression
type ExprType int

const (
	ExprColumn ExprType = iota
	ExprLiteral
	ExprBinary
	ExprUnary
	ExprFunction
)

// Expr represents an expression that can be evaluated against a partition
type Expr interface {
	Type() ExprType
	String() string
}

// ColumnExpr represents a column reference
type ColumnExpr struct {
	name string
}

// Col creates a column reference expression.
func Col(name string) *ColumnExpr {
	return &ColumnExpr{name: name}
}

func (c *ColumnExpr) Type() ExprType { return ExprColumn }

func (c *ColumnExpr) String() string { return fmt.Sprintf("col(%s)", c.name) }

// Name returns the referenced column name.
func (c *ColumnExpr) Name() string { return c.name }

// LiteralExpr represents a literal value
type LiteralExpr struct {
	value any
}

// Lit creates a literal expression.
func Lit(value any) *LiteralExpr {
	return &LiteralExpr{value: value}
}

func (l *LiteralExpr) Type() ExprType { return ExprLiteral }

func (l *LiteralExpr) String() string { return fmt.Sprintf("lit(%T:%v)", l.value, l.value) }

// Value returns the literal value.
func (l *LiteralExpr) Value() any { return l.value }

// BinaryOp represents binary operations
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAnd
	OpOr
)

func (op BinaryOp) String() string {
	switch op {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	case OpAnd:
		return "&&"
	default:
		return "||"
	}
}

// BinaryExpr represents a binary operation
type BinaryExpr struct {
	left  Expr
	op    BinaryOp
	right Expr
}

// NewBinary creates a binary expression.
func NewBinary(left Expr, op BinaryOp, right Expr) *BinaryExpr {
	return &BinaryExpr{left: left, op: op, right: right}
}

func (b *BinaryExpr) Type() ExprType { return ExprBinary }

func (b *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", b.left.String(), b.op, b.right.String())
}

// Left returns the left operand.
func (b *BinaryExpr) Left() Expr { return b.left }

// Op returns the operator.
func (b *BinaryExpr) Op() BinaryOp { return b.op }

// Right returns the right operand.
func (b *BinaryExpr) Right() Expr { return b.right }

// UnaryOp represents unary operations
type UnaryOp int

const (
	UnaryNeg UnaryOp = iota
	UnaryNot
)

// UnaryExpr represents a unary operation
type UnaryExpr struct {
	op      UnaryOp
	operand Expr
}

func (u *UnaryExpr) Type() ExprType { return ExprUnary }

func (u *UnaryExpr) String() string {
	if u.op == UnaryNeg {
		return fmt.Sprintf("neg(%s)", u.operand)
	}
	return fmt.Sprintf("not(%s)", u.operand)
}

// Op returns the operator.
func (u *UnaryExpr) Op() UnaryOp { return u.op }

// Operand returns the operand.
func (u *UnaryExpr) Operand() Expr { return u.operand }

// Not negates a boolean expression.
func Not(e Expr) *UnaryExpr { return &UnaryExpr{op: UnaryNot, operand: e} }

// Neg negates a numeric expression.
func Neg(e Expr) *UnaryExpr { return &UnaryExpr{op: UnaryNeg, operand: e} }

// FunctionExpr represents a named accessor or membership function over one
// operand, with literal parameters.
type FunctionExpr struct {
	name    string
	operand Expr
	params  []any
}

func (f *FunctionExpr) Type() ExprType { return ExprFunction }

func (f *FunctionExpr) String() string {
	parts := make([]string, 0, len(f.params)+1)
	parts = append(parts, f.operand.String())
	for _, p := range f.params {
		parts = append(parts, fmt.Sprintf("%T:%v", p, p))
	}
	return fmt.Sprintf("%s(%s)", f.name, strings.Join(parts, ", "))
}

// FuncName returns the function name.
func (f *FunctionExpr) FuncName() string { return f.name }

// Operand returns the function operand.
func (f *FunctionExpr) Operand() Expr { return f.operand }

// Params returns the literal parameters.
func (f *FunctionExpr) Params() []any { return f.params }

// Column expression builders

// Eq returns a comparison of the column against other.
func (c *ColumnExpr) Eq(other Expr) *BinaryExpr { return NewBinary(c, OpEq, other) }

// Ne returns an inequality comparison.
func (c *ColumnExpr) Ne(other Expr) *BinaryExpr { return NewBinary(c, OpNe, other) }

// Lt returns a less-than comparison.
func (c *ColumnExpr) Lt(other Expr) *BinaryExpr { return NewBinary(c, OpLt, other) }

// Le returns a less-or-equal comparison.
func (c *ColumnExpr) Le(other Expr) *BinaryExpr { return NewBinary(c, OpLe, other) }

// Gt returns a greater-than comparison.
func (c *ColumnExpr) Gt(other Expr) *BinaryExpr { return NewBinary(c, OpGt, other) }

// Ge returns a greater-or-equal comparison.
func (c *ColumnExpr) Ge(other Expr) *BinaryExpr { return NewBinary(c, OpGe, other) }

// Add returns an addition expression.
func (c *ColumnExpr) Add(other Expr) *BinaryExpr { return NewBinary(c, OpAdd, other) }

// Sub returns a subtraction expression.
func (c *ColumnExpr) Sub(other Expr) *BinaryExpr { return NewBinary(c, OpSub, other) }

// Mul returns a multiplication expression.
func (c *ColumnExpr) Mul(other Expr) *BinaryExpr { return NewBinary(c, OpMul, other) }

// Div returns a division expression.
func (c *ColumnExpr) Div(other Expr) *BinaryExpr { return NewBinary(c, OpDiv, other) }

// IsIn returns a membership test against a fixed value set. Values
// participate in content addressing by value, in the given order.
func (c *ColumnExpr) IsIn(values ...any) *FunctionExpr {
	return &FunctionExpr{name: "isin", operand: c, params: values}
}

// Contains tests whether a string column contains the substring.
func (c *ColumnExpr) Contains(substr string) *FunctionExpr {
	return &FunctionExpr{name: "contains", operand: c, params: []any{substr}}
}

// StartsWith tests whether a string column starts with the prefix.
func (c *ColumnExpr) StartsWith(prefix string) *FunctionExpr {
	return &FunctionExpr{name: "starts_with", operand: c, params: []any{prefix}}
}

// Upper maps a string column to upper case.
func (c *ColumnExpr) Upper() *FunctionExpr {
	return &FunctionExpr{name: "upper", operand: c}
}

// Lower maps a string column to lower case.
func (c *ColumnExpr) Lower() *FunctionExpr {
	return &FunctionExpr{name: "lower", operand: c}
}

// Year extracts the UTC year from an int64 column of Unix seconds.
func (c *ColumnExpr) Year() *FunctionExpr {
	return &FunctionExpr{name: "year", operand: c}
}

// Month extracts the UTC month from an int64 column of Unix seconds.
func (c *ColumnExpr) Month() *FunctionExpr {
	return &FunctionExpr{name: "month", operand: c}
}

// Day extracts the UTC day of month from an int64 column of Unix seconds.
func (c *ColumnExpr) Day() *FunctionExpr {
	return &FunctionExpr{name: "day", operand: c}
}

// Binary expression chaining

// Add chains an addition onto a binary expression.
func (b *BinaryExpr) Add(other Expr) *BinaryExpr { return NewBinary(b, OpAdd, other) }

// Sub chains a subtraction.
func (b *BinaryExpr) Sub(other Expr) *BinaryExpr { return NewBinary(b, OpSub, other) }

// Mul chains a multiplication.
func (b *BinaryExpr) Mul(other Expr) *BinaryExpr { return NewBinary(b, OpMul, other) }

// Div chains a division.
func (b *BinaryExpr) Div(other Expr) *BinaryExpr { return NewBinary(b, OpDiv, other) }

// And combines two boolean expressions conjunctively.
func (b *BinaryExpr) And(other Expr) *BinaryExpr { return NewBinary(b, OpAnd, other) }

// Or combines two boolean expressions disjunctively.
func (b *BinaryExpr) Or(other Expr) *BinaryExpr { return NewBinary(b, OpOr, other) }

// Gt compares the result of a binary expression.
func (b *BinaryExpr) Gt(other Expr) *BinaryExpr { return NewBinary(b, OpGt, other) }

// Lt compares the result of a binary expression.
func (b *BinaryExpr) Lt(other Expr) *BinaryExpr { return NewBinary(b, OpLt, other) }

// Columns returns the set of column names an expression references, used
// for schema validation before a node is appended to the graph.
func Columns(e Expr) []string {
	seen := map[string]bool{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch typed := e.(type) {
		case *ColumnExpr:
			seen[typed.name] = true
		case *BinaryExpr:
			walk(typed.left)
			walk(typed.right)
		case *UnaryExpr:
			walk(typed.operand)
		case *FunctionExpr:
			walk(typed.operand)
		}
	}
	walk(e)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}
