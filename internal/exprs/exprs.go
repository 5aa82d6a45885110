// Package exprs evaluates the "integer-or-expression" tunables spec §6 and §9
// describe: parse the string, then evaluate arithmetic over integer literals only.
// Uses go/parser + go/constant rather than a hand-rolled tokenizer — no expression
// evaluator library appears anywhere in the example pack, and folding an ast.Expr
// of pure integer literals is exactly go/constant's purpose (see DESIGN.md).
package exprs

import (
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/token"
)

// EvalInt parses s as a Go expression and evaluates it, rejecting anything that is
// not built from integer literals, +, -, *, /, % and parentheses.
func EvalInt(s string) (int, error) {
	expr, err := parser.ParseExpr(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer expression %q: %w", s, err)
	}
	v, err := eval(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer expression %q: %w", s, err)
	}
	if v.Kind() != constant.Int {
		return 0, fmt.Errorf("invalid integer expression %q: not an integer", s)
	}
	i, ok := constant.Int64Val(v)
	if !ok {
		return 0, fmt.Errorf("invalid integer expression %q: out of range", s)
	}
	return int(i), nil
}

func eval(n ast.Expr) (constant.Value, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT {
			return nil, fmt.Errorf("only integer literals are allowed, got %q", e.Value)
		}
		v := constant.MakeFromLiteral(e.Value, e.Kind, 0)
		if v.Kind() == constant.Unknown {
			return nil, fmt.Errorf("could not parse literal %q", e.Value)
		}
		return v, nil
	case *ast.ParenExpr:
		return eval(e.X)
	case *ast.UnaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD:
			return x, nil
		case token.SUB:
			return constant.UnaryOp(token.SUB, x, 0), nil
		default:
			return nil, fmt.Errorf("unsupported unary operator %s", e.Op)
		}
	case *ast.BinaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return nil, err
		}
		y, err := eval(e.Y)
		if err != nil {
			return nil, err
		}
		switch e.Op {
		case token.ADD, token.SUB, token.MUL, token.REM:
			return constant.BinaryOp(x, e.Op, y), nil
		case token.QUO:
			// QUO_ASSIGN selects truncated integer division; plain QUO would
			// yield an exact rational.
			return constant.BinaryOp(x, token.QUO_ASSIGN, y), nil
		default:
			return nil, fmt.Errorf("unsupported operator %s", e.Op)
		}
	default:
		return nil, fmt.Errorf("unsupported expression of type %T", n)
	}
}
