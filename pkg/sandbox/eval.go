package sandbox

import (
	"fmt"
	"go/ast"
	"go/token"
	"sort"
	"strconv"

	"github.com/rlm-rs/orchestrator/pkg/corpus"
)

func (it *interp) eval(expr ast.Expr, e *env) (any, error) {
	switch n := expr.(type) {
	case *ast.BasicLit:
		return evalBasicLit(n)

	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		v, ok := e.get(n.Name)
		if !ok {
			return nil, fmt.Errorf("undefined identifier: %s", n.Name)
		}
		return v, nil

	case *ast.ParenExpr:
		return it.eval(n.X, e)

	case *ast.BinaryExpr:
		return it.evalBinary(n, e)

	case *ast.UnaryExpr:
		return it.evalUnary(n, e)

	case *ast.IndexExpr:
		return it.evalIndex(n, e)

	case *ast.SliceExpr:
		return it.evalSlice(n, e)

	case *ast.CallExpr:
		return it.evalCall(n, e)

	case *ast.SelectorExpr:
		return it.evalSelector(n, e)

	case *ast.CompositeLit:
		return nil, fmt.Errorf("composite literals are not supported; build maps/slices with make_map/make_list")

	default:
		return nil, fmt.Errorf("unsupported expression type %T", expr)
	}
}

func evalBasicLit(n *ast.BasicLit) (any, error) {
	switch n.Kind {
	case token.STRING:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return nil, err
		}
		return s, nil
	case token.INT, token.FLOAT:
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported literal kind %v", n.Kind)
	}
}

func (it *interp) evalUnary(n *ast.UnaryExpr, e *env) (any, error) {
	v, err := it.eval(n.X, e)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.SUB:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case token.NOT:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		return !b, nil
	default:
		return nil, fmt.Errorf("unsupported unary operator %v", n.Op)
	}
}

func (it *interp) evalBinary(n *ast.BinaryExpr, e *env) (any, error) {
	left, err := it.eval(n.X, e)
	if err != nil {
		return nil, err
	}
	// Short-circuit logical operators.
	if n.Op == token.LAND || n.Op == token.LOR {
		lb, err := toBool(left)
		if err != nil {
			return nil, err
		}
		if n.Op == token.LAND && !lb {
			return false, nil
		}
		if n.Op == token.LOR && lb {
			return true, nil
		}
		right, err := it.eval(n.Y, e)
		if err != nil {
			return nil, err
		}
		return toBool(right)
	}

	right, err := it.eval(n.Y, e)
	if err != nil {
		return nil, err
	}

	if n.Op == token.ADD {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, fmt.Errorf("cannot add string and %T", right)
			}
			return ls + rs, nil
		}
	}
	if n.Op == token.EQL {
		return valuesEqual(left, right), nil
	}
	if n.Op == token.NEQ {
		return !valuesEqual(left, right), nil
	}

	lf, err := toFloat(left)
	if err != nil {
		return nil, err
	}
	rf, err := toFloat(right)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.ADD:
		return lf + rf, nil
	case token.SUB:
		return lf - rf, nil
	case token.MUL:
		return lf * rf, nil
	case token.QUO:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case token.REM:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	case token.LSS:
		return lf < rf, nil
	case token.LEQ:
		return lf <= rf, nil
	case token.GTR:
		return lf > rf, nil
	case token.GEQ:
		return lf >= rf, nil
	default:
		return nil, fmt.Errorf("unsupported binary operator %v", n.Op)
	}
}

func valuesEqual(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func (it *interp) evalIndex(n *ast.IndexExpr, e *env) (any, error) {
	base, err := it.eval(n.X, e)
	if err != nil {
		return nil, err
	}
	key, err := it.eval(n.Index, e)
	if err != nil {
		return nil, err
	}
	return indexValue(base, key)
}

func indexValue(base, key any) (any, error) {
	switch b := base.(type) {
	case *corpus.View:
		idx, err := toInt(key)
		if err != nil {
			return nil, err
		}
		return b.Doc(idx)
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("map keys must be strings")
		}
		return b[k], nil
	case []any:
		idx, err := toInt(key)
		if err != nil {
			return nil, err
		}
		if idx < 0 || idx >= len(b) {
			return nil, fmt.Errorf("index %d out of range", idx)
		}
		return b[idx], nil
	case string:
		idx, err := toInt(key)
		if err != nil {
			return nil, err
		}
		runes := []rune(b)
		if idx < 0 || idx >= len(runes) {
			return nil, fmt.Errorf("index %d out of range", idx)
		}
		return string(runes[idx]), nil
	default:
		return nil, fmt.Errorf("value of type %T is not indexable", base)
	}
}

func (it *interp) evalSlice(n *ast.SliceExpr, e *env) (any, error) {
	base, err := it.eval(n.X, e)
	if err != nil {
		return nil, err
	}
	lo, hi := 0, -1
	if n.Low != nil {
		v, err := it.eval(n.Low, e)
		if err != nil {
			return nil, err
		}
		lo, err = toInt(v)
		if err != nil {
			return nil, err
		}
	}
	haveHi := n.High != nil
	if haveHi {
		v, err := it.eval(n.High, e)
		if err != nil {
			return nil, err
		}
		hi, err = toInt(v)
		if err != nil {
			return nil, err
		}
	}

	switch b := base.(type) {
	case *corpus.DocHandle:
		if !haveHi {
			hi = b.Len()
		}
		return b.Slice(it.ctx, lo, hi, "")
	case string:
		runes := []rune(b)
		if !haveHi {
			hi = len(runes)
		}
		lo, hi = clampRange(lo, hi, len(runes))
		return string(runes[lo:hi]), nil
	case []any:
		if !haveHi {
			hi = len(b)
		}
		lo, hi = clampRange(lo, hi, len(b))
		out := make([]any, hi-lo)
		copy(out, b[lo:hi])
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T is not sliceable", base)
	}
}

func clampRange(a, b, n int) (int, int) {
	if a < 0 {
		a = 0
	}
	if b > n {
		b = n
	}
	if a >= b {
		return 0, 0
	}
	return a, b
}

func (it *interp) evalSelector(n *ast.SelectorExpr, e *env) (any, error) {
	// Bare selector access (not a call) is only meaningful for reading a
	// map-shaped object's field by name; the interpreter otherwise treats
	// `x.y` syntax as a method-call target handled in evalCall.
	base, err := it.eval(n.X, e)
	if err != nil {
		return nil, err
	}
	if m, ok := base.(map[string]any); ok {
		return m[n.Sel.Name], nil
	}
	return nil, fmt.Errorf("cannot access field %q on value of type %T", n.Sel.Name, base)
}

func sortedStringKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asMetadata(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return s, nil
}
