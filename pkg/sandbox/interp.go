package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/token"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rlm-rs/orchestrator/pkg/corpus"
)

// interp is a tree-walking evaluator over the Go-syntax subset astpolicy
// validates. It deliberately covers only the constructs step code needs:
// assignment (:=, =, including indexed lvalues), if/for, the
// arithmetic/comparison/logical operators, slicing and indexing over
// corpus values/strings/maps/slices, a small builtin set, and the
// tool/corpus/state object model. It is not a general-purpose language
// runtime — anything beyond this subset is an unresolved-identifier or
// unsupported-construct runtime error, captured the same way as any other
// uncaught step error.
type interp struct {
	ctx       context.Context
	corpus    *corpus.View
	tool      *toolAPI
	stdout    strings.Builder
	stdoutCap int

	stmtCount int
	stmtLimit int
}

// stopSignal unwinds statement execution when tool.YIELD/FINAL is called —
// the step's only way to terminate. It is not an error.
type stopSignal struct{}

func (stopSignal) Error() string { return "step terminated" }

type lineLimitError struct{}

func (lineLimitError) Error() string { return "statement budget exceeded" }

func (it *interp) tick() error {
	it.stmtCount++
	if it.stmtLimit > 0 && it.stmtCount > it.stmtLimit {
		return lineLimitError{}
	}
	// The step deadline is polled rather than checked every statement;
	// ctx.Err takes a lock and the interpreter has no other suspension
	// points besides corpus range reads.
	if it.stmtCount&63 == 0 {
		if err := it.ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// run executes the parsed step body against the given top-level scope.
func (it *interp) run(body *ast.BlockStmt, top *env) error {
	return it.execStmts(body.List, top)
}

func (it *interp) execStmts(stmts []ast.Stmt, e *env) error {
	for _, s := range stmts {
		if err := it.execStmt(s, e); err != nil {
			return err
		}
	}
	return nil
}

func (it *interp) execStmt(s ast.Stmt, e *env) error {
	if err := it.tick(); err != nil {
		return err
	}
	switch n := s.(type) {
	case *ast.ExprStmt:
		_, err := it.eval(n.X, e)
		return err

	case *ast.AssignStmt:
		return it.execAssign(n, e)

	case *ast.IfStmt:
		return it.execIf(n, e)

	case *ast.ForStmt:
		return it.execFor(n, e)

	case *ast.RangeStmt:
		return it.execRange(n, e)

	case *ast.BlockStmt:
		return it.execStmts(n.List, newEnv(e))

	case *ast.IncDecStmt:
		return it.execIncDec(n, e)

	case *ast.DeclStmt:
		return fmt.Errorf("var/const declarations are not supported; use :=")

	case *ast.BranchStmt:
		if n.Tok == token.BREAK {
			return breakSignal{}
		}
		if n.Tok == token.CONTINUE {
			return continueSignal{}
		}
		return fmt.Errorf("unsupported branch statement")

	case *ast.ReturnStmt:
		return fmt.Errorf("return is not supported inside a step; use tool.YIELD or tool.FINAL")

	default:
		return fmt.Errorf("unsupported statement type %T", s)
	}
}

type breakSignal struct{}

func (breakSignal) Error() string { return "break" }

type continueSignal struct{}

func (continueSignal) Error() string { return "continue" }

func (it *interp) execAssign(n *ast.AssignStmt, e *env) error {
	if len(n.Lhs) != len(n.Rhs) {
		return fmt.Errorf("multi-value assignment is not supported")
	}
	vals := make([]any, len(n.Rhs))
	for i, rhs := range n.Rhs {
		v, err := it.eval(rhs, e)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	for i, lhs := range n.Lhs {
		if err := it.assignOne(lhs, vals[i], n.Tok, e); err != nil {
			return err
		}
	}
	return nil
}

func (it *interp) assignOne(lhs ast.Expr, val any, tok token.Token, e *env) error {
	switch target := lhs.(type) {
	case *ast.Ident:
		if target.Name == "_" {
			return nil
		}
		if tok == token.DEFINE {
			e.define(target.Name, val)
			return nil
		}
		// Plain `=` on an unbound name defines it in the current scope, so
		// step code can write `x = ...` without a separate declaration form.
		if err := e.assign(target.Name, val); err != nil {
			e.define(target.Name, val)
		}
		return nil

	case *ast.IndexExpr:
		base, err := it.eval(target.X, e)
		if err != nil {
			return err
		}
		key, err := it.eval(target.Index, e)
		if err != nil {
			return err
		}
		return assignIndexed(base, key, val)

	default:
		return fmt.Errorf("unsupported assignment target %T", lhs)
	}
}

// assignIndexed mutates a map[string]any or []any in place. Maps/slices are
// always passed by reference in this interpreter's value model, so nested
// assignment (`state["work"]["big"] = x`) mutates the shared tree directly.
func assignIndexed(base, key, val any) error {
	switch m := base.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return fmt.Errorf("map keys must be strings")
		}
		m[k] = val
		return nil
	case []any:
		idx, err := toInt(key)
		if err != nil {
			return err
		}
		if idx < 0 || idx >= len(m) {
			return fmt.Errorf("index %d out of range", idx)
		}
		m[idx] = val
		return nil
	default:
		return fmt.Errorf("value of type %T is not indexable for assignment", base)
	}
}

func (it *interp) execIf(n *ast.IfStmt, e *env) error {
	scope := newEnv(e)
	if n.Init != nil {
		if err := it.execStmt(n.Init, scope); err != nil {
			return err
		}
	}
	cond, err := it.eval(n.Cond, scope)
	if err != nil {
		return err
	}
	truthy, err := toBool(cond)
	if err != nil {
		return err
	}
	if truthy {
		return it.execStmts(n.Body.List, newEnv(scope))
	}
	if n.Else != nil {
		return it.execStmt(n.Else, scope)
	}
	return nil
}

func (it *interp) execFor(n *ast.ForStmt, e *env) error {
	scope := newEnv(e)
	if n.Init != nil {
		if err := it.execStmt(n.Init, scope); err != nil {
			return err
		}
	}
	for {
		// Each iteration counts against the statement budget, so an empty
		// or tiny loop body still hits the limit and the step deadline.
		if err := it.tick(); err != nil {
			return err
		}
		if n.Cond != nil {
			cond, err := it.eval(n.Cond, scope)
			if err != nil {
				return err
			}
			truthy, err := toBool(cond)
			if err != nil {
				return err
			}
			if !truthy {
				return nil
			}
		}
		err := it.execStmts(n.Body.List, newEnv(scope))
		if _, ok := err.(breakSignal); ok {
			return nil
		}
		if _, ok := err.(continueSignal); !ok && err != nil {
			return err
		}
		if n.Post != nil {
			if err := it.execStmt(n.Post, scope); err != nil {
				return err
			}
		}
	}
}

func (it *interp) execRange(n *ast.RangeStmt, e *env) error {
	coll, err := it.eval(n.X, e)
	if err != nil {
		return err
	}
	scope := newEnv(e)
	bind := func(key, val any) error {
		if n.Key != nil {
			if err := it.assignOne(n.Key, key, n.Tok, scope); err != nil {
				return err
			}
		}
		if n.Value != nil {
			if err := it.assignOne(n.Value, val, n.Tok, scope); err != nil {
				return err
			}
		}
		return nil
	}
	runBody := func() (bool, error) {
		err := it.execStmts(n.Body.List, newEnv(scope))
		if _, ok := err.(breakSignal); ok {
			return true, nil
		}
		if _, ok := err.(continueSignal); ok {
			return false, nil
		}
		return false, err
	}

	switch c := coll.(type) {
	case []any:
		for i, v := range c {
			if err := bind(float64(i), v); err != nil {
				return err
			}
			stop, err := runBody()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := bind(k, c[k]); err != nil {
				return err
			}
			stop, err := runBody()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	case string:
		for i, r := range c {
			if err := bind(float64(i), string(r)); err != nil {
				return err
			}
			stop, err := runBody()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	default:
		return fmt.Errorf("value of type %T is not rangeable", coll)
	}
	return nil
}

func (it *interp) execIncDec(n *ast.IncDecStmt, e *env) error {
	ident, ok := n.X.(*ast.Ident)
	if !ok {
		return fmt.Errorf("++/-- only supported on simple variables")
	}
	v, ok := e.get(ident.Name)
	if !ok {
		return fmt.Errorf("undefined variable: %s", ident.Name)
	}
	f, err := toFloat(v)
	if err != nil {
		return err
	}
	if n.Tok == token.INC {
		f++
	} else {
		f--
	}
	return e.assign(ident.Name, f)
}

func toInt(v any) (int, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
}

func toStringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == math.Trunc(s) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return "None"
	default:
		return fmt.Sprintf("%v", s)
	}
}
