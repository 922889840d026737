// Package astpolicy implements the AST Policy: a static
// validator over a sandbox step's source that rejects disallowed
// constructs before the Sandbox Step Runtime ever executes them.
//
// A step's source is the body of a single function — the orchestrator
// wraps it as `package step\nfunc Step() { <code> }` before parsing with
// go/parser. Go's own grammar stands in for the model's scripting
// language: imports, dunder-prefixed selectors, banned identifiers, and
// any construct that escapes the wrapping function are all rejected
// before execution.
package astpolicy

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
)

// bannedIdentifiers is the banned name set: dynamic-eval primitives,
// file I/O, stdin, introspection, and OS/network names, rejected even when
// referenced purely as a name (never called).
var bannedIdentifiers = map[string]bool{
	"eval": true, "exec": true, "compile": true, "__import__": true,
	"open": true, "input": true, "stdin": true,
	"globals": true, "locals": true, "vars": true, "dir": true, "help": true,
	"os": true, "sys": true, "subprocess": true, "socket": true,
	"pathlib": true, "shutil": true, "urllib": true, "requests": true, "http": true,
}

// allowedBuiltins is the allow-list exposed to a validated step. AST Policy does not enforce this list directly
// — unresolved identifiers are a runtime binding error in pkg/sandbox — but
// it is kept here as the single source of truth both packages read from.
var AllowedBuiltins = map[string]bool{
	"len": true, "range": true, "enumerate": true, "zip": true, "map": true,
	"filter": true, "sorted": true, "reversed": true, "min": true, "max": true,
	"sum": true, "abs": true, "round": true, "isinstance": true, "print": true,
	"int": true, "float": true, "str": true, "bool": true, "list": true,
	"dict": true, "set": true, "tuple": true,
}

// Violation is one rejected construct found in a step's source.
type Violation struct {
	Rule    string
	Pos     token.Position
	Message string
}

// wrapSource brackets code in the function body the policy and the sandbox
// interpreter both parse against.
func wrapSource(code string) string {
	return "package step\n\nfunc Step() {\n" + code + "\n}\n"
}

// Check parses code and runs every static policy rule against it. A non-empty violation list means the step must be rejected with
// SANDBOX_AST_REJECTED; the caller (pkg/sandbox) never executes code that
// failed Check.
func Check(code string) ([]Violation, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "step.step", wrapSource(code), parser.ParseComments)
	if err != nil {
		return []Violation{{Rule: "parse_error", Message: err.Error()}}, nil
	}

	var violations []Violation
	record := func(rule string, pos token.Pos, msg string) {
		violations = append(violations, Violation{Rule: rule, Pos: fset.Position(pos), Message: msg})
	}

	checkScopeEscape(file, record)
	checkImports(file, record)

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.SelectorExpr:
			if strings.HasPrefix(node.Sel.Name, "__") {
				record("dunder_attribute", node.Pos(), fmt.Sprintf("attribute access %q is not allowed", node.Sel.Name))
			}
			if ident, ok := node.X.(*ast.Ident); ok && bannedIdentifiers[ident.Name] {
				record("banned_identifier", node.Pos(), fmt.Sprintf("identifier %q is not allowed", ident.Name))
			}
		case *ast.Ident:
			if bannedIdentifiers[node.Name] {
				record("banned_identifier", node.Pos(), fmt.Sprintf("identifier %q is not allowed", node.Name))
			}
		case *ast.GenDecl:
			if node.Tok == token.IMPORT {
				record("import", node.Pos(), "import declarations are not allowed")
			}
		}
		return true
	})

	return dedupe(violations), nil
}

// checkImports rejects any import spec reachable at all, belt-and-suspenders
// alongside the GenDecl walk above (parser.ParseFile attaches imports to
// file.Imports independently of where ast.Inspect happens to visit them).
func checkImports(file *ast.File, record func(rule string, pos token.Pos, msg string)) {
	for _, imp := range file.Imports {
		record("import", imp.Pos(), fmt.Sprintf("import %s is not allowed", imp.Path.Value))
	}
}

// checkScopeEscape rejects source that closes the wrapping Step function
// early and declares anything at package scope — the Go-syntax analogue of
// scope-escape rule. A validated step's file
// must contain exactly the implicit wrapping function and nothing else.
func checkScopeEscape(file *ast.File, record func(rule string, pos token.Pos, msg string)) {
	if len(file.Decls) != 1 {
		for _, d := range file.Decls[1:] {
			record("scope_escape", d.Pos(), "code may not declare anything outside the step body")
		}
		return
	}
	fn, ok := file.Decls[0].(*ast.FuncDecl)
	if !ok || fn.Name.Name != "Step" {
		record("scope_escape", file.Pos(), "step source must be a single statement block")
	}
}

func dedupe(in []Violation) []Violation {
	seen := map[string]bool{}
	out := make([]Violation, 0, len(in))
	for _, v := range in {
		key := fmt.Sprintf("%s|%d|%s", v.Rule, v.Pos.Offset, v.Message)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

// Reject builds the rlmerr.Error the orchestrator surfaces for a rejected
// step.
func Reject(violations []Violation) *rlmerr.Error {
	details := make(map[string]any, len(violations))
	for i, v := range violations {
		details[fmt.Sprintf("violation_%d", i)] = map[string]any{
			"rule":    v.Rule,
			"line":    v.Pos.Line,
			"message": v.Message,
		}
	}
	return rlmerr.New(rlmerr.CodeSandboxASTRejected, "step source rejected by AST policy").WithDetails(details)
}
