package sandbox

import (
	"fmt"
	"go/ast"

	"github.com/rlm-rs/orchestrator/pkg/corpus"
	"github.com/rlm-rs/orchestrator/pkg/models"
)

func (it *interp) evalArgs(args []ast.Expr, e *env) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := it.eval(a, e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (it *interp) evalCall(n *ast.CallExpr, e *env) (any, error) {
	if sel, ok := n.Fun.(*ast.SelectorExpr); ok {
		return it.evalMethodCall(sel, n.Args, e)
	}
	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("unsupported call target %T", n.Fun)
	}
	args, err := it.evalArgs(n.Args, e)
	if err != nil {
		return nil, err
	}
	return it.callBuiltin(ident.Name, args)
}

// evalMethodCall dispatches `x.method(args)` calls: the `tool` object, a
// *corpus.DocHandle, or a bare built-in accessed via a package-style name
// (none currently defined, reserved for future growth).
func (it *interp) evalMethodCall(sel *ast.SelectorExpr, argExprs []ast.Expr, e *env) (any, error) {
	recvIdent, isBareTool := sel.X.(*ast.Ident)
	if isBareTool && recvIdent.Name == "tool" {
		if _, bound := e.get("tool"); !bound {
			return nil, fmt.Errorf("tool is not available in this context")
		}
		args, err := it.evalArgs(argExprs, e)
		if err != nil {
			return nil, err
		}
		return it.callTool(sel.Sel.Name, args)
	}

	recv, err := it.eval(sel.X, e)
	if err != nil {
		return nil, err
	}
	args, err := it.evalArgs(argExprs, e)
	if err != nil {
		return nil, err
	}
	if doc, ok := recv.(*corpus.DocHandle); ok {
		return it.callDocMethod(doc, sel.Sel.Name, args)
	}
	return nil, fmt.Errorf("no method %q on value of type %T", sel.Sel.Name, recv)
}

func (it *interp) callTool(method string, args []any) (any, error) {
	switch method {
	case "queue_llm":
		if len(args) < 2 {
			return nil, fmt.Errorf("tool.queue_llm requires at least (key, prompt)")
		}
		key, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		prompt, err := asString(args[1])
		if err != nil {
			return nil, err
		}
		modelHint := ""
		maxTokens := 0
		temperature := 0.0
		var metadata map[string]any
		if len(args) > 2 {
			if s, ok := args[2].(string); ok {
				modelHint = s
			}
		}
		if len(args) > 3 {
			if f, err := toFloat(args[3]); err == nil {
				maxTokens = int(f)
			}
		}
		if len(args) > 4 {
			if f, err := toFloat(args[4]); err == nil {
				temperature = f
			}
		}
		if len(args) > 5 {
			metadata = asMetadata(args[5])
		}
		return nil, it.tool.queueLLM(key, prompt, modelHint, maxTokens, temperature, metadata)

	case "queue_search":
		if len(args) < 2 {
			return nil, fmt.Errorf("tool.queue_search requires at least (key, query)")
		}
		key, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		query, err := asString(args[1])
		if err != nil {
			return nil, err
		}
		k := 0
		var filters map[string]any
		if len(args) > 2 {
			if f, err := toFloat(args[2]); err == nil {
				k = int(f)
			}
		}
		if len(args) > 3 {
			filters = asMetadata(args[3])
		}
		return nil, it.tool.queueSearch(key, query, k, filters)

	case "YIELD":
		reason := ""
		if len(args) > 0 {
			reason = toStringValue(args[0])
		}
		it.tool.yield(reason)
		return nil, stopSignal{}

	case "FINAL":
		answer := ""
		if len(args) > 0 {
			answer = toStringValue(args[0])
		}
		it.tool.final(answer)
		return nil, stopSignal{}

	default:
		return nil, fmt.Errorf("unknown tool method %q", method)
	}
}

func (it *interp) callDocMethod(doc *corpus.DocHandle, method string, args []any) (any, error) {
	switch method {
	case "slice":
		a, b, tag, err := sliceArgs(args, doc.Len())
		if err != nil {
			return nil, err
		}
		return doc.Slice(it.ctx, a, b, tag)

	case "find":
		if len(args) < 1 {
			return nil, fmt.Errorf("doc.find requires a needle")
		}
		needle, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		start, end, maxHits, tag := scanArgs(args[1:], doc.Len())
		hits, err := doc.Find(it.ctx, needle, start, end, maxHits, tag)
		return hitsToValue(hits), err

	case "regex":
		if len(args) < 1 {
			return nil, fmt.Errorf("doc.regex requires a pattern")
		}
		pattern, err := asString(args[0])
		if err != nil {
			return nil, err
		}
		start, end, maxHits, tag := scanArgs(args[1:], doc.Len())
		hits, err := doc.Regex(it.ctx, pattern, start, end, maxHits, tag)
		return hitsToValue(hits), err

	case "sections":
		return sectionsToValue(doc.Sections()), nil

	case "page_spans":
		return pageSpansToValue(doc.PageSpans()), nil

	case "len":
		return float64(doc.Len()), nil

	default:
		return nil, fmt.Errorf("unknown document method %q", method)
	}
}

func sliceArgs(args []any, docLen int) (int, int, string, error) {
	a, b, tag := 0, docLen, ""
	if len(args) > 0 {
		f, err := toFloat(args[0])
		if err != nil {
			return 0, 0, "", err
		}
		a = int(f)
	}
	if len(args) > 1 {
		f, err := toFloat(args[1])
		if err != nil {
			return 0, 0, "", err
		}
		b = int(f)
	}
	if len(args) > 2 {
		if s, ok := args[2].(string); ok {
			tag = s
		}
	}
	return a, b, tag, nil
}

func scanArgs(rest []any, docLen int) (start, end, maxHits int, tag string) {
	start, end = 0, docLen
	if len(rest) > 0 {
		if f, err := toFloat(rest[0]); err == nil {
			start = int(f)
		}
	}
	if len(rest) > 1 {
		if f, err := toFloat(rest[1]); err == nil {
			end = int(f)
		}
	}
	if len(rest) > 2 {
		if f, err := toFloat(rest[2]); err == nil {
			maxHits = int(f)
		}
	}
	if len(rest) > 3 {
		if s, ok := rest[3].(string); ok {
			tag = s
		}
	}
	return start, end, maxHits, tag
}

func hitsToValue(hits []corpus.Hit) []any {
	out := make([]any, len(hits))
	for i, h := range hits {
		out[i] = map[string]any{"start": float64(h.Start), "end": float64(h.End)}
	}
	return out
}

func sectionsToValue(sections []models.SectionNode) []any {
	out := make([]any, len(sections))
	for i, s := range sections {
		out[i] = map[string]any{
			"title":    s.Title,
			"start":    float64(s.Start),
			"end":      float64(s.End),
			"children": sectionsToValue(s.Children),
		}
	}
	return out
}

func pageSpansToValue(spans []models.PageSpan) []any {
	out := make([]any, len(spans))
	for i, p := range spans {
		out[i] = map[string]any{"page": float64(p.Page), "start": float64(p.Start), "end": float64(p.End)}
	}
	return out
}
