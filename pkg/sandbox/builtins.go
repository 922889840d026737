package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rlm-rs/orchestrator/pkg/corpus"
)

// callBuiltin dispatches the allow-listed built-in names. Anything not listed
// here is an unresolved-identifier error at the call site, same as any
// other undefined name.
func (it *interp) callBuiltin(name string, args []any) (any, error) {
	switch name {
	case "len":
		return builtinLen(args)
	case "print":
		return nil, it.builtinPrint(args)
	case "range":
		return builtinRange(args)
	case "sorted":
		return builtinSorted(args)
	case "reversed":
		return builtinReversed(args)
	case "min":
		return builtinMinMax(args, true)
	case "max":
		return builtinMinMax(args, false)
	case "sum":
		return builtinSum(args)
	case "abs":
		return builtinAbs(args)
	case "round":
		return builtinRound(args)
	case "int":
		return builtinInt(args)
	case "float":
		return builtinFloat(args)
	case "str":
		return builtinStr(args)
	case "bool":
		return builtinBoolCast(args)
	case "list":
		return builtinList(args)
	case "dict":
		return builtinDict(args)
	case "set":
		return builtinSet(args)
	case "enumerate":
		return builtinEnumerate(args)
	case "isinstance":
		return builtinIsinstance(args)
	case "tuple":
		return builtinList(args)
	case "zip":
		return builtinZip(args)
	case "map":
		return it.builtinMapFilter(args, true)
	case "filter":
		return it.builtinMapFilter(args, false)
	default:
		return nil, fmt.Errorf("call to undefined function %q", name)
	}
}

func builtinZip(args []any) (any, error) {
	lists := make([][]any, len(args))
	shortest := -1
	for i, a := range args {
		l, ok := a.([]any)
		if !ok {
			return nil, fmt.Errorf("zip() arguments must be lists, got %T", a)
		}
		lists[i] = l
		if shortest < 0 || len(l) < shortest {
			shortest = len(l)
		}
	}
	if shortest < 0 {
		shortest = 0
	}
	out := make([]any, shortest)
	for i := 0; i < shortest; i++ {
		pair := make([]any, len(lists))
		for j, l := range lists {
			pair[j] = l[i]
		}
		out[i] = pair
	}
	return out, nil
}

// builtinMapFilter applies a referenced built-in (e.g. map(str, xs)) over a
// list. The function argument must be one of the allow-listed built-ins;
// there are no user-defined functions in a step.
func (it *interp) builtinMapFilter(args []any, isMap bool) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("map()/filter() take exactly (function, list)")
	}
	fn, ok := args[0].(builtinMarker)
	if !ok {
		return nil, fmt.Errorf("map()/filter() require a built-in function, got %T", args[0])
	}
	list, ok := args[1].([]any)
	if !ok {
		return nil, fmt.Errorf("map()/filter() require a list, got %T", args[1])
	}
	var out []any
	for _, v := range list {
		r, err := it.callBuiltin(string(fn), []any{v})
		if err != nil {
			return nil, err
		}
		if isMap {
			out = append(out, r)
		} else {
			keep, err := toBool(r)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

func builtinLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case string:
		return float64(len([]rune(v))), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case *corpus.View:
		return float64(v.Len()), nil
	case *corpus.DocHandle:
		return float64(v.Len()), nil
	default:
		return nil, fmt.Errorf("object of type %T has no len()", v)
	}
}

func (it *interp) builtinPrint(args []any) error {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = toStringValue(a)
	}
	line := strings.Join(parts, " ") + "\n"
	if it.stdoutCap > 0 && it.stdout.Len() >= it.stdoutCap {
		return nil
	}
	it.stdout.WriteString(line)
	return nil
}

func builtinRange(args []any) (any, error) {
	start, stop, step := 0, 0, 1
	switch len(args) {
	case 1:
		n, err := toInt(args[0])
		if err != nil {
			return nil, err
		}
		stop = n
	case 2:
		a, err := toInt(args[0])
		if err != nil {
			return nil, err
		}
		b, err := toInt(args[1])
		if err != nil {
			return nil, err
		}
		start, stop = a, b
	case 3:
		a, err := toInt(args[0])
		if err != nil {
			return nil, err
		}
		b, err := toInt(args[1])
		if err != nil {
			return nil, err
		}
		c, err := toInt(args[2])
		if err != nil {
			return nil, err
		}
		if c == 0 {
			return nil, fmt.Errorf("range() step argument must not be zero")
		}
		start, stop, step = a, b, c
	default:
		return nil, fmt.Errorf("range() expects 1 to 3 arguments")
	}
	var out []any
	if step > 0 {
		for i := start; i < stop; i += step {
			out = append(out, float64(i))
		}
	} else {
		for i := start; i > stop; i += step {
			out = append(out, float64(i))
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func asSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case string:
		runes := []rune(s)
		out := make([]any, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list or string, got %T", v)
	}
}

func builtinSorted(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sorted() takes exactly one argument")
	}
	items, err := asSlice(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	copy(out, items)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		less, err := lessThan(out[i], out[j])
		if err != nil {
			sortErr = err
		}
		return less
	})
	return out, sortErr
}

func lessThan(a, b any) (bool, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare string and %T", b)
		}
		return as < bs, nil
	}
	af, err := toFloat(a)
	if err != nil {
		return false, err
	}
	bf, err := toFloat(b)
	if err != nil {
		return false, err
	}
	return af < bf, nil
}

func builtinReversed(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("reversed() takes exactly one argument")
	}
	items, err := asSlice(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, v := range items {
		out[len(items)-1-i] = v
	}
	return out, nil
}

func builtinMinMax(args []any, wantMin bool) (any, error) {
	var items []any
	if len(args) == 1 {
		s, err := asSlice(args[0])
		if err != nil {
			return nil, err
		}
		items = s
	} else {
		items = args
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("min()/max() arg is an empty sequence")
	}
	best := items[0]
	for _, v := range items[1:] {
		less, err := lessThan(v, best)
		if err != nil {
			return nil, err
		}
		if (wantMin && less) || (!wantMin && !less) {
			best = v
		}
	}
	return best, nil
}

func builtinSum(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("sum() takes 1 or 2 arguments")
	}
	items, err := asSlice(args[0])
	if err != nil {
		return nil, err
	}
	total := 0.0
	if len(args) == 2 {
		f, err := toFloat(args[1])
		if err != nil {
			return nil, err
		}
		total = f
	}
	for _, v := range items {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		total += f
	}
	return total, nil
}

func builtinAbs(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("abs() takes exactly one argument")
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	if f < 0 {
		return -f, nil
	}
	return f, nil
}

func builtinRound(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("round() takes 1 or 2 arguments")
	}
	f, err := toFloat(args[0])
	if err != nil {
		return nil, err
	}
	ndigits := 0
	if len(args) == 2 {
		n, err := toInt(args[1])
		if err != nil {
			return nil, err
		}
		ndigits = n
	}
	mult := 1.0
	for i := 0; i < ndigits; i++ {
		mult *= 10
	}
	rounded := float64(int64(f*mult+sign(f)*0.5)) / mult
	return rounded, nil
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}

func builtinInt(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("int() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal for int(): %q", v)
		}
		return float64(int64(f)), nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return float64(int64(f)), nil
	}
}

func builtinFloat(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("float() takes exactly one argument")
	}
	if s, ok := args[0].(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert string to float: %q", s)
		}
		return f, nil
	}
	return toFloat(args[0])
}

func builtinStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("str() takes exactly one argument")
	}
	return toStringValue(args[0]), nil
}

func builtinBoolCast(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("bool() takes exactly one argument")
	}
	switch v := args[0].(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	case []any:
		return len(v) > 0, nil
	case map[string]any:
		return len(v) > 0, nil
	default:
		return true, nil
	}
}

func builtinList(args []any) (any, error) {
	if len(args) == 0 {
		return []any{}, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("list() takes 0 or 1 arguments")
	}
	items, err := asSlice(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	copy(out, items)
	return out, nil
}

func builtinDict(args []any) (any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("dict() takes 0 or 1 arguments")
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dict() argument must be a map")
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

func builtinSet(args []any) (any, error) {
	if len(args) == 0 {
		return []any{}, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("set() takes 0 or 1 arguments")
	}
	items, err := asSlice(args[0])
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []any
	for _, v := range items {
		k := toStringValue(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func builtinEnumerate(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("enumerate() takes exactly one argument")
	}
	items, err := asSlice(args[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, v := range items {
		out[i] = []any{float64(i), v}
	}
	return out, nil
}

func builtinIsinstance(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("isinstance() takes exactly two arguments")
	}
	typeName, ok := args[1].(string)
	if !ok {
		if bm, ok := args[1].(builtinMarker); ok {
			typeName = string(bm)
		} else {
			return nil, fmt.Errorf("isinstance() second argument must be a type name")
		}
	}
	switch args[0].(type) {
	case float64:
		return typeName == "int" || typeName == "float", nil
	case string:
		return typeName == "str", nil
	case bool:
		return typeName == "bool", nil
	case []any:
		return typeName == "list", nil
	case map[string]any:
		return typeName == "dict", nil
	case nil:
		return false, nil
	default:
		return false, nil
	}
}
