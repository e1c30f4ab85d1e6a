// Package template implements a minimal Jinja-like expression renderer:
// variable lookup ("a.b.c"), filters ("| date:\"...\"", "| title"),
// equality, membership ("in"), and boolean literals. Renderer errors are
// first-class (RenderError) and propagate as block failure.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/agentflow/internal/tagged"
)

// RenderError is returned for any templating failure: unknown variable,
// malformed expression, bad filter argument.
type RenderError struct {
	Expr string
	Msg  string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("template render error in %q: %s", e.Expr, e.Msg)
}

// exprPattern matches a single "{{ ... }}" interpolation.
var exprPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// RenderString interpolates every "{{ expr }}" occurrence in tmpl against
// ctx, returning the rendered prompt text. Used for AgentTask.Prompt.
func RenderString(tmpl string, ctx map[string]tagged.Value) (string, error) {
	var firstErr error
	out := exprPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		if firstErr != nil {
			return ""
		}
		inner := exprPattern.FindStringSubmatch(match)[1]
		v, err := Eval(inner, ctx)
		if err != nil {
			firstErr = err
			return ""
		}
		return v.String()
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// EvalCondition evaluates a standalone predicate expression (an
// AgentTask.Condition, a ConditionalBlock branch's Condition) and returns
// its truthiness. Expressions may optionally be wrapped in "{{ }}".
func EvalCondition(expr string, ctx map[string]tagged.Value) (bool, error) {
	trimmed := strings.TrimSpace(expr)
	if m := exprPattern.FindStringSubmatch(trimmed); len(m) == 2 && strings.TrimSpace(trimmed) == exprPattern.FindString(trimmed) {
		trimmed = m[1]
	}
	v, err := Eval(trimmed, ctx)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Eval evaluates a single expression (without surrounding "{{ }}") against
// ctx. Supported grammar:
//
//	literal            true | false | "string" | 123
//	lookup             a.b.c
//	filter             expr | name[:arg]
//	equality           expr == expr | expr != expr
//	membership         expr in expr
func Eval(expr string, ctx map[string]tagged.Value) (tagged.Value, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return tagged.Null(), &RenderError{Expr: expr, Msg: "empty expression"}
	}

	if lhs, rhs, ok := splitTop(expr, "=="); ok {
		l, err := Eval(lhs, ctx)
		if err != nil {
			return tagged.Null(), err
		}
		r, err := Eval(rhs, ctx)
		if err != nil {
			return tagged.Null(), err
		}
		return tagged.Bool(l.String() == r.String()), nil
	}
	if lhs, rhs, ok := splitTop(expr, "!="); ok {
		l, err := Eval(lhs, ctx)
		if err != nil {
			return tagged.Null(), err
		}
		r, err := Eval(rhs, ctx)
		if err != nil {
			return tagged.Null(), err
		}
		return tagged.Bool(l.String() != r.String()), nil
	}
	if lhs, rhs, ok := splitTop(expr, " in "); ok {
		needle, err := Eval(lhs, ctx)
		if err != nil {
			return tagged.Null(), err
		}
		haystack, err := Eval(rhs, ctx)
		if err != nil {
			return tagged.Null(), err
		}
		return tagged.Bool(contains(haystack, needle)), nil
	}

	if parts := splitFilters(expr); len(parts) > 1 {
		base, err := Eval(parts[0], ctx)
		if err != nil {
			return tagged.Null(), err
		}
		for _, f := range parts[1:] {
			base, err = applyFilter(base, f)
			if err != nil {
				return tagged.Null(), err
			}
		}
		return base, nil
	}

	return evalPrimary(expr, ctx)
}

func evalPrimary(expr string, ctx map[string]tagged.Value) (tagged.Value, error) {
	switch expr {
	case "true":
		return tagged.Bool(true), nil
	case "false":
		return tagged.Bool(false), nil
	case "null", "none":
		return tagged.Null(), nil
	}
	if len(expr) >= 2 && (expr[0] == '"' || expr[0] == '\'') && expr[len(expr)-1] == expr[0] {
		return tagged.String(expr[1 : len(expr)-1]), nil
	}
	if c := expr[0]; c == '-' || (c >= '0' && c <= '9') {
		if n, err := strconv.ParseFloat(expr, 64); err == nil {
			return tagged.Number(n), nil
		}
	}

	segments := strings.Split(expr, ".")
	root, ok := ctx[segments[0]]
	if !ok {
		return tagged.Null(), &RenderError{Expr: expr, Msg: fmt.Sprintf("unknown variable %q", segments[0])}
	}
	cur := root
	for i, seg := range segments[1:] {
		if obj, isObj := cur.AsObject(); isObj {
			if _, found := obj[seg]; !found {
				return tagged.Null(), &RenderError{Expr: expr, Msg: fmt.Sprintf("unknown variable %q", strings.Join(segments[:i+2], "."))}
			}
		}
		cur = cur.Field(seg)
	}
	return cur, nil
}

func contains(haystack, needle tagged.Value) bool {
	if arr, ok := haystack.AsArray(); ok {
		for _, e := range arr {
			if e.String() == needle.String() {
				return true
			}
		}
		return false
	}
	if s, ok := haystack.AsString(); ok {
		n, _ := needle.AsString()
		return strings.Contains(s, n)
	}
	return false
}

// splitTop splits expr on the first top-level occurrence of sep (not inside
// quotes), returning ok=false if sep is absent.
func splitTop(expr, sep string) (lhs, rhs string, ok bool) {
	inQuote := byte(0)
	for i := 0; i+len(sep) <= len(expr); i++ {
		c := expr[i]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			inQuote = c
			continue
		}
		if expr[i:i+len(sep)] == sep {
			return strings.TrimSpace(expr[:i]), strings.TrimSpace(expr[i+len(sep):]), true
		}
	}
	return "", "", false
}

// splitFilters splits "expr | filter1 | filter2" on top-level pipes.
func splitFilters(expr string) []string {
	var parts []string
	inQuote := byte(0)
	depth := 0
	last := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '|' && depth == 0:
			parts = append(parts, strings.TrimSpace(expr[last:i]))
			last = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(expr[last:]))
	return parts
}

// applyFilter applies a single "name" or "name:\"arg\"" filter to v.
func applyFilter(v tagged.Value, filter string) (tagged.Value, error) {
	name, arg, _ := strings.Cut(filter, ":")
	name = strings.TrimSpace(name)
	arg = strings.Trim(strings.TrimSpace(arg), `"'`)

	switch name {
	case "title":
		s, _ := v.AsString()
		return tagged.String(strings.Title(strings.ToLower(s))), nil //nolint:staticcheck // ASCII-only input
	case "upper":
		s, _ := v.AsString()
		return tagged.String(strings.ToUpper(s)), nil
	case "lower":
		s, _ := v.AsString()
		return tagged.String(strings.ToLower(s)), nil
	case "date":
		s, _ := v.AsString()
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return tagged.Null(), &RenderError{Expr: filter, Msg: fmt.Sprintf("invalid date %q: %s", s, err)}
		}
		layout := arg
		if layout == "" {
			layout = "2006-01-02"
		}
		return tagged.String(t.Format(goLayoutFromStrftime(layout))), nil
	default:
		return tagged.Null(), &RenderError{Expr: filter, Msg: fmt.Sprintf("unknown filter %q", name)}
	}
}

// goLayoutFromStrftime converts a small set of common strftime-style
// date-filter arguments into Go's reference-time layout.
func goLayoutFromStrftime(layout string) string {
	replacer := strings.NewReplacer(
		"%Y", "2006",
		"%m", "01",
		"%d", "02",
		"%H", "15",
		"%M", "04",
		"%S", "05",
	)
	if strings.Contains(layout, "%") {
		return replacer.Replace(layout)
	}
	return layout
}
