package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Step params may reference the run input and dependency outputs with
// placeholders:
//
//	"{{input.customer_id}}"
//	"{{steps.lookup.email}}"
//
// A string that is exactly one placeholder is replaced by the raw
// referenced value (keeping its type); placeholders embedded in longer
// strings are interpolated as text. Unresolvable references render as
// an empty string so a capability sees a missing value, not a template.

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

func renderParams(params map[string]any, input map[string]any, deps map[string]map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, input, deps)
	}
	return out
}

func renderValue(v any, input map[string]any, deps map[string]map[string]any) any {
	switch val := v.(type) {
	case string:
		return renderString(val, input, deps)
	case map[string]any:
		return renderParams(val, input, deps)
	case []any:
		rendered := make([]any, len(val))
		for i, item := range val {
			rendered[i] = renderValue(item, input, deps)
		}
		return rendered
	default:
		return v
	}
}

func renderString(s string, input map[string]any, deps map[string]map[string]any) any {
	m := placeholderRe.FindStringSubmatch(s)
	if m != nil && m[0] == s {
		// Whole-string placeholder: substitute the raw value.
		v, _ := resolveRef(m[1], input, deps)
		return v
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(ph string) string {
		ref := placeholderRe.FindStringSubmatch(ph)[1]
		v, ok := resolveRef(ref, input, deps)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

func resolveRef(ref string, input map[string]any, deps map[string]map[string]any) (any, bool) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "input":
		return lookupPath(input, parts[1:])
	case "steps":
		if len(parts) < 2 {
			return nil, false
		}
		dep, ok := deps[parts[1]]
		if !ok {
			return nil, false
		}
		return lookupPath(dep, parts[2:])
	}
	return nil, false
}

func lookupPath(m map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return m, m != nil
	}
	var cur any = m
	for _, key := range path {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
