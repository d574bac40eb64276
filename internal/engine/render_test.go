package engine

import (
	"reflect"
	"testing"
)

func TestRenderParams(t *testing.T) {
	input := map[string]any{"user_id": "u-1", "limit": 25}
	deps := map[string]map[string]any{
		"lookup": {"email": "ada@example.com", "score": 87, "tags": []any{"vip"}},
	}

	params := map[string]any{
		"whole_raw":   "{{steps.lookup.score}}",
		"whole_input": "{{input.limit}}",
		"embedded":    "user {{input.user_id}} scored {{steps.lookup.score}}",
		"spaced":      "{{ input.user_id }}",
		"missing":     "email: {{steps.lookup.phone}}",
		"untouched":   42,
		"nested": map[string]any{
			"to": "{{steps.lookup.email}}",
		},
		"list": []any{"{{input.user_id}}", "literal"},
	}

	got := renderParams(params, input, deps)

	// Whole-string placeholders keep the referenced value's type.
	if got["whole_raw"] != 87 {
		t.Fatalf("expected raw int 87, got %#v", got["whole_raw"])
	}
	if got["whole_input"] != 25 {
		t.Fatalf("expected raw int 25, got %#v", got["whole_input"])
	}

	if got["embedded"] != "user u-1 scored 87" {
		t.Fatalf("unexpected interpolation: %q", got["embedded"])
	}
	if got["spaced"] != "u-1" {
		t.Fatalf("whitespace inside placeholders should be tolerated, got %q", got["spaced"])
	}
	// Unresolvable references render as empty, never as the template.
	if got["missing"] != "email: " {
		t.Fatalf("unexpected missing-ref rendering: %q", got["missing"])
	}
	if got["untouched"] != 42 {
		t.Fatalf("non-string values must pass through, got %#v", got["untouched"])
	}

	nested := got["nested"].(map[string]any)
	if nested["to"] != "ada@example.com" {
		t.Fatalf("nested maps must render, got %#v", nested)
	}
	if !reflect.DeepEqual(got["list"], []any{"u-1", "literal"}) {
		t.Fatalf("lists must render, got %#v", got["list"])
	}
}

func TestRenderParams_WholeStringMissingRef(t *testing.T) {
	got := renderParams(map[string]any{"v": "{{steps.ghost.key}}"}, nil, nil)
	if got["v"] != nil {
		t.Fatalf("missing whole-string ref should be nil, got %#v", got["v"])
	}
}

func TestRenderParams_Nil(t *testing.T) {
	if renderParams(nil, map[string]any{"k": "v"}, nil) != nil {
		t.Fatalf("nil params must stay nil")
	}
}
