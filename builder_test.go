package weft

import (
	"testing"
	"time"
)

func TestDefinitionBuilder_Build(t *testing.T) {
	def, err := NewDefinition("order-flow").
		Step("reserve", "inventory", "reserve",
			WithParams(map[string]any{"sku": "{{input.sku}}"}),
			WithMaxAttempts(5),
			WithTimeout(10*time.Second)).
		Step("charge", "billing", "charge",
			WithOnFailure(OnFailureSkipDependents),
			WithRetry(Backoff(100*time.Millisecond).Cap(2*time.Second).Policy())).
		Step("ship", "logistics", "ship").
		DependsOn("reserve", "charge").
		DependsOn("charge", "ship").
		Build()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if def.ID != "order-flow" || len(def.Steps) != 3 || len(def.Edges) != 2 {
		t.Fatalf("unexpected definition shape: %+v", def)
	}

	reserve, _ := def.Step("reserve")
	if reserve.MaxAttempts != 5 || reserve.Timeout != 10*time.Second {
		t.Fatalf("step options not applied: %+v", reserve)
	}
	if reserve.Params["sku"] != "{{input.sku}}" {
		t.Fatalf("params not applied: %+v", reserve.Params)
	}

	charge, _ := def.Step("charge")
	if charge.OnFailure != OnFailureSkipDependents {
		t.Fatalf("onFailure not applied: %q", charge.OnFailure)
	}
	if charge.Retry == nil || charge.Retry.BaseDelay != 100*time.Millisecond || charge.Retry.MaxDelay != 2*time.Second {
		t.Fatalf("retry policy not applied: %+v", charge.Retry)
	}
}

func TestDefinitionBuilder_BuildRejectsInvalid(t *testing.T) {
	_, err := NewDefinition("bad").
		Step("a", "m", "x").
		Step("b", "m", "x").
		DependsOn("a", "b").
		DependsOn("b", "a"). // cycle
		Build()
	if err == nil {
		t.Fatalf("expected cycle to fail Build")
	}
}

func TestRetryBuilder(t *testing.T) {
	p := Backoff(time.Second).Cap(30 * time.Second).Jitter(0.1).Policy()
	if p.BaseDelay != time.Second || p.MaxDelay != 30*time.Second || p.Jitter != 0.1 {
		t.Fatalf("unexpected policy: %+v", p)
	}

	np := Backoff(time.Second).NoJitter().Policy()
	if np.Jitter >= 0 {
		t.Fatalf("NoJitter should disable jitter, got %v", np.Jitter)
	}
	// Deterministic without jitter.
	if np.NextDelay(2) != 2*time.Second {
		t.Fatalf("expected deterministic 2s, got %v", np.NextDelay(2))
	}
}
