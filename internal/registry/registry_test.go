package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/weftworks/weft/pkg/api"
)

func noop(ctx context.Context, in api.Input) (api.Output, error) { return nil, nil }

func TestRegisterAndResolve(t *testing.T) {
	r := New()

	if err := r.Register("crm", "get-contact", noop); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	capFn, err := r.Resolve("crm", "get-contact")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if capFn == nil {
		t.Fatalf("resolved capability is nil")
	}
}

func TestRegisterRejections(t *testing.T) {
	r := New()

	if err := r.Register("", "x", noop); err == nil {
		t.Fatalf("empty module should be rejected")
	}
	if err := r.Register("m", "", noop); err == nil {
		t.Fatalf("empty action should be rejected")
	}
	if err := r.Register("m", "x", nil); err == nil {
		t.Fatalf("nil capability should be rejected")
	}

	if err := r.Register("m", "x", noop); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := r.Register("m", "x", noop); err == nil {
		t.Fatalf("duplicate registration should be rejected")
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()

	_, err := r.Resolve("ghost", "action")
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("expected ErrCapabilityNotFound, got %v", err)
	}
}
