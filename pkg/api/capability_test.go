package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFailureKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"transient", Transientf("rate limited"), FailureTransient},
		{"permanent", Permanentf("no such record"), FailurePermanent},
		{"invalid input", InvalidInputf("missing field %q", "email"), FailureInvalidInput},
		{"wrapped transient", fmt.Errorf("call failed: %w", TransientErr(errors.New("conn reset"))), FailureTransient},
		{"wrapped permanent", fmt.Errorf("call failed: %w", PermanentErr(errors.New("403"))), FailurePermanent},
		{"deadline", context.DeadlineExceeded, FailureTransient},
		{"wrapped deadline", fmt.Errorf("invoke: %w", context.DeadlineExceeded), FailureTransient},
		{"plain error defaults to permanent", errors.New("boom"), FailurePermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FailureKindOf(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestFailureUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := TransientErr(cause)
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped failure should unwrap to its cause")
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("send-email", "user-1", "welcome")
	b := Fingerprint("send-email", "user-1", "welcome")
	if a != b {
		t.Fatalf("fingerprint must be stable: %s != %s", a, b)
	}

	// Part boundaries matter: ("ab","c") and ("a","bc") are distinct.
	if Fingerprint("ab", "c") == Fingerprint("a", "bc") {
		t.Fatalf("fingerprint must separate parts")
	}
}

type fakeDedup struct{ seen map[string]bool }

func (f *fakeDedup) Seen(ctx context.Context, fp string) (bool, error) { return f.seen[fp], nil }
func (f *fakeDedup) Record(ctx context.Context, fp, runID, stepID string) error {
	f.seen[fp] = true
	return nil
}

func TestDedupContext(t *testing.T) {
	if _, ok := DedupFromContext(context.Background()); ok {
		t.Fatalf("bare context should carry no dedup store")
	}

	store := &fakeDedup{seen: make(map[string]bool)}
	ctx := WithDedup(context.Background(), store)

	got, ok := DedupFromContext(ctx)
	if !ok {
		t.Fatalf("expected dedup store in context")
	}
	if err := got.Record(ctx, "fp-1", "run-1", "step-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	seen, err := got.Seen(ctx, "fp-1")
	if err != nil || !seen {
		t.Fatalf("expected fp-1 to be seen, got %v %v", seen, err)
	}
}
