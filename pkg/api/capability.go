package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Input is the rendered payload handed to a capability for one attempt.
type Input struct {
	RunID   string
	StepID  string
	Attempt int

	// Params is the step's input template with placeholders rendered.
	Params map[string]any

	// Dependencies maps each dependency step ID to its output payload.
	Dependencies map[string]map[string]any
}

// Output is the opaque result payload a capability returns on success.
type Output = map[string]any

// Capability is the callable contract a module implementation must
// satisfy. The engine treats every capability as an opaque, possibly
// slow, possibly flaky remote call: it must honor ctx cancellation and
// return promptly when signaled.
//
// Errors returned by a capability are classified via FailureKindOf.
// Anything not explicitly marked transient is permanent.
type Capability func(ctx context.Context, in Input) (Output, error)

// FailureKind classifies a capability failure.
type FailureKind string

const (
	// FailureTransient failures (network, timeout, rate limit) are
	// retried per the step's retry policy.
	FailureTransient FailureKind = "transient"

	// FailurePermanent failures are terminal for the step.
	FailurePermanent FailureKind = "permanent"

	// FailureInvalidInput marks a rejected input payload; terminal for
	// the step and never retried.
	FailureInvalidInput FailureKind = "invalid-input"
)

// Failure is a classified capability error.
type Failure struct {
	Kind    FailureKind
	Message string
	cause   error
}

func (f *Failure) Error() string {
	if f.Message != "" {
		return fmt.Sprintf("%s: %s", f.Kind, f.Message)
	}
	if f.cause != nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.cause.Error())
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.cause }

// Transientf builds a retry-eligible failure.
func Transientf(format string, args ...any) error {
	return &Failure{Kind: FailureTransient, Message: fmt.Sprintf(format, args...)}
}

// Permanentf builds a terminal failure.
func Permanentf(format string, args ...any) error {
	return &Failure{Kind: FailurePermanent, Message: fmt.Sprintf(format, args...)}
}

// InvalidInputf builds a terminal invalid-input failure.
func InvalidInputf(format string, args ...any) error {
	return &Failure{Kind: FailureInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// TransientErr wraps an existing error as retry-eligible.
func TransientErr(err error) error {
	return &Failure{Kind: FailureTransient, cause: err}
}

// PermanentErr wraps an existing error as terminal.
func PermanentErr(err error) error {
	return &Failure{Kind: FailurePermanent, cause: err}
}

// FailureKindOf classifies a capability error. A failure is transient
// only when the capability said so, or when the attempt hit its
// per-step deadline; everything else is permanent so logic errors are
// never silently retried.
func FailureKindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailurePermanent
}

// DedupStore is the narrow view of the run state store that module
// capabilities use to avoid duplicate external side effects across
// at-least-once invocations.
type DedupStore interface {
	// Seen reports whether the fingerprint was recorded within the
	// dedup retention window.
	Seen(ctx context.Context, fingerprint string) (bool, error)

	// Record stores the fingerprint, attributed to the given run/step.
	Record(ctx context.Context, fingerprint, runID, stepID string) error
}

// Fingerprint hashes the given parts into a stable dedup fingerprint.
func Fingerprint(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}

type dedupCtxKey struct{}

// WithDedup attaches a DedupStore to ctx. The engine does this before
// every capability invocation.
func WithDedup(ctx context.Context, store DedupStore) context.Context {
	return context.WithValue(ctx, dedupCtxKey{}, store)
}

// DedupFromContext returns the DedupStore attached by the engine, if any.
func DedupFromContext(ctx context.Context) (DedupStore, bool) {
	store, ok := ctx.Value(dedupCtxKey{}).(DedupStore)
	return store, ok
}
