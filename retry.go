package weft

import "time"

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry:
//
//	weft.Backoff(500*time.Millisecond).Cap(30*time.Second).Policy()
type RetryBuilder struct {
	policy RetryPolicy
}

// Backoff creates a RetryBuilder with the given base delay. The delay
// before retry n is base * 2^(n-1), capped and jittered per the other
// builder methods.
func Backoff(base time.Duration) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{BaseDelay: base}}
}

// Cap bounds the grown delay. Zero means no cap.
func (r RetryBuilder) Cap(max time.Duration) RetryBuilder {
	p := r.policy
	p.MaxDelay = max
	return RetryBuilder{policy: p}
}

// Jitter sets the jitter fraction applied around each delay; 0.2 means
// the delay is drawn uniformly from ±20%.
func (r RetryBuilder) Jitter(fraction float64) RetryBuilder {
	p := r.policy
	p.Jitter = fraction
	return RetryBuilder{policy: p}
}

// NoJitter disables jitter entirely, making delays deterministic.
func (r RetryBuilder) NoJitter() RetryBuilder {
	p := r.policy
	p.Jitter = -1
	return RetryBuilder{policy: p}
}

// Policy returns the assembled RetryPolicy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
