package api

import (
	"math/rand"
	"time"
)

// DefaultJitter is the relative jitter applied to retry delays unless a
// policy overrides it.
const DefaultJitter = 0.2

// RetryPolicy computes the delay before re-dispatching a step after a
// transient failure. Delays grow exponentially from BaseDelay, are
// capped at MaxDelay, and carry relative jitter so many steps failing
// at once do not retry in lockstep.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Jitter is the relative jitter (0.2 = ±20%). Negative disables
	// jitter; zero means DefaultJitter.
	Jitter float64
}

// NextDelay returns the delay to wait after the given failed attempt
// (1-based): BaseDelay * 2^(attempt-1), capped, jittered.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitter := p.Jitter
	if jitter == 0 {
		jitter = DefaultJitter
	}
	if jitter > 0 {
		// Uniform in [delay*(1-j), delay*(1+j)].
		span := float64(delay) * jitter
		delay = time.Duration(float64(delay) - span + rand.Float64()*2*span)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
