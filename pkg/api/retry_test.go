package api

import (
	"testing"
	"time"
)

func TestNextDelay_ExponentialGrowth(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: -1}

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	}
	for i, w := range want {
		got := p.NextDelay(i + 1)
		if got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestNextDelay_Cap(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: -1}

	if got := p.NextDelay(10); got != 5*time.Second {
		t.Fatalf("expected cap at 5s, got %v", got)
	}
	// Very large attempt counts must not overflow past the cap.
	if got := p.NextDelay(64); got != 5*time.Second {
		t.Fatalf("expected cap at 5s for attempt 64, got %v", got)
	}
}

func TestNextDelay_JitterBounds(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}

	lo := time.Duration(float64(4*time.Second) * 0.8)
	hi := time.Duration(float64(4*time.Second) * 1.2)
	for i := 0; i < 200; i++ {
		got := p.NextDelay(3)
		if got < lo || got > hi {
			t.Fatalf("jittered delay %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestNextDelay_DefaultJitterApplied(t *testing.T) {
	// Jitter zero means the default ±20%, never lockstep.
	p := RetryPolicy{BaseDelay: 10 * time.Second}

	lo := time.Duration(float64(10*time.Second) * (1 - DefaultJitter))
	hi := time.Duration(float64(10*time.Second) * (1 + DefaultJitter))
	for i := 0; i < 100; i++ {
		got := p.NextDelay(1)
		if got < lo || got > hi {
			t.Fatalf("delay %v outside default jitter bounds [%v, %v]", got, lo, hi)
		}
	}
}

func TestNextDelay_ZeroBase(t *testing.T) {
	var p RetryPolicy
	if got := p.NextDelay(1); got != 0 {
		t.Fatalf("zero policy should yield zero delay, got %v", got)
	}
}
