package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weftworks/weft/pkg/api"
)

// registerCoreModule installs the built-in "core" module. It exists so
// a fresh weftd can run useful workflows before any integration module
// is registered, and so smoke tests have something to call.
func registerCoreModule(eng api.Engine) error {
	caps := map[string]api.Capability{
		"noop":  coreNoop,
		"echo":  coreEcho,
		"log":   coreLog,
		"sleep": coreSleep,
	}
	for action, capFn := range caps {
		if err := eng.Register("core", action, capFn); err != nil {
			return err
		}
	}
	return nil
}

func coreNoop(ctx context.Context, in api.Input) (api.Output, error) {
	return nil, nil
}

// coreEcho returns its rendered params as the step output, making it
// handy for threading values between steps.
func coreEcho(ctx context.Context, in api.Input) (api.Output, error) {
	return in.Params, nil
}

func coreLog(ctx context.Context, in api.Input) (api.Output, error) {
	msg, _ := in.Params["message"].(string)
	slog.Info(msg, "run_id", in.RunID, "step", in.StepID)
	return nil, nil
}

// coreSleep waits for params.duration_ms, honoring cancellation.
func coreSleep(ctx context.Context, in api.Input) (api.Output, error) {
	ms, ok := asFloat(in.Params["duration_ms"])
	if !ok || ms < 0 {
		return nil, api.InvalidInputf("sleep requires a non-negative duration_ms, got %v", in.Params["duration_ms"])
	}
	d := time.Duration(ms) * time.Millisecond

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-timer.C:
		return api.Output{"slept_ms": ms}, nil
	}
}

// asFloat accepts the numeric types JSON decoding and Go literals
// produce for params.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
