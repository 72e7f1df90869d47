package routine

import (
	"context"
	"fmt"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"reflex/internal/crystal"
	"reflex/internal/dispatch"
	"reflex/internal/logging"
	"reflex/internal/store"
)

// Runner executes routines in a yaegi interpreter. Interpreting instead of
// compiling means no go build hangs, no binary version skew, and a routine
// that fails to load fails only its own dispatch.
//
// Each run gets a fresh interpreter: routines cannot leak state into each
// other.
type Runner struct {
	registry *Registry
	timeout  time.Duration
}

// NewRunner builds a runner over a registry. timeout bounds a single
// routine execution; zero means no bound beyond the caller's context.
func NewRunner(registry *Registry, timeout time.Duration) *Runner {
	return &Runner{registry: registry, timeout: timeout}
}

// Run executes the routine registered under ref against the goal.
// Implements the dispatcher's crystallized executor.
func (r *Runner) Run(ctx context.Context, ref string, goal string) (*dispatch.Outcome, error) {
	rt, ok := r.registry.Get(ref)
	if !ok {
		return nil, fmt.Errorf("routine %s not loaded", ref)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	logging.Routine("Running %s for %q", ref, goal)

	run, err := r.load(rt)
	if err != nil {
		return nil, err
	}

	// The interpreter has no preemption point, so the call runs in its own
	// goroutine and the timeout abandons it.
	type callResult struct {
		output string
		err    error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- callResult{err: fmt.Errorf("routine %s panicked: %v", ref, rec)}
			}
		}()
		out, err := run(ctx, goal)
		resultCh <- callResult{output: out, err: err}
	}()

	select {
	case res := <-resultCh:
		elapsed := time.Since(start)
		if res.err != nil {
			logging.Get(logging.CategoryRoutine).Error("Routine %s failed: %v", ref, res.err)
			return &dispatch.Outcome{Success: false, Duration: elapsed, Err: res.err}, nil
		}
		logging.Routine("Routine %s completed in %s", ref, elapsed)
		return &dispatch.Outcome{
			Success:  true,
			Steps:    []store.Step{{Action: "routine", Input: goal, Output: res.output}},
			Output:   res.output,
			Duration: elapsed,
		}, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("routine %s timed out: %w", ref, ctx.Err())
	}
}

// load evaluates the routine source and resolves its entrypoint.
func (r *Runner) load(rt Routine) (func(context.Context, string) (string, error), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load interpreter stdlib: %w", err)
	}

	if _, err := i.Eval(rt.Source); err != nil {
		return nil, fmt.Errorf("routine %s failed to evaluate: %w", rt.Ref, err)
	}

	symbol := crystal.RoutinePackage + "." + crystal.RoutineEntrypoint
	v, err := i.Eval(symbol)
	if err != nil {
		return nil, fmt.Errorf("routine %s has no %s: %w", rt.Ref, symbol, err)
	}

	run, ok := v.Interface().(func(context.Context, string) (string, error))
	if !ok {
		return nil, fmt.Errorf("routine %s: %s has wrong signature (want func(context.Context, string) (string, error))", rt.Ref, symbol)
	}
	return run, nil
}
