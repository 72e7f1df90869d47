package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"reflex/internal/agent"
	"reflex/internal/logging"
	"reflex/internal/store"
)

// Outcome is what any executor returns: the recorded steps, the observed
// cost and latency, and whether the run succeeded.
type Outcome struct {
	Success  bool
	Steps    []store.Step
	Output   string
	Cost     float64
	Duration time.Duration
	Err      error // executor-reported failure detail, set when !Success
}

// ExecutorFailure wraps a failure reported by an execution backend.
type ExecutorFailure struct {
	Mode Mode
	Err  error
}

func (e *ExecutorFailure) Error() string {
	return fmt.Sprintf("%s executor failed: %v", e.Mode, e.Err)
}

func (e *ExecutorFailure) Unwrap() error { return e.Err }

// Reasoner is the external reasoning backend for fresh and guided runs.
// guidance is nil for fresh runs; a promoted trace is never passed as
// guidance.
type Reasoner interface {
	Reason(ctx context.Context, goal string, guidance *store.Trace) (*Outcome, error)
}

// RoutineRunner executes a crystallized routine by its registry ref.
type RoutineRunner interface {
	Run(ctx context.Context, ref string, goal string) (*Outcome, error)
}

// Replayer re-executes a trace's recorded steps verbatim.
type Replayer interface {
	Replay(ctx context.Context, trace *store.Trace) (*Outcome, error)
}

// VerbatimReplayer walks a trace's steps in order without invoking any
// reasoning. The step payloads are opaque here; actual side effects belong
// to the tool sandbox behind each action.
type VerbatimReplayer struct{}

func NewVerbatimReplayer() *VerbatimReplayer { return &VerbatimReplayer{} }

func (r *VerbatimReplayer) Replay(ctx context.Context, trace *store.Trace) (*Outcome, error) {
	start := time.Now()
	logging.DispatchDebug("Replaying %d steps for trace %s", len(trace.Steps), trace.GoalKey)

	var outputs []string
	for i, step := range trace.Steps {
		select {
		case <-ctx.Done():
			return &Outcome{
				Success:  false,
				Duration: time.Since(start),
				Err:      fmt.Errorf("replay interrupted at step %d: %w", i, ctx.Err()),
			}, nil
		default:
		}
		if step.Output != "" {
			outputs = append(outputs, step.Output)
		}
	}

	return &Outcome{
		Success:  true,
		Steps:    trace.Steps,
		Output:   strings.Join(outputs, "\n"),
		Cost:     0,
		Duration: time.Since(start),
	}, nil
}

// Coordinator decomposes a goal across delegate agents and merges the
// results. Delegates run concurrently; the first hard failure cancels the
// rest.
type Coordinator struct {
	reasoner Reasoner
	agents   *agent.Registry
}

// NewCoordinator builds a coordinator over the given delegate registry.
func NewCoordinator(reasoner Reasoner, agents *agent.Registry) *Coordinator {
	return &Coordinator{reasoner: reasoner, agents: agents}
}

// Coordinate fans the goal out to every registered delegate, framing each
// sub-request with the delegate's prompt, and concatenates the recorded
// steps in registry order so the merged trace is deterministic.
func (c *Coordinator) Coordinate(ctx context.Context, goal string) (*Outcome, error) {
	delegates := c.agents.All()
	if len(delegates) == 0 {
		// No delegates registered: a single fresh run is the honest fallback.
		logging.Dispatch("No delegate agents registered, coordinating as a single fresh run")
		return c.reasoner.Reason(ctx, goal, nil)
	}

	start := time.Now()
	logging.Dispatch("Coordinating %q across %d delegates", goal, len(delegates))

	outcomes := make([]*Outcome, len(delegates))
	g, gctx := errgroup.WithContext(ctx)

	for i, d := range delegates {
		i, d := i, d
		g.Go(func() error {
			subGoal := fmt.Sprintf("%s\n\nDelegate role: %s", goal, d.Prompt)
			out, err := c.reasoner.Reason(gctx, subGoal, nil)
			if err != nil {
				return fmt.Errorf("delegate %s: %w", d.Name, err)
			}
			if !out.Success {
				return fmt.Errorf("delegate %s reported failure: %v", d.Name, out.Err)
			}
			outcomes[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &Outcome{
			Success:  false,
			Duration: time.Since(start),
			Err:      err,
		}, nil
	}

	merged := &Outcome{Success: true, Duration: time.Since(start)}
	var outputs []string
	for i, out := range outcomes {
		merged.Cost += out.Cost
		merged.Steps = append(merged.Steps, store.Step{
			Action: "delegate",
			Input:  delegates[i].Name,
		})
		merged.Steps = append(merged.Steps, out.Steps...)
		if out.Output != "" {
			outputs = append(outputs, fmt.Sprintf("[%s] %s", delegates[i].Name, out.Output))
		}
	}
	merged.Output = strings.Join(outputs, "\n")

	return merged, nil
}
