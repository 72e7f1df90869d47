package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"reflex/internal/budget"
	"reflex/internal/config"
	"reflex/internal/logging"
	"reflex/internal/match"
	"reflex/internal/store"
	"reflex/internal/telemetry"
)

// Result is the observable outcome of one dispatch.
type Result struct {
	ID         string
	Goal       string
	Mode       Mode
	State      State
	Confidence float64
	Output     string
	Cost       float64 // amount debited from the ledger
	Duration   time.Duration
	Degraded   bool // matcher ran exact-tier only
	Reasoning  string
	Suggestion string // recovery hint, e.g. replay fallback after a broken routine

	modeSelected bool // false when the dispatch failed before mode selection
}

// Options wires a Dispatcher. Traces, Matcher, Selector, Ledger and
// Reasoner are required; Replayer and Sink default to the verbatim replayer
// and a no-op sink.
type Options struct {
	Traces      *store.TraceStore
	Matcher     *match.Matcher
	Selector    Selector
	Ledger      *budget.Ledger
	Reasoner    Reasoner
	Coordinator *Coordinator
	Runner      RoutineRunner
	Replayer    Replayer
	Sink        telemetry.Sink
	Costs       config.BudgetConfig
}

// Dispatcher drives a goal through match, mode selection, budget gating and
// execution. One Dispatch call is one logical request; concurrent calls may
// share the trace store and ledger, which serialize internally.
type Dispatcher struct {
	traces      *store.TraceStore
	matcher     *match.Matcher
	selector    Selector
	ledger      *budget.Ledger
	reasoner    Reasoner
	coordinator *Coordinator
	runner      RoutineRunner
	replayer    Replayer
	sink        telemetry.Sink
	costs       config.BudgetConfig
}

// NewDispatcher validates wiring and builds a dispatcher.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	switch {
	case opts.Traces == nil:
		return nil, fmt.Errorf("dispatcher requires a trace store")
	case opts.Matcher == nil:
		return nil, fmt.Errorf("dispatcher requires a matcher")
	case opts.Selector == nil:
		return nil, fmt.Errorf("dispatcher requires a selector")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("dispatcher requires a budget ledger")
	case opts.Reasoner == nil:
		return nil, fmt.Errorf("dispatcher requires a reasoner")
	}

	if opts.Replayer == nil {
		opts.Replayer = NewVerbatimReplayer()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.NopSink{}
	}

	return &Dispatcher{
		traces:      opts.Traces,
		matcher:     opts.Matcher,
		selector:    opts.Selector,
		ledger:      opts.Ledger,
		reasoner:    opts.Reasoner,
		coordinator: opts.Coordinator,
		runner:      opts.Runner,
		replayer:    opts.Replayer,
		sink:        opts.Sink,
		costs:       opts.Costs,
	}, nil
}

// Dispatch routes a goal through the selected policy.
func (d *Dispatcher) Dispatch(ctx context.Context, goal string) (*Result, error) {
	return d.dispatch(ctx, goal, nil)
}

// DispatchForced bypasses the selector and runs the given mode. Budget
// gating and trace side effects still apply.
func (d *Dispatcher) DispatchForced(ctx context.Context, goal string, mode Mode) (*Result, error) {
	return d.dispatch(ctx, goal, &mode)
}

func (d *Dispatcher) dispatch(ctx context.Context, goal string, forced *Mode) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryDispatch, "dispatch")
	defer timer.Stop()

	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("goal must not be empty")
	}

	result := &Result{
		ID:    ulid.Make().String(),
		Goal:  goal,
		State: StateReceived,
	}
	start := time.Now()

	// RECEIVED -> MATCHED
	res, err := d.matcher.BestMatch(ctx, goal)
	if err != nil {
		result.State = StateFailed
		d.emit(result)
		return result, err
	}
	result.State = StateMatched
	result.Degraded = res.Degraded

	// MATCHED -> MODE_SELECTED
	var decision Decision
	if forced != nil {
		decision = (&ForcedSelector{Mode: *forced}).Select(goal, res)
	} else {
		decision = d.selector.Select(goal, res)
	}
	result.Mode = decision.Mode
	result.Confidence = decision.Confidence
	result.Reasoning = decision.Reasoning
	result.State = StateModeSelected
	result.modeSelected = true
	logging.Dispatch("Selected %s for %q: %s", decision.Mode, goal, decision.Reasoning)

	// Budget gating is uniform here, never inside the selector. The debit
	// is the check: one atomic operation, so two concurrent dispatches
	// cannot both pass against a balance that covers only one.
	cost := d.estimatedCost(decision.Mode)
	if err := d.ledger.Check(cost); err != nil {
		downgraded, derr := d.downgrade(decision)
		if derr != nil {
			result.State = StateFailed
			d.emit(result)
			return result, derr
		}
		logging.Dispatch("Budget cannot cover %s (%.2f); downgraded to %s", decision.Mode, cost, downgraded.Mode)
		decision = downgraded
		result.Mode = decision.Mode
		result.Reasoning = decision.Reasoning
		cost = d.estimatedCost(decision.Mode)
	}
	if err := d.ledger.Debit(cost, fmt.Sprintf("%s: %s", decision.Mode, goal)); err != nil {
		result.State = StateFailed
		d.emit(result)
		return result, err
	}
	result.Cost = cost

	// MODE_SELECTED -> EXECUTING
	result.State = StateExecuting
	outcome, execErr := d.execute(ctx, goal, decision)
	result.Duration = time.Since(start)

	if execErr != nil || !outcome.Success {
		result.State = StateFailed
		if execErr == nil {
			execErr = outcome.Err
			if execErr == nil {
				execErr = fmt.Errorf("executor reported failure")
			}
		}
		failure := &ExecutorFailure{Mode: decision.Mode, Err: execErr}

		// The store must reflect reality even when the dispatch fails.
		if decision.Trace != nil {
			if uerr := d.traces.UpdateConfidence(decision.Trace.GoalKey, false); uerr != nil {
				logging.Get(logging.CategoryDispatch).Error("Failed to penalize trace %s: %v", decision.Trace.GoalKey, uerr)
			}
		}
		if decision.Mode == ModeCrystallized {
			// A broken generated routine must not mask a working trace.
			result.Suggestion = "crystallized routine failed; retry with mode=replay to use the recorded trace"
		}

		d.emit(result)
		return result, failure
	}

	// EXECUTING -> COMPLETED
	result.State = StateCompleted
	result.Output = outcome.Output

	if err := d.recordSuccess(goal, decision, outcome); err != nil {
		// The work itself succeeded; a persistence failure is still a
		// failed dispatch per the error contract.
		result.State = StateFailed
		d.emit(result)
		return result, err
	}

	d.emit(result)
	return result, nil
}

// execute invokes the executor for the chosen mode.
func (d *Dispatcher) execute(ctx context.Context, goal string, decision Decision) (*Outcome, error) {
	switch decision.Mode {
	case ModeCrystallized:
		if d.runner == nil {
			return nil, fmt.Errorf("no routine runner configured")
		}
		if decision.Trace == nil || !decision.Trace.Promoted() {
			return nil, fmt.Errorf("no crystallized routine recorded for this goal")
		}
		return d.runner.Run(ctx, decision.Trace.PromotedRoutineRef, goal)

	case ModeReplay:
		if decision.Trace == nil {
			return nil, fmt.Errorf("no recorded trace to replay for this goal")
		}
		return d.replayer.Replay(ctx, decision.Trace)

	case ModeGuided:
		guidance := decision.Trace
		if guidance != nil && guidance.Promoted() {
			// A crystallized trace never re-enters a reasoning path.
			guidance = nil
		}
		return d.reasoner.Reason(ctx, goal, guidance)

	case ModeCoordinated:
		if d.coordinator == nil {
			return d.reasoner.Reason(ctx, goal, nil)
		}
		return d.coordinator.Coordinate(ctx, goal)

	default:
		return d.reasoner.Reason(ctx, goal, nil)
	}
}

// recordSuccess applies trace side effects after a successful run.
func (d *Dispatcher) recordSuccess(goal string, decision Decision, outcome *Outcome) error {
	switch decision.Mode {
	case ModeFresh, ModeCoordinated:
		trace := store.NewTrace(goal, outcome.Steps, outcome.Cost, outcome.Duration)
		if err := d.traces.Save(trace); err != nil {
			return err
		}
		logging.Dispatch("Recorded new trace %s for %q", trace.GoalKey, goal)

	case ModeReplay, ModeGuided, ModeCrystallized:
		if decision.Trace == nil {
			// A forced guided run with no matched trace did a full
			// reasoning pass; record its outcome like a fresh one.
			trace := store.NewTrace(goal, outcome.Steps, outcome.Cost, outcome.Duration)
			if err := d.traces.Save(trace); err != nil {
				return err
			}
			logging.Dispatch("Recorded new trace %s for %q", trace.GoalKey, goal)
			return nil
		}
		key := decision.Trace.GoalKey
		if err := d.traces.UpdateConfidence(key, true); err != nil {
			return err
		}
		if err := d.traces.RecordUse(key, outcome.Cost, outcome.Duration); err != nil {
			return err
		}
	}
	return nil
}

// estimatedCost maps a mode to its pre-invocation cost estimate. Replay and
// crystallized runs are free by construction.
func (d *Dispatcher) estimatedCost(mode Mode) float64 {
	switch mode {
	case ModeFresh:
		return d.costs.FreshCost
	case ModeGuided:
		return d.costs.GuidedCost
	case ModeCoordinated:
		return d.costs.CoordinatedCost
	default:
		return 0
	}
}

// downgrade picks the cheapest viable mode when the selected one is not
// affordable. Replay needs a matched trace; reasoning modes need budget.
func (d *Dispatcher) downgrade(decision Decision) (Decision, error) {
	if decision.Trace != nil {
		reason := fmt.Sprintf("downgraded from %s: budget cannot cover it; replaying the matched trace at zero cost", decision.Mode)
		mode := ModeReplay
		if decision.Trace.Promoted() {
			mode = ModeCrystallized
			reason = fmt.Sprintf("downgraded from %s: budget cannot cover it; running the crystallized routine at zero cost", decision.Mode)
		}
		return Decision{
			Mode:       mode,
			Confidence: decision.Confidence,
			Trace:      decision.Trace,
			Reasoning:  reason,
		}, nil
	}

	// No trace to fall back on. Guided without a trace is meaningless, so
	// the only cheaper alternative is a fresh run.
	freshCost := d.estimatedCost(ModeFresh)
	if freshCost < d.estimatedCost(decision.Mode) && d.ledger.Check(freshCost) == nil {
		return Decision{
			Mode:      ModeFresh,
			Reasoning: fmt.Sprintf("downgraded from %s: budget covers a fresh run (%.2f) only", decision.Mode, freshCost),
		}, nil
	}

	return Decision{}, fmt.Errorf("%w: no viable mode for the remaining balance %.2f", budget.ErrInsufficientBudget, d.ledger.Balance())
}

// emit sends the decision record to the telemetry sink. Fire-and-forget: a
// panicking sink is contained here.
func (d *Dispatcher) emit(result *Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryTelemetry).Error("Telemetry sink panicked: %v", r)
		}
	}()

	// A dispatch that failed before mode selection has no mode; the zero
	// value would mislabel it as fresh.
	mode := ""
	if result.modeSelected {
		mode = result.Mode.String()
	}

	d.sink.Emit(telemetry.Record{
		ID:         result.ID,
		Goal:       result.Goal,
		Mode:       mode,
		Confidence: result.Confidence,
		Cost:       result.Cost,
		DurationMs: result.Duration.Milliseconds(),
		Success:    result.State == StateCompleted,
		Degraded:   result.Degraded,
		Reasoning:  result.Reasoning,
		Timestamp:  time.Now().UTC(),
	})
}
