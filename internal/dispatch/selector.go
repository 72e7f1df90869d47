package dispatch

import (
	"fmt"

	"reflex/internal/config"
	"reflex/internal/match"
)

// Selector maps a match result and goal shape onto an execution mode. It is
// a pure policy: no I/O, no budget awareness (budget gating is applied
// uniformly by the Dispatcher), swappable without touching the Dispatcher.
type Selector interface {
	Select(goal string, res *match.Result) Decision
	Name() string
}

// BalancedSelector is the default policy: cheapest strategy that is likely
// to succeed, evaluated in strict order.
type BalancedSelector struct {
	ReplayThreshold     float64
	GuidedThreshold     float64
	ComplexityThreshold int
}

// NewBalancedSelector builds the default policy from configuration.
func NewBalancedSelector(cfg config.SelectorConfig) *BalancedSelector {
	return &BalancedSelector{
		ReplayThreshold:     cfg.ReplayThreshold,
		GuidedThreshold:     cfg.GuidedThreshold,
		ComplexityThreshold: cfg.ComplexityThreshold,
	}
}

func (s *BalancedSelector) Name() string { return "balanced" }

func (s *BalancedSelector) Select(goal string, res *match.Result) Decision {
	if res.Matched() && res.Trace.Promoted() {
		return Decision{
			Mode:       ModeCrystallized,
			Confidence: res.Confidence,
			Trace:      res.Trace,
			Reasoning:  fmt.Sprintf("trace %s is crystallized into routine %s; running it costs nothing", res.Trace.GoalKey[:8], res.Trace.PromotedRoutineRef),
		}
	}

	if res.Matched() && res.Confidence >= s.ReplayThreshold {
		return Decision{
			Mode:       ModeReplay,
			Confidence: res.Confidence,
			Trace:      res.Trace,
			Reasoning:  fmt.Sprintf("%s-tier match at confidence %.2f >= %.2f; replaying recorded steps", res.Tier, res.Confidence, s.ReplayThreshold),
		}
	}

	if res.Matched() && res.Confidence >= s.GuidedThreshold {
		return Decision{
			Mode:       ModeGuided,
			Confidence: res.Confidence,
			Trace:      res.Trace,
			Reasoning:  fmt.Sprintf("%s-tier match at confidence %.2f in [%.2f, %.2f); reasoning with the trace as a hint", res.Tier, res.Confidence, s.GuidedThreshold, s.ReplayThreshold),
		}
	}

	if cues := CountStructuralCues(goal); cues > s.ComplexityThreshold {
		return Decision{
			Mode:      ModeCoordinated,
			Reasoning: fmt.Sprintf("no usable trace and %d structural cues > %d; decomposing across delegate agents", cues, s.ComplexityThreshold),
		}
	}

	reason := "no usable trace; full reasoning required"
	if res.Matched() {
		reason = fmt.Sprintf("best match confidence %.2f below guided threshold %.2f; full reasoning required", res.Confidence, s.GuidedThreshold)
	}
	return Decision{Mode: ModeFresh, Reasoning: reason}
}

// CostOptimizedSelector trusts traces earlier and never coordinates:
// coordination is the most expensive mode, so this policy trades success
// probability for spend.
type CostOptimizedSelector struct {
	ReplayThreshold float64
	GuidedThreshold float64
}

func NewCostOptimizedSelector() *CostOptimizedSelector {
	return &CostOptimizedSelector{ReplayThreshold: 0.85, GuidedThreshold: 0.6}
}

func (s *CostOptimizedSelector) Name() string { return "cost-optimized" }

func (s *CostOptimizedSelector) Select(goal string, res *match.Result) Decision {
	if res.Matched() && res.Trace.Promoted() {
		return Decision{
			Mode:       ModeCrystallized,
			Confidence: res.Confidence,
			Trace:      res.Trace,
			Reasoning:  "crystallized routine available",
		}
	}
	if res.Matched() && res.Confidence >= s.ReplayThreshold {
		return Decision{
			Mode:       ModeReplay,
			Confidence: res.Confidence,
			Trace:      res.Trace,
			Reasoning:  fmt.Sprintf("confidence %.2f >= %.2f under cost-optimized thresholds", res.Confidence, s.ReplayThreshold),
		}
	}
	if res.Matched() && res.Confidence >= s.GuidedThreshold {
		return Decision{
			Mode:       ModeGuided,
			Confidence: res.Confidence,
			Trace:      res.Trace,
			Reasoning:  fmt.Sprintf("confidence %.2f >= %.2f under cost-optimized thresholds", res.Confidence, s.GuidedThreshold),
		}
	}
	return Decision{Mode: ModeFresh, Reasoning: "cost-optimized policy never coordinates; falling through to fresh reasoning"}
}

// ForcedSelector always returns a fixed mode. For tests and operator
// overrides.
type ForcedSelector struct {
	Mode Mode
}

func (s *ForcedSelector) Name() string { return "forced:" + s.Mode.String() }

func (s *ForcedSelector) Select(goal string, res *match.Result) Decision {
	d := Decision{
		Mode:      s.Mode,
		Reasoning: fmt.Sprintf("mode %s forced by caller", s.Mode),
	}
	if res.Matched() {
		d.Trace = res.Trace
		d.Confidence = res.Confidence
	}
	return d
}
