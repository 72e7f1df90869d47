// Package dispatch implements the mode-selection policy and the dispatch
// state machine that routes a goal to an execution strategy.
package dispatch

import (
	"fmt"

	"reflex/internal/store"
)

// Mode is the chosen execution strategy for a goal. The vocabulary is
// closed: alternative selection policies reorder or re-threshold, they do
// not invent modes.
type Mode int

const (
	ModeFresh        Mode = iota // full reasoning, no trace
	ModeGuided                   // reasoning with a matched trace as hint
	ModeReplay                   // replay a trusted trace verbatim
	ModeCrystallized             // run the promoted deterministic routine
	ModeCoordinated              // decompose across delegate agents
)

func (m Mode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModeGuided:
		return "guided"
	case ModeReplay:
		return "replay"
	case ModeCrystallized:
		return "crystallized"
	case ModeCoordinated:
		return "coordinated"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses a mode name, for CLI overrides.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "fresh":
		return ModeFresh, nil
	case "guided":
		return ModeGuided, nil
	case "replay":
		return ModeReplay, nil
	case "crystallized":
		return ModeCrystallized, nil
	case "coordinated":
		return ModeCoordinated, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Decision is the transient output of mode selection. It is never persisted;
// it exists so the policy's choice is inspectable and testable.
type Decision struct {
	Mode       Mode
	Confidence float64
	Trace      *store.Trace // the matched trace, if one informed the decision
	Reasoning  string       // human-readable explanation for observability
}

// State tracks a dispatch through its lifecycle.
type State int

const (
	StateReceived State = iota
	StateMatched
	StateModeSelected
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateMatched:
		return "matched"
	case StateModeSelected:
		return "mode_selected"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
