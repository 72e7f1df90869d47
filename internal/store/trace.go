// Package store implements persistence for reflex traces.
// A trace is a recorded solution to a goal: once a goal has been solved by
// fresh reasoning, its step sequence can be replayed without reasoning again.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// DefaultConfidence is the prior assigned to a freshly created trace.
// Chosen so a new trace lands in the guided band rather than blind replay.
const DefaultConfidence = 0.75

// Confidence update deltas. Asymmetric: a bad replay costs far more than an
// unnecessary fresh run, so failures are penalized twice as hard.
const (
	ConfidenceReward  = 0.1
	ConfidencePenalty = 0.2
)

// ErrNotFound is returned when no trace exists for a goal key.
var ErrNotFound = errors.New("trace not found")

// PersistenceError wraps a failure of the underlying storage medium.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("trace store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Step is one recorded action in a trace. Steps are opaque to the decision
// engine and replayed verbatim by the executor.
type Step struct {
	Action string `json:"action"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// Trace is a recorded solution to a goal.
type Trace struct {
	ID                 string        `json:"id"`
	GoalText           string        `json:"goal_text"`
	GoalKey            string        `json:"goal_key"`
	Steps              []Step        `json:"steps"`
	Confidence         float64       `json:"confidence"`
	UsageCount         int           `json:"usage_count"`
	CostObserved       float64       `json:"cost_observed"`
	TimeObserved       time.Duration `json:"time_observed"`
	PromotedRoutineRef string        `json:"promoted_routine_ref,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	LastUsedAt         time.Time     `json:"last_used_at"`
}

// Promoted reports whether this trace has been crystallized into a routine.
func (t *Trace) Promoted() bool {
	return t.PromotedRoutineRef != ""
}

// NewTrace builds a trace for a goal solved by fresh reasoning, with the
// default confidence prior and a zero usage count.
func NewTrace(goalText string, steps []Step, cost float64, elapsed time.Duration) *Trace {
	now := time.Now().UTC()
	return &Trace{
		ID:           uuid.NewString(),
		GoalText:     goalText,
		GoalKey:      GoalKey(goalText),
		Steps:        steps,
		Confidence:   DefaultConfidence,
		CostObserved: cost,
		TimeObserved: elapsed,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
}

// GoalKey computes the deterministic fingerprint of a goal text. It is a
// pure function: same text, same key. Normalization collapses whitespace and
// case so trivially reformatted goals share a key.
func GoalKey(goalText string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(goalText)), " ")
	sum := blake3.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}
