// Package telemetry receives the decision record emitted by every dispatch.
// Sinks are fire-and-forget: a sink failure must never fail a dispatch, so
// nothing here returns an error to the caller.
package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"reflex/internal/logging"
)

// Record is one dispatch decision, in the shape external collectors consume.
type Record struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Mode       string    `json:"mode"`
	Confidence float64   `json:"confidence"`
	Cost       float64   `json:"cost"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Degraded   bool      `json:"degraded,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink consumes decision records.
type Sink interface {
	Emit(rec Record)
}

// NopSink discards records.
type NopSink struct{}

func (NopSink) Emit(Record) {}

// FileSink appends records as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	path string
}

// NewFileSink creates a JSONL sink at the given path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &FileSink{path: path}, nil
}

// Emit appends one record. Failures are logged and swallowed.
func (s *FileSink) Emit(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		logging.Get(logging.CategoryTelemetry).Error("Failed to marshal record: %v", err)
		return
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logging.Get(logging.CategoryTelemetry).Error("Failed to open sink file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		logging.Get(logging.CategoryTelemetry).Error("Failed to write record: %v", err)
		return
	}

	logging.TelemetryDebug("Emitted record %s (mode=%s success=%v)", rec.ID, rec.Mode, rec.Success)
}
