package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"reflex/internal/logging"
)

// TraceStore provides durable CRUD over traces, keyed by goal_key.
//
// Architecture:
// - Backed by SQLite for durability
// - Thread-safe with a read-write mutex
// - Writes are single INSERT OR REPLACE statements, so a record is always
//   replaced whole, never partially overwritten
// - No automatic eviction: traces accumulate, storage is cheap relative to
//   the reasoning cost they save
type TraceStore struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	candidateCap int
}

// NewTraceStore opens (or creates) a trace database at the given path.
// candidateCap bounds ListCandidates to the most-recently-used N traces;
// values <= 0 fall back to 200.
func NewTraceStore(dbPath string, candidateCap int) (*TraceStore, error) {
	logging.StoreDebug("Initializing TraceStore at path: %s", dbPath)

	if candidateCap <= 0 {
		candidateCap = 200
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open trace db: %v", err)
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	ts := &TraceStore{
		db:           db,
		dbPath:       dbPath,
		candidateCap: candidateCap,
	}

	if err := ts.ensureSchema(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to ensure trace schema: %v", err)
		db.Close()
		return nil, &PersistenceError{Op: "schema", Err: err}
	}

	logging.Store("TraceStore initialized (candidate cap=%d)", candidateCap)
	return ts, nil
}

// ensureSchema creates the traces table if it doesn't exist.
func (ts *TraceStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS traces (
		goal_key TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		goal_text TEXT NOT NULL,
		steps TEXT NOT NULL,
		confidence REAL NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		cost_observed REAL NOT NULL DEFAULT 0,
		time_observed_ms INTEGER NOT NULL DEFAULT 0,
		promoted_routine_ref TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		last_used_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_traces_last_used ON traces(last_used_at);
	CREATE INDEX IF NOT EXISTS idx_traces_confidence ON traces(confidence);
	CREATE INDEX IF NOT EXISTS idx_traces_promoted ON traces(promoted_routine_ref);
	`

	_, err := ts.db.Exec(schema)
	return err
}

// Save writes a trace, overwriting any trace with the same goal_key.
// Last write wins for concurrent saves of the same key; the replace itself
// is a single statement so the record cannot be observed half-written.
func (ts *TraceStore) Save(trace *Trace) error {
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.Stop()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	logging.StoreDebug("Saving trace: key=%s goal=%q confidence=%.2f", trace.GoalKey, trace.GoalText, trace.Confidence)

	stepsJSON, err := json.Marshal(trace.Steps)
	if err != nil {
		return &PersistenceError{Op: "marshal steps", Err: err}
	}

	_, err = ts.db.Exec(`
		INSERT OR REPLACE INTO traces
		(goal_key, id, goal_text, steps, confidence, usage_count,
		 cost_observed, time_observed_ms, promoted_routine_ref, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.GoalKey, trace.ID, trace.GoalText, string(stepsJSON),
		trace.Confidence, trace.UsageCount, trace.CostObserved,
		trace.TimeObserved.Milliseconds(), trace.PromotedRoutineRef,
		trace.CreatedAt, trace.LastUsedAt,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save trace %s: %v", trace.GoalKey, err)
		return &PersistenceError{Op: "save", Err: err}
	}

	logging.StoreDebug("Trace saved: %s", trace.GoalKey)
	return nil
}

// FindExact computes the goal key and returns the trace with a matching key.
// Returns ErrNotFound on a miss.
func (ts *TraceStore) FindExact(goalText string) (*Trace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "FindExact")
	defer timer.Stop()

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	key := GoalKey(goalText)
	logging.StoreDebug("Exact lookup: key=%s", key)

	row := ts.db.QueryRow(`
		SELECT goal_key, id, goal_text, steps, confidence, usage_count,
		       cost_observed, time_observed_ms, promoted_routine_ref, created_at, last_used_at
		FROM traces
		WHERE goal_key = ?`, key)

	trace, err := scanTrace(row)
	if err == sql.ErrNoRows {
		logging.StoreDebug("Exact lookup miss: key=%s", key)
		return nil, ErrNotFound
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Exact lookup failed for %s: %v", key, err)
		return nil, &PersistenceError{Op: "find", Err: err}
	}

	logging.StoreDebug("Exact lookup hit: key=%s confidence=%.2f usage=%d", key, trace.Confidence, trace.UsageCount)
	return trace, nil
}

// Get returns the trace for a goal key. Returns ErrNotFound on a miss.
func (ts *TraceStore) Get(goalKey string) (*Trace, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	row := ts.db.QueryRow(`
		SELECT goal_key, id, goal_text, steps, confidence, usage_count,
		       cost_observed, time_observed_ms, promoted_routine_ref, created_at, last_used_at
		FROM traces
		WHERE goal_key = ?`, goalKey)

	trace, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	return trace, nil
}

// ListCandidates returns traces for similarity scoring, capped at the
// most-recently-used N (the cap passed at construction).
func (ts *TraceStore) ListCandidates() ([]*Trace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListCandidates")
	defer timer.Stop()

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	rows, err := ts.db.Query(`
		SELECT goal_key, id, goal_text, steps, confidence, usage_count,
		       cost_observed, time_observed_ms, promoted_routine_ref, created_at, last_used_at
		FROM traces
		ORDER BY last_used_at DESC
		LIMIT ?`, ts.candidateCap)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to list candidates: %v", err)
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			continue
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}

	logging.StoreDebug("Listed %d candidate traces", len(traces))
	return traces, nil
}

// ListPromotable returns every unpromoted trace that clears the usage and
// confidence bars. Unlike ListCandidates this is uncapped: a trace that aged
// out of the recency window stays eligible for crystallization.
func (ts *TraceStore) ListPromotable(minUsage int, minConfidence float64) ([]*Trace, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListPromotable")
	defer timer.Stop()

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	rows, err := ts.db.Query(`
		SELECT goal_key, id, goal_text, steps, confidence, usage_count,
		       cost_observed, time_observed_ms, promoted_routine_ref, created_at, last_used_at
		FROM traces
		WHERE promoted_routine_ref = '' AND usage_count >= ? AND confidence >= ?
		ORDER BY usage_count DESC`, minUsage, minConfidence)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to list promotable traces: %v", err)
		return nil, &PersistenceError{Op: "list promotable", Err: err}
	}
	defer rows.Close()

	var traces []*Trace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			continue
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list promotable", Err: err}
	}

	logging.StoreDebug("Listed %d promotable traces (min usage %d, min confidence %.2f)",
		len(traces), minUsage, minConfidence)
	return traces, nil
}

// UpdateConfidence applies the confidence rule to a trace: +0.1 on success
// (capped at 1.0), -0.2 on failure (floored at 0.0). The update is a single
// statement so repeated calls apply exactly one delta each.
func (ts *TraceStore) UpdateConfidence(goalKey string, success bool) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpdateConfidence")
	defer timer.Stop()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	var query string
	if success {
		query = `UPDATE traces SET confidence = MIN(1.0, confidence + ?) WHERE goal_key = ?`
	} else {
		query = `UPDATE traces SET confidence = MAX(0.0, confidence - ?) WHERE goal_key = ?`
	}

	delta := ConfidenceReward
	if !success {
		delta = ConfidencePenalty
	}

	result, err := ts.db.Exec(query, delta, goalKey)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update confidence for %s: %v", goalKey, err)
		return &PersistenceError{Op: "update confidence", Err: err}
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	logging.StoreDebug("Confidence updated: key=%s success=%v", goalKey, success)
	return nil
}

// RecordUse increments a trace's usage count, stamps last_used_at, and
// records the observed cost and latency of the run.
func (ts *TraceStore) RecordUse(goalKey string, cost float64, elapsed time.Duration) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	result, err := ts.db.Exec(`
		UPDATE traces
		SET usage_count = usage_count + 1,
		    cost_observed = ?,
		    time_observed_ms = ?,
		    last_used_at = ?
		WHERE goal_key = ?`,
		cost, elapsed.Milliseconds(), time.Now().UTC(), goalKey)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record use for %s: %v", goalKey, err)
		return &PersistenceError{Op: "record use", Err: err}
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	logging.StoreDebug("Use recorded: key=%s cost=%.3f elapsed=%v", goalKey, cost, elapsed)
	return nil
}

// MarkPromoted sets the promoted routine ref for a trace. Idempotent:
// re-marking with the same ref is a no-op.
func (ts *TraceStore) MarkPromoted(goalKey, routineRef string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	result, err := ts.db.Exec(`
		UPDATE traces SET promoted_routine_ref = ? WHERE goal_key = ?`,
		routineRef, goalKey)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to mark promoted %s: %v", goalKey, err)
		return &PersistenceError{Op: "mark promoted", Err: err}
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}

	logging.Store("Trace promoted: key=%s routine=%s", goalKey, routineRef)
	return nil
}

// Stats returns aggregate statistics about stored traces.
func (ts *TraceStore) Stats() (map[string]interface{}, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	stats := make(map[string]interface{})

	var total int64
	ts.db.QueryRow(`SELECT COUNT(*) FROM traces`).Scan(&total)
	stats["total_traces"] = total

	var promoted int64
	ts.db.QueryRow(`SELECT COUNT(*) FROM traces WHERE promoted_routine_ref != ''`).Scan(&promoted)
	stats["promoted_traces"] = promoted

	var avgConfidence float64
	ts.db.QueryRow(`SELECT AVG(confidence) FROM traces`).Scan(&avgConfidence)
	stats["avg_confidence"] = avgConfidence

	var totalUsage int64
	ts.db.QueryRow(`SELECT SUM(usage_count) FROM traces`).Scan(&totalUsage)
	stats["total_reuses"] = totalUsage

	var avgCost float64
	ts.db.QueryRow(`SELECT AVG(cost_observed) FROM traces WHERE cost_observed > 0`).Scan(&avgCost)
	stats["avg_cost_observed"] = avgCost

	return stats, nil
}

// Close closes the underlying database connection.
func (ts *TraceStore) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTrace scans one row into a Trace.
func scanTrace(row rowScanner) (*Trace, error) {
	var t Trace
	var stepsJSON string
	var timeObservedMs int64

	err := row.Scan(
		&t.GoalKey, &t.ID, &t.GoalText, &stepsJSON, &t.Confidence,
		&t.UsageCount, &t.CostObserved, &timeObservedMs,
		&t.PromotedRoutineRef, &t.CreatedAt, &t.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}

	t.TimeObserved = time.Duration(timeObservedMs) * time.Millisecond
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
			return nil, err
		}
	}

	return &t, nil
}
