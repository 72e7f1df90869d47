// Package budget implements the spend ledger that gates expensive execution
// modes. The ledger holds a single mutable balance plus an append-only spend
// log, persisted as JSON in the workspace data directory.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"reflex/internal/logging"
)

// ErrInsufficientBudget is returned when a pre-check or debit would drive
// the balance negative. Recoverable by downgrading mode or adding credit.
var ErrInsufficientBudget = errors.New("insufficient budget")

// Entry is one append-only spend log record.
type Entry struct {
	ID        string    `json:"id"` // ULID: lexically sortable by time
	Amount    float64   `json:"amount"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ledgerData is the on-disk shape.
type ledgerData struct {
	Version  string  `json:"version"`
	Balance  float64 `json:"balance"`
	SpendLog []Entry `json:"spend_log"`
}

// Ledger tracks spend against a cap. The check-then-debit sequence is atomic
// per operation: two concurrent debits cannot both pass a check against a
// balance that covers only one of them.
type Ledger struct {
	mu       sync.Mutex
	data     ledgerData
	filePath string
	entropy  *rand.Rand
}

// NewLedger opens (or creates) a ledger at the given path. A missing file
// starts the ledger at initialBalance; an existing file wins over it.
func NewLedger(filePath string, initialBalance float64) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	l := &Ledger{
		filePath: filePath,
		data: ledgerData{
			Version: "1.0",
			Balance: initialBalance,
		},
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := l.load(); err != nil {
		logging.Get(logging.CategoryBudget).Error("Failed to load ledger, starting fresh: %v", err)
	}

	logging.Budget("Ledger ready: balance=%.2f entries=%d", l.data.Balance, len(l.data.SpendLog))
	return l, nil
}

// load reads ledger state from disk. Missing file is not an error.
func (l *Ledger) load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var loaded ledgerData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	l.data = loaded
	return nil
}

// saveLocked persists ledger state. Write-to-temp-then-rename so a crash
// mid-write never leaves a truncated ledger.
func (l *Ledger) saveLocked() error {
	data, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := l.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, l.filePath)
}

// Balance returns the current balance.
func (l *Ledger) Balance() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.Balance
}

// Check reports whether the balance covers an estimated cost. Purely
// advisory; Debit re-checks under the same lock it debits with.
func (l *Ledger) Check(estimatedCost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.data.Balance < estimatedCost {
		logging.BudgetDebug("Check failed: balance=%.2f < cost=%.2f", l.data.Balance, estimatedCost)
		return fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientBudget, l.data.Balance, estimatedCost)
	}
	return nil
}

// Debit atomically checks and deducts an amount, appending a spend log
// entry. The balance never goes negative: an uncovered debit fails whole.
// A zero amount is accepted and logged (zero-cost modes leave an audit
// trail without moving the balance).
func (l *Ledger) Debit(amount float64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %.2f", amount)
	}
	if l.data.Balance < amount {
		logging.Budget("Debit refused: balance=%.2f < amount=%.2f reason=%s", l.data.Balance, amount, reason)
		return fmt.Errorf("%w: balance %.2f, need %.2f", ErrInsufficientBudget, l.data.Balance, amount)
	}

	l.data.Balance -= amount
	l.data.SpendLog = append(l.data.SpendLog, Entry{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String(),
		Amount:    amount,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	if err := l.saveLocked(); err != nil {
		logging.Get(logging.CategoryBudget).Error("Failed to persist ledger after debit: %v", err)
		return err
	}

	logging.BudgetDebug("Debited %.2f (%s), balance now %.2f", amount, reason, l.data.Balance)
	return nil
}

// Credit adds to the balance (budget top-up). Recorded in the spend log
// with a negative amount so the log remains a complete history.
func (l *Ledger) Credit(amount float64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %.2f", amount)
	}

	l.data.Balance += amount
	l.data.SpendLog = append(l.data.SpendLog, Entry{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy).String(),
		Amount:    -amount,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})

	if err := l.saveLocked(); err != nil {
		return err
	}

	logging.Budget("Credited %.2f (%s), balance now %.2f", amount, reason, l.data.Balance)
	return nil
}

// SpendLog returns a copy of the spend log, oldest first.
func (l *Ledger) SpendLog() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, len(l.data.SpendLog))
	copy(out, l.data.SpendLog)
	return out
}
