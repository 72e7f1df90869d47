package budget

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLedger(t *testing.T, balance float64) *Ledger {
	t.Helper()
	l, err := NewLedger(filepath.Join(t.TempDir(), "budget.json"), balance)
	if err != nil {
		t.Fatalf("Failed to create ledger: %v", err)
	}
	return l
}

func TestDebitReducesBalance(t *testing.T) {
	l := newTestLedger(t, 10.0)

	if err := l.Debit(0.5, "fresh: goal X"); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if got := l.Balance(); got != 9.5 {
		t.Errorf("Expected balance 9.5, got %f", got)
	}

	log := l.SpendLog()
	if len(log) != 1 {
		t.Fatalf("Expected 1 spend entry, got %d", len(log))
	}
	if log[0].Amount != 0.5 || log[0].Reason != "fresh: goal X" {
		t.Errorf("Unexpected entry: %+v", log[0])
	}
	if log[0].ID == "" {
		t.Error("Expected a ULID on the entry")
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	l := newTestLedger(t, 1.0)

	err := l.Debit(1.5, "too expensive")
	if !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("Expected ErrInsufficientBudget, got %v", err)
	}
	if got := l.Balance(); got != 1.0 {
		t.Errorf("Failed debit must not touch balance, got %f", got)
	}
	if len(l.SpendLog()) != 0 {
		t.Error("Failed debit must not append to spend log")
	}
}

func TestZeroCostDebit(t *testing.T) {
	l := newTestLedger(t, 0.0)

	// Zero-cost modes must work with an empty balance.
	if err := l.Debit(0, "replay: goal Y"); err != nil {
		t.Fatalf("Zero debit should succeed: %v", err)
	}
	if got := l.Balance(); got != 0.0 {
		t.Errorf("Expected balance unchanged at 0, got %f", got)
	}
	if len(l.SpendLog()) != 1 {
		t.Error("Zero-cost debit should still leave an audit entry")
	}
}

func TestCheckAdvisory(t *testing.T) {
	l := newTestLedger(t, 2.0)

	if err := l.Check(1.5); err != nil {
		t.Errorf("Check should pass: %v", err)
	}
	if err := l.Check(2.5); !errors.Is(err, ErrInsufficientBudget) {
		t.Errorf("Expected ErrInsufficientBudget, got %v", err)
	}
}

func TestCredit(t *testing.T) {
	l := newTestLedger(t, 1.0)

	if err := l.Credit(4.0, "top-up"); err != nil {
		t.Fatal(err)
	}
	if got := l.Balance(); got != 5.0 {
		t.Errorf("Expected balance 5.0, got %f", got)
	}

	if err := l.Credit(-1, "bad"); err == nil {
		t.Error("Negative credit must be rejected")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.json")

	l, err := NewLedger(path, 10.0)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Debit(3.0, "spend"); err != nil {
		t.Fatal(err)
	}

	// Reopen: persisted state wins over the initial balance argument.
	reopened, err := NewLedger(path, 99.0)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Balance(); got != 7.0 {
		t.Errorf("Expected persisted balance 7.0, got %f", got)
	}
	if len(reopened.SpendLog()) != 1 {
		t.Errorf("Expected persisted spend log, got %d entries", len(reopened.SpendLog()))
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	l := newTestLedger(t, 10.0)

	// 40 goroutines each try to debit 0.5; only 20 can succeed.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Debit(0.5, "concurrent"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 20 {
		t.Errorf("Expected exactly 20 successful debits, got %d", succeeded)
	}
	if got := l.Balance(); got < 0 {
		t.Errorf("Balance went negative: %f", got)
	}
}
