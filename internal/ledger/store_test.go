package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testStore(t *testing.T, initialGrant int64) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger_test.db")
	s, err := NewStore(dbPath, initialGrant)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBegin_FirstSeenGrant(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "alice", "alice@example.com")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !txn.HasCredits {
		t.Fatal("Begin: first-seen user with a grant should have credits")
	}

	b, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 4 || b.Reserved != 1 {
		t.Errorf("balance = %d reserved = %d, want 4/1", b.Balance, b.Reserved)
	}
}

func TestBegin_NoCredits(t *testing.T) {
	s := testStore(t, 0)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "bob", "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.HasCredits {
		t.Fatal("Begin: user with zero grant should have no credits")
	}

	// Settling an inert transaction must not move any balance.
	if err := txn.Rollback(ctx, Usage{}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	b, err := s.Balance(ctx, "bob")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 0 || b.Reserved != 0 {
		t.Errorf("balance = %d reserved = %d, want 0/0", b.Balance, b.Reserved)
	}
}

func TestCommit_ConsumesCredit(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	usage := Usage{
		ConversationID: "conv-1",
		Model:          "claude-sonnet-4-20250514",
		InputTokens:    1200,
		OutputTokens:   300,
		ModelCalls:     2,
		ToolCalls:      1,
		DurationMs:     850,
	}
	if err := txn.Commit(ctx, usage); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 2 || b.Reserved != 0 {
		t.Errorf("balance = %d reserved = %d, want 2/0 after commit", b.Balance, b.Reserved)
	}

	sum, err := s.UsageSummary(ctx, "alice", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	if sum.TotalCommitted != 1 || sum.TotalRolledBack != 0 {
		t.Errorf("committed = %d rolledBack = %d, want 1/0", sum.TotalCommitted, sum.TotalRolledBack)
	}
	if sum.TotalInputTokens != 1200 || sum.TotalOutputTokens != 300 {
		t.Errorf("tokens = %d/%d, want 1200/300", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	if sum.TotalModelCalls != 2 || sum.TotalToolCalls != 1 {
		t.Errorf("calls = %d/%d, want 2/1", sum.TotalModelCalls, sum.TotalToolCalls)
	}
}

func TestRollback_ReturnsCredit(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Rollback(ctx, Usage{ModelCalls: 1}); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	b, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 3 || b.Reserved != 0 {
		t.Errorf("balance = %d reserved = %d, want 3/0 after rollback", b.Balance, b.Reserved)
	}

	sum, err := s.UsageSummary(ctx, "alice", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	if sum.TotalRolledBack != 1 {
		t.Errorf("TotalRolledBack = %d, want 1", sum.TotalRolledBack)
	}
}

func TestSettle_ExactlyOnce(t *testing.T) {
	s := testStore(t, 3)
	ctx := context.Background()

	txn, err := s.Begin(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Commit(ctx, Usage{}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// A deferred Rollback after an explicit Commit must not move the
	// balance again.
	if err := txn.Rollback(ctx, Usage{}); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("second settle err = %v, want ErrAlreadySettled", err)
	}
	if err := txn.Commit(ctx, Usage{}); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("double commit err = %v, want ErrAlreadySettled", err)
	}

	b, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 2 || b.Reserved != 0 {
		t.Errorf("balance = %d reserved = %d, want 2/0", b.Balance, b.Reserved)
	}
	if !txn.Settled() {
		t.Error("Settled() = false after commit")
	}
}

func TestBegin_ExhaustsBalance(t *testing.T) {
	s := testStore(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		txn, err := s.Begin(ctx, "alice", "")
		if err != nil {
			t.Fatalf("Begin %d: %v", i, err)
		}
		if !txn.HasCredits {
			t.Fatalf("Begin %d: expected credits", i)
		}
		if err := txn.Commit(ctx, Usage{}); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	txn, err := s.Begin(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if txn.HasCredits {
		t.Error("Begin: expected exhausted balance to deny credits")
	}
}

func TestBegin_ConcurrentNeverOverspends(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txn, err := s.Begin(ctx, "alice", "")
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			if txn.HasCredits {
				mu.Lock()
				granted++
				mu.Unlock()
				if err := txn.Commit(ctx, Usage{}); err != nil {
					t.Errorf("Commit: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if granted != 5 {
		t.Errorf("granted = %d reservations, want exactly 5", granted)
	}
	b, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 0 || b.Reserved != 0 {
		t.Errorf("balance = %d reserved = %d, want 0/0", b.Balance, b.Reserved)
	}
}

func TestGrant_TopsUpExisting(t *testing.T) {
	s := testStore(t, 1)
	ctx := context.Background()

	if err := s.Grant(ctx, "alice", "alice@example.com", 10); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := s.Grant(ctx, "alice", "", 5); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	b, err := s.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 15 {
		t.Errorf("balance = %d, want 15", b.Balance)
	}
}

func TestBalance_UnknownUser(t *testing.T) {
	s := testStore(t, 5)

	b, err := s.Balance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Balance != 0 || b.Reserved != 0 {
		t.Errorf("balance = %d reserved = %d, want 0/0 for unknown user", b.Balance, b.Reserved)
	}
}

func TestUsageSummary_AllUsers(t *testing.T) {
	s := testStore(t, 5)
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		txn, err := s.Begin(ctx, user, "")
		if err != nil {
			t.Fatalf("Begin(%s): %v", user, err)
		}
		if err := txn.Commit(ctx, Usage{InputTokens: 100, OutputTokens: 50, ModelCalls: 1}); err != nil {
			t.Fatalf("Commit(%s): %v", user, err)
		}
	}

	sum, err := s.UsageSummary(ctx, "", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	if sum.TotalInteractions != 2 {
		t.Errorf("TotalInteractions = %d, want 2", sum.TotalInteractions)
	}
	if sum.TotalInputTokens != 200 {
		t.Errorf("TotalInputTokens = %d, want 200", sum.TotalInputTokens)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	_, err := NewStore("/nonexistent/path/ledger.db", 0)
	if err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
