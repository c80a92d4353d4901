// Package ledger provides transactional credit metering for model
// interactions. A credit is reserved when an interaction starts,
// consumed on commit, and returned on rollback, so a failed interaction
// never costs the user anything. Interaction usage records are
// append-only and indexed by user and conversation.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Settlement outcomes recorded on the interaction row.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// ErrAlreadySettled is returned when Commit or Rollback is called on a
// transaction that has already been settled.
var ErrAlreadySettled = errors.New("ledger transaction already settled")

// Usage holds the metered totals for one interaction.
type Usage struct {
	ConversationID string
	Model          string
	InputTokens    int
	OutputTokens   int
	ModelCalls     int
	ToolCalls      int
	DurationMs     int64
}

// Balance is a user's current credit position.
type Balance struct {
	UserID   string `json:"userId"`
	Balance  int64  `json:"balance"`
	Reserved int64  `json:"reserved"`
}

// Summary holds aggregated usage totals across interactions.
type Summary struct {
	TotalInteractions int
	TotalCommitted    int
	TotalRolledBack   int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalModelCalls   int64
	TotalToolCalls    int64
}

// Store is a SQLite-backed credit ledger. All public methods are safe
// for concurrent use (SQLite serializes writes; reservation is a single
// conditional UPDATE, so two interactions can never spend the same
// credit).
type Store struct {
	db           *sql.DB
	initialGrant int64
}

// NewStore creates a ledger store at the given database path. Users are
// seeded with initialGrant credits the first time they are seen; pass 0
// to disable the grant. The schema is created automatically on first
// use.
func NewStore(dbPath string, initialGrant int64) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	s := &Store{db: db, initialGrant: initialGrant}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credits (
		user_id    TEXT PRIMARY KEY,
		email      TEXT,
		balance    INTEGER NOT NULL,
		reserved   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS interactions (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		conversation_id TEXT,
		outcome         TEXT NOT NULL,
		model           TEXT,
		input_tokens    INTEGER NOT NULL DEFAULT 0,
		output_tokens   INTEGER NOT NULL DEFAULT 0,
		model_calls     INTEGER NOT NULL DEFAULT 0,
		tool_calls      INTEGER NOT NULL DEFAULT 0,
		duration_ms     INTEGER NOT NULL DEFAULT 0,
		started_at      TEXT NOT NULL,
		settled_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_conversation ON interactions(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_settled ON interactions(settled_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Grant adds credits to a user's balance, creating the account if
// needed.
func (s *Store) Grant(ctx context.Context, userID, email string, amount int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credits (user_id, email, balance, reserved, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			balance = balance + excluded.balance,
			updated_at = excluded.updated_at`,
		userID, email, amount, now, now,
	)
	if err != nil {
		return fmt.Errorf("grant credits: %w", err)
	}
	return nil
}

// Balance returns the user's current credit position. Unknown users
// have a zero balance.
func (s *Store) Balance(ctx context.Context, userID string) (Balance, error) {
	b := Balance{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, reserved FROM credits WHERE user_id = ?`, userID,
	).Scan(&b.Balance, &b.Reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return b, fmt.Errorf("query balance: %w", err)
	}
	return b, nil
}

// Begin opens a metering transaction for one interaction. If the user
// has at least one credit it is moved from balance to reserved and
// HasCredits reports true; otherwise the transaction is inert and both
// Commit and Rollback are no-ops. First-seen users receive the
// configured initial grant before the reservation is attempted.
func (s *Store) Begin(ctx context.Context, userID, email string) (*Transaction, error) {
	if err := s.ensureAccount(ctx, userID, email); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate interaction ID: %w", err)
	}

	now := time.Now()
	// The WHERE clause makes the reservation atomic: a concurrent Begin
	// for the same user either sees the decremented balance or loses
	// the race here, never both.
	res, err := s.db.ExecContext(ctx,
		`UPDATE credits
		 SET balance = balance - 1, reserved = reserved + 1, updated_at = ?
		 WHERE user_id = ? AND balance >= 1`,
		now.UTC().Format(time.RFC3339), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("reserve credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reserve credit: %w", err)
	}

	return &Transaction{
		store:      s,
		ID:         id.String(),
		UserID:     userID,
		HasCredits: affected == 1,
		startedAt:  now,
	}, nil
}

func (s *Store) ensureAccount(ctx context.Context, userID, email string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credits (user_id, email, balance, reserved, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, email, s.initialGrant, now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// settle consumes or returns the reserved credit and records the
// interaction, atomically.
func (s *Store) settle(ctx context.Context, txn *Transaction, outcome string, usage Usage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("settle interaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if txn.HasCredits {
		var stmt string
		if outcome == OutcomeCommitted {
			stmt = `UPDATE credits SET reserved = reserved - 1, updated_at = ? WHERE user_id = ? AND reserved >= 1`
		} else {
			stmt = `UPDATE credits SET reserved = reserved - 1, balance = balance + 1, updated_at = ? WHERE user_id = ? AND reserved >= 1`
		}
		if _, err := tx.ExecContext(ctx, stmt, now.UTC().Format(time.RFC3339), txn.UserID); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO interactions
			(id, user_id, conversation_id, outcome, model,
			 input_tokens, output_tokens, model_calls, tool_calls, duration_ms,
			 started_at, settled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, usage.ConversationID, outcome, usage.Model,
		usage.InputTokens, usage.OutputTokens, usage.ModelCalls, usage.ToolCalls, usage.DurationMs,
		txn.startedAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record interaction: %w", err)
	}

	return tx.Commit()
}

// UsageSummary returns aggregated interaction totals for records
// settled within [start, end). Pass an empty userID to aggregate across
// all users.
func (s *Store) UsageSummary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	query := `SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(model_calls), 0), COALESCE(SUM(tool_calls), 0)
		 FROM interactions
		 WHERE settled_at >= ? AND settled_at < ?`
	args := []any{OutcomeCommitted, OutcomeRolledBack,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	var sum Summary
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sum.TotalInteractions, &sum.TotalCommitted, &sum.TotalRolledBack,
		&sum.TotalInputTokens, &sum.TotalOutputTokens,
		&sum.TotalModelCalls, &sum.TotalToolCalls,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// Transaction meters a single interaction. Settle it exactly once with
// Commit or Rollback; the second settlement attempt returns
// ErrAlreadySettled without touching the ledger, so a deferred Rollback
// after an explicit Commit is harmless.
type Transaction struct {
	store *Store

	// ID is the interaction record ID (UUIDv7, so records sort by
	// start time).
	ID string
	// UserID is the metered user.
	UserID string
	// HasCredits reports whether a credit was reserved. When false the
	// interaction must not proceed to any billable work.
	HasCredits bool

	startedAt time.Time
	mu        sync.Mutex
	settled   bool
}

// Commit consumes the reserved credit and records the interaction's
// usage.
func (t *Transaction) Commit(ctx context.Context, usage Usage) error {
	return t.settleOnce(ctx, OutcomeCommitted, usage)
}

// Rollback returns the reserved credit to the user's balance and
// records the interaction as rolled back.
func (t *Transaction) Rollback(ctx context.Context, usage Usage) error {
	return t.settleOnce(ctx, OutcomeRolledBack, usage)
}

// Settled reports whether the transaction has been settled.
func (t *Transaction) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

func (t *Transaction) settleOnce(ctx context.Context, outcome string, usage Usage) error {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return ErrAlreadySettled
	}
	t.settled = true
	t.mu.Unlock()

	return t.store.settle(ctx, t, outcome, usage)
}
