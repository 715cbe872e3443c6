// Package approval persists human-in-the-loop approval requests. Rows are
// durable so pending decisions survive a restart and the recent history can
// be inspected over the bridge.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Approval statuses. A row is created pending and moves exactly once to a
// terminal status.
const (
	StatusPending         = "pending"
	StatusApproved        = "approved"
	StatusRejected        = "rejected"
	StatusSessionApproved = "session-approved"
	StatusExpired         = "expired"
)

// ErrAlreadyResolved is returned when resolving an approval that has
// already reached a terminal status.
var ErrAlreadyResolved = fmt.Errorf("approval already resolved")

// ErrNotFound is returned when no approval exists with the given id.
var ErrNotFound = fmt.Errorf("approval not found")

// Approval is one pending or resolved action approval. Capability holds the
// serialized claims the executor would receive, so a reviewer sees the exact
// authority being granted.
type Approval struct {
	ID          string                 `json:"id"`
	SessionID   string                 `json:"sessionId"`
	ToolName    string                 `json:"toolName"`
	Input       map[string]interface{} `json:"input"`
	Capability  string                 `json:"capability,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	PlanContext string                 `json:"planContext,omitempty"`
	Status      string                 `json:"status"`
	CreatedAt   time.Time              `json:"createdAt"`
	ResolvedAt  *time.Time             `json:"resolvedAt,omitempty"`
}

// CreateRequest carries the fields of a new pending approval.
type CreateRequest struct {
	SessionID   string
	ToolName    string
	Input       map[string]interface{}
	Capability  string
	Reason      string
	PlanContext string
}

// Pending reports whether the approval still awaits a decision.
func (a *Approval) Pending() bool { return a.Status == StatusPending }

// Store is the SQLite-backed approval store.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// NewStore opens (creating if needed) the approval database at path.
func NewStore(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	store := &Store{db: db, log: log.Named("approval")}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT NOT NULL,
			capability TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			plan_context TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
		CREATE INDEX IF NOT EXISTS idx_approvals_created ON approvals(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create approvals table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new pending approval and returns it.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Approval, error) {
	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode input: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Approval{
		ID:          uuid.NewString(),
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		Capability:  req.Capability,
		Reason:      req.Reason,
		PlanContext: req.PlanContext,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, session_id, tool_name, input, capability, reason, plan_context, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.ToolName, string(inputJSON), a.Capability, a.Reason, a.PlanContext, a.Status, a.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return a, nil
}

// GetByID returns one approval or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getByIDLocked(ctx, id)
}

func (s *Store) getByIDLocked(ctx context.Context, id string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, tool_name, input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals WHERE id = ?
	`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// Resolve moves a pending approval to a terminal status. Terminal rows are
// immutable: a second resolution returns ErrAlreadyResolved, so the first
// decision always wins.
func (s *Store) Resolve(ctx context.Context, id, status string) (*Approval, error) {
	switch status {
	case StatusApproved, StatusRejected, StatusSessionApproved, StatusExpired:
	default:
		return nil, fmt.Errorf("invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?
	`, status, time.Now().UnixMilli(), id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		if _, err := s.getByIDLocked(ctx, id); err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyResolved
	}
	return s.getByIDLocked(ctx, id)
}

// ExpireStalePending marks every pending approval created at or before the
// cutoff as expired and returns the rows it expired.
func (s *Store) ExpireStalePending(ctx context.Context, cutoff time.Time) ([]Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, tool_name, input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals WHERE status = ? AND created_at <= ?
	`, StatusPending, cutoff.UnixMilli())
	if err != nil {
		return nil, err
	}
	stale, err := collectApprovals(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range stale {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE approvals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?
		`, StatusExpired, now.UnixMilli(), stale[i].ID, StatusPending); err != nil {
			return nil, fmt.Errorf("failed to expire approval %s: %w", stale[i].ID, err)
		}
		stale[i].Status = StatusExpired
		resolvedAt := now
		stale[i].ResolvedAt = &resolvedAt
	}
	return stale, nil
}

// GetRecent returns the most recently created approvals, newest first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]Approval, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, tool_name, input, capability, reason, plan_context, status, created_at, resolved_at
		FROM approvals ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectApprovals(rows)
}

// PendingCount returns how many approvals still await a decision.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM approvals WHERE status = ?", StatusPending).Scan(&n)
	return n, err
}

func scanApproval(scan func(dest ...interface{}) error) (*Approval, error) {
	var a Approval
	var inputJSON string
	var createdAt int64
	var resolvedAt sql.NullInt64
	if err := scan(&a.ID, &a.SessionID, &a.ToolName, &inputJSON, &a.Capability, &a.Reason, &a.PlanContext, &a.Status, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(inputJSON), &a.Input); err != nil {
		return nil, fmt.Errorf("corrupt approval input: %w", err)
	}
	a.CreatedAt = time.UnixMilli(createdAt)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		a.ResolvedAt = &t
	}
	return &a, nil
}

func collectApprovals(rows *sql.Rows) ([]Approval, error) {
	defer rows.Close()
	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}
