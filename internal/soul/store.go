// Package soul owns the identity file that heads every system prompt: its
// integrity pin, its version history, and the approved-update flow. The file
// is treated as hostile input after load; any content that no longer matches
// the pinned hash is replaced by a fixed fallback identity.
package soul

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Version is one applied revision of the soul file. Seq is the monotonic
// version counter; created_at is informational and may collide within a
// millisecond.
type Version struct {
	Seq       int64     `json:"version"`
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Reason    string    `json:"reason,omitempty"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// VersionStore is the SQLite-backed soul revision history. Every applied
// update, including rollbacks, appends a row; rows are never rewritten.
type VersionStore struct {
	mu  sync.Mutex
	db  *sql.DB
	log *zap.Logger
}

// NewVersionStore opens (creating if needed) the version database at path.
func NewVersionStore(path string, log *zap.Logger) (*VersionStore, error) {
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS soul_versions (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			hash       TEXT NOT NULL,
			reason     TEXT,
			content    TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_soul_versions_created
			ON soul_versions(created_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &VersionStore{db: db, log: log.Named("soul-versions")}, nil
}

// Record appends a new version row for the given content.
func (s *VersionStore) Record(ctx context.Context, content, reason string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &Version{
		ID:        uuid.NewString(),
		Hash:      contentHash(content),
		Reason:    reason,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO soul_versions (id, hash, reason, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.Hash, v.Reason, v.Content, v.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to record soul version: %w", err)
	}
	if v.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read soul version seq: %w", err)
	}
	return v, nil
}

// List returns recent versions, newest first, without content bodies.
func (s *VersionStore) List(ctx context.Context, limit int) ([]*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, hash, reason, created_at FROM soul_versions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list soul versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		var createdAt int64
		if err := rows.Scan(&v.Seq, &v.ID, &v.Hash, &v.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan soul version: %w", err)
		}
		v.CreatedAt = time.UnixMilli(createdAt).UTC()
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

// Get returns one version with its full content.
func (s *VersionStore) Get(ctx context.Context, id string) (*Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v Version
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, id, hash, reason, content, created_at FROM soul_versions WHERE id = ?`, id).
		Scan(&v.Seq, &v.ID, &v.Hash, &v.Reason, &v.Content, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("soul version %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load soul version: %w", err)
	}
	v.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &v, nil
}

// Close closes the underlying database.
func (s *VersionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
