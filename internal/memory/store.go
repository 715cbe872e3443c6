// Package memory provides the persistent per-user memory store: durable
// key-value rows with full-text search over topic and content. Backed by
// SQLite; FTS5 is probed at open and the store falls back to keyword
// matching when the index is unavailable. An optional embedding engine adds
// semantic recall on top of the text index.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Memory categories.
const (
	CategoryUser        = "user"
	CategoryPreference  = "preference"
	CategoryProject     = "project"
	CategoryFact        = "fact"
	CategoryEnvironment = "environment"
)

// Categories lists the valid memory categories.
var Categories = []string{CategoryUser, CategoryPreference, CategoryProject, CategoryFact, CategoryEnvironment}

// minSemanticScore drops brute-force neighbours with near-zero cosine
// similarity so unrelated memories never pad the results.
const minSemanticScore = 0.35

// ValidCategory reports whether category is one of the known categories.
func ValidCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Memory is one stored row. (UserID, Category, Topic) is unique; re-saving
// the same triple updates Content in place.
type Memory struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Category       string    `json:"category"`
	Topic          string    `json:"topic"`
	Content        string    `json:"content"`
	AccessCount    int       `json:"accessCount"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

// Embedder produces fixed-width vectors for semantic recall.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Store is the SQLite-backed memory store.
type Store struct {
	mu sync.RWMutex

	db        *sql.DB
	dbPath    string
	embedder  Embedder
	ftsExt    bool // FTS5 available
	vectorExt bool // sqlite-vec available
	log       *zap.Logger
}

// NewStore opens (creating if needed) the memory database at path.
// The embedder may be nil; semantic recall is then disabled.
func NewStore(path string, embedder Embedder, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, path)
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

	store := &Store{db: db, dbPath: path, embedder: embedder, log: log.Named("memory")}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	store.detectFTS()
	store.detectVec()
	return store, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			topic TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			access_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			UNIQUE(user_id, category, topic)
		);
		CREATE INDEX IF NOT EXISTS idx_memories_user_category ON memories(user_id, category);
		CREATE INDEX IF NOT EXISTS idx_memories_user_topic ON memories(user_id, topic);
	`)
	if err != nil {
		return fmt.Errorf("failed to create memories table: %w", err)
	}
	return nil
}

// detectFTS probes for FTS5 and builds the external-content index when the
// build carries it. Keyword fallback keeps the store usable either way.
func (s *Store) detectFTS() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(x)"); err != nil {
		s.log.Debug("fts5 not available", zap.Error(err))
		return
	}
	_, _ = s.db.Exec("DROP TABLE IF EXISTS fts_probe")

	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			topic, content, content='memories', content_rowid='rowid'
		);
		CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, topic, content) VALUES (new.rowid, new.topic, new.content);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, topic, content) VALUES ('delete', old.rowid, old.topic, old.content);
		END;
		CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF topic, content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, topic, content) VALUES ('delete', old.rowid, old.topic, old.content);
			INSERT INTO memories_fts(rowid, topic, content) VALUES (new.rowid, new.topic, new.content);
		END;
	`)
	if err != nil {
		s.log.Warn("failed to create fts index, falling back to keyword search", zap.Error(err))
		return
	}
	s.ftsExt = true
}

// detectVec probes for the sqlite-vec extension.
func (s *Store) detectVec() {
	if s.embedder == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err != nil {
		s.log.Debug("sqlite-vec not available", zap.Error(err))
		return
	}
	_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")

	vecTable := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS memories_vec USING vec0(
			memory_id TEXT PRIMARY KEY,
			embedding float[%d]
		)
	`, s.embedder.Dimensions())
	if _, err := s.db.Exec(vecTable); err != nil {
		s.log.Warn("failed to create memories_vec", zap.Error(err))
		return
	}
	s.vectorExt = true
	s.log.Info("vector recall enabled", zap.Int("dimensions", s.embedder.Dimensions()))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a memory by (userID, category, topic). Saving an identical
// triple is idempotent; a changed content updates the row in place keeping
// its id, creation time and access count.
func (s *Store) Save(ctx context.Context, userID, category, topic, content string) (*Memory, error) {
	if !ValidCategory(category) {
		return nil, fmt.Errorf("invalid memory category: %q", category)
	}
	if userID == "" || topic == "" {
		return nil, fmt.Errorf("userId and topic are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, category, topic, content, access_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, category, topic) DO UPDATE SET
			content = excluded.content,
			last_accessed_at = excluded.last_accessed_at
	`, id, userID, category, topic, content, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to save memory: %w", err)
	}

	saved, err := s.getByTripleLocked(ctx, userID, category, topic)
	if err != nil {
		return nil, err
	}

	s.updateEmbeddingLocked(ctx, saved)
	return saved, nil
}

// updateEmbeddingLocked refreshes the stored vector. Best-effort: recall
// quality degrades without it but the save has already succeeded.
func (s *Store) updateEmbeddingLocked(ctx context.Context, m *Memory) {
	if s.embedder == nil {
		return
	}
	vector, err := s.embedder.Embed(ctx, m.Topic+"\n"+m.Content)
	if err != nil {
		s.log.Warn("embedding failed", zap.String("topic", m.Topic), zap.Error(err))
		return
	}
	blob := float32SliceToBytes(vector)
	if _, err := s.db.ExecContext(ctx, "UPDATE memories SET embedding = ? WHERE id = ?", blob, m.ID); err != nil {
		s.log.Warn("failed to store embedding", zap.Error(err))
		return
	}
	if s.vectorExt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM memories_vec WHERE memory_id = ?", m.ID)
		if _, err := s.db.ExecContext(ctx, "INSERT INTO memories_vec (memory_id, embedding) VALUES (?, ?)", m.ID, blob); err != nil {
			s.log.Debug("failed to update vector index", zap.Error(err))
		}
	}
}

func (s *Store) getByTripleLocked(ctx context.Context, userID, category, topic string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = ? AND category = ? AND topic = ?
	`, userID, category, topic)
	return scanMemory(row)
}

// GetByCategory returns the user's memories in one category, most recently
// touched first.
func (s *Store) GetByCategory(ctx context.Context, userID, category string) ([]Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = ? AND category = ?
		ORDER BY last_accessed_at DESC
	`, userID, category)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// List returns the user's memories across all categories, newest first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// Search returns ranked hits for the query and increments each hit's access
// count exactly once. Text search uses FTS5 when available, keyword LIKE
// otherwise; an embedder blends in semantic neighbours.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 5
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []Memory
	var err error
	if s.ftsExt {
		hits, err = s.searchFTSLocked(ctx, userID, query, limit)
		if err != nil {
			s.log.Debug("fts search failed, falling back", zap.Error(err))
			hits, err = s.searchKeywordLocked(ctx, userID, query, limit)
		}
	} else {
		hits, err = s.searchKeywordLocked(ctx, userID, query, limit)
	}
	if err != nil {
		return nil, err
	}

	if s.embedder != nil && len(hits) < limit {
		hits = s.blendSemanticLocked(ctx, userID, query, hits, limit)
	}

	now := time.Now().UnixMilli()
	for i := range hits {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
		`, now, hits[i].ID); err != nil {
			return nil, fmt.Errorf("failed to record access: %w", err)
		}
		hits[i].AccessCount++
		hits[i].LastAccessedAt = time.UnixMilli(now)
	}
	return hits, nil
}

func (s *Store) searchFTSLocked(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.category, m.topic, m.content, m.access_count, m.created_at, m.last_accessed_at
		FROM memories_fts f
		JOIN memories m ON m.rowid = f.rowid
		WHERE memories_fts MATCH ? AND m.user_id = ?
		ORDER BY bm25(memories_fts)
		LIMIT ?
	`, match, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

func (s *Store) searchKeywordLocked(ctx context.Context, userID, query string, limit int) ([]Memory, error) {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	var clauses []string
	args := []interface{}{userID}
	for _, token := range tokens {
		clauses = append(clauses, "(topic LIKE ? OR content LIKE ?)")
		like := "%" + token + "%"
		args = append(args, like, like)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
		FROM memories
		WHERE user_id = ? AND (%s)
		ORDER BY access_count DESC, last_accessed_at DESC
		LIMIT ?
	`, strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemories(rows)
}

// blendSemanticLocked appends semantic neighbours not already found by the
// text search, up to limit.
func (s *Store) blendSemanticLocked(ctx context.Context, userID, query string, hits []Memory, limit int) []Memory {
	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.log.Debug("query embedding failed", zap.Error(err))
		return hits
	}

	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.ID] = true
	}

	var ids []string
	if s.vectorExt {
		ids, err = s.vecNeighboursLocked(ctx, queryVec, limit)
		if err != nil {
			s.log.Debug("vec search failed, brute force", zap.Error(err))
			ids = s.bruteForceNeighboursLocked(ctx, userID, queryVec, limit)
		}
	} else {
		ids = s.bruteForceNeighboursLocked(ctx, userID, queryVec, limit)
	}

	for _, id := range ids {
		if len(hits) >= limit {
			break
		}
		if seen[id] {
			continue
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT id, user_id, category, topic, content, access_count, created_at, last_accessed_at
			FROM memories WHERE id = ? AND user_id = ?
		`, id, userID)
		m, err := scanMemory(row)
		if err != nil || m == nil {
			continue
		}
		seen[id] = true
		hits = append(hits, *m)
	}
	return hits
}

func (s *Store) vecNeighboursLocked(ctx context.Context, queryVec []float32, topK int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, vec_distance_cosine(embedding, ?) AS distance
		FROM memories_vec
		ORDER BY distance
		LIMIT ?
	`, float32SliceToBytes(queryVec), topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) bruteForceNeighboursLocked(ctx context.Context, userID string, queryVec []float32, topK int) []string {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embedding FROM memories WHERE user_id = ? AND embedding IS NOT NULL", userID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	type candidate struct {
		id    string
		score float64
	}
	var candidates []candidate
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil || len(blob) == 0 {
			continue
		}
		score := cosineSimilarity(queryVec, bytesToFloat32Slice(blob))
		if score < minSemanticScore {
			continue
		}
		candidates = append(candidates, candidate{id, score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

// DeleteByID removes one memory owned by the user.
func (s *Store) DeleteByID(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s not found", id)
	}
	if s.vectorExt {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM memories_vec WHERE memory_id = ?", id)
	}
	return nil
}

// DeleteByTopic removes all of the user's memories with the given topic
// across categories and returns how many were deleted.
func (s *Store) DeleteByTopic(ctx context.Context, userID, topic string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vectorExt {
		_, _ = s.db.ExecContext(ctx, `
			DELETE FROM memories_vec WHERE memory_id IN
				(SELECT id FROM memories WHERE user_id = ? AND topic = ?)
		`, userID, topic)
	}
	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE user_id = ? AND topic = ?", userID, topic)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ftsMatchExpr quotes each token so user input cannot inject FTS5 syntax.
func ftsMatchExpr(query string) string {
	tokens := strings.Fields(query)
	quoted := make([]string, 0, len(tokens))
	for _, token := range tokens {
		token = strings.ReplaceAll(token, `"`, `""`)
		quoted = append(quoted, `"`+token+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func scanMemory(row *sql.Row) (*Memory, error) {
	var m Memory
	var createdAt, lastAccessedAt int64
	err := row.Scan(&m.ID, &m.UserID, &m.Category, &m.Topic, &m.Content, &m.AccessCount, &createdAt, &lastAccessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	m.LastAccessedAt = time.UnixMilli(lastAccessedAt)
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]Memory, error) {
	var memories []Memory
	for rows.Next() {
		var m Memory
		var createdAt, lastAccessedAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Category, &m.Topic, &m.Content, &m.AccessCount, &createdAt, &lastAccessedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.UnixMilli(createdAt)
		m.LastAccessedAt = time.UnixMilli(lastAccessedAt)
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// Embedding blob helpers (little-endian float32).

func float32SliceToBytes(floats []float32) []byte {
	bytes := make([]byte, len(floats)*4)
	for i, f := range floats {
		bits := math.Float32bits(f)
		bytes[i*4] = byte(bits)
		bytes[i*4+1] = byte(bits >> 8)
		bytes[i*4+2] = byte(bits >> 16)
		bytes[i*4+3] = byte(bits >> 24)
	}
	return bytes
}

func bytesToFloat32Slice(bytes []byte) []float32 {
	floats := make([]float32, len(bytes)/4)
	for i := range floats {
		bits := uint32(bytes[i*4]) | uint32(bytes[i*4+1])<<8 | uint32(bytes[i*4+2])<<16 | uint32(bytes[i*4+3])<<24
		floats[i] = math.Float32frombits(bits)
	}
	return floats
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
