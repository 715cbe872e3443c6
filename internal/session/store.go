// Package session keeps per-user conversation state in memory: bounded
// history, idle expiry, and a per-session lock so concurrent messages from
// the same user are processed one turn at a time.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateway/internal/types"
)

// Session is one user's conversation state. Mutated only through the store.
type Session struct {
	ID           string
	UserID       string
	History      []types.ConversationTurn
	CreatedAt    time.Time
	LastActiveAt time.Time

	mu sync.Mutex
}

// Info is a read-only snapshot for listings.
type Info struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Turns        int       `json:"turns"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Store is the in-memory session registry, keyed by user id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session // userID -> session

	maxTurns int
	ttl      time.Duration

	// onExpired runs outside the store lock after a session is removed,
	// letting the caller clear session-scoped state such as grants.
	onExpired func(sessionID, userID string)

	log *zap.Logger
}

// NewStore creates a session store. maxTurns bounds retained history and ttl
// is the idle lifetime before a session is swept.
func NewStore(maxTurns int, ttl time.Duration, onExpired func(sessionID, userID string), log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if maxTurns <= 0 {
		maxTurns = 50
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{
		sessions:  make(map[string]*Session),
		maxTurns:  maxTurns,
		ttl:       ttl,
		onExpired: onExpired,
		log:       log.Named("session"),
	}
}

// GetOrCreate returns the user's session, creating it on first use.
func (s *Store) GetOrCreate(userID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		return sess
	}
	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.sessions[userID] = sess
	return sess
}

// Get returns the user's session if it exists.
func (s *Store) Get(userID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	return sess, ok
}

// Messages returns a copy of the user's history.
func (s *Store) Messages(userID string) []types.ConversationTurn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil
	}
	return append([]types.ConversationTurn(nil), sess.History...)
}

// SetMessages replaces the user's history, enforcing the turn cap.
func (s *Store) SetMessages(userID string, messages []types.ConversationTurn) {
	sess := s.GetOrCreate(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.History = trimHistory(messages, s.maxTurns)
	sess.LastActiveAt = time.Now()
}

// Append adds one turn to the user's history, enforcing the turn cap.
func (s *Store) Append(userID string, turn types.ConversationTurn) {
	sess := s.GetOrCreate(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.History = trimHistory(append(sess.History, turn), s.maxTurns)
	sess.LastActiveAt = time.Now()
}

// WithSession runs fn while holding the user's turn lock, serialising
// concurrent messages from the same user. fn receives the session id and
// current history and returns the replacement history, which is trimmed to
// the turn cap before being stored.
func (s *Store) WithSession(userID string, fn func(sessionID string, history []types.ConversationTurn) []types.ConversationTurn) {
	sess := s.GetOrCreate(userID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	s.mu.RLock()
	id := sess.ID
	history := sess.History
	s.mu.RUnlock()

	updated := fn(id, history)

	s.mu.Lock()
	sess.History = trimHistory(updated, s.maxTurns)
	sess.LastActiveAt = time.Now()
	s.mu.Unlock()
}

// trimHistory drops oldest turns beyond max. A tool_results turn must not
// become the head: its matching tool calls would be gone.
func trimHistory(history []types.ConversationTurn, max int) []types.ConversationTurn {
	if len(history) > max {
		history = history[len(history)-max:]
	}
	for len(history) > 0 && history[0].Role == types.RoleToolResults {
		history = history[1:]
	}
	return history
}

// List returns snapshots of all sessions, most recently active first.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, Info{
			ID:           sess.ID,
			UserID:       sess.UserID,
			Turns:        len(sess.History),
			CreatedAt:    sess.CreatedAt,
			LastActiveAt: sess.LastActiveAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].LastActiveAt.After(infos[j].LastActiveAt) })
	return infos
}

// Delete removes a user's session without firing the expiry callback.
func (s *Store) Delete(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; !ok {
		return false
	}
	delete(s.sessions, userID)
	return true
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// SweepExpired removes sessions idle longer than the TTL and fires the
// expiry callback for each. Sessions mid-turn hold their lock and are
// skipped; they get another full TTL once the turn finishes.
func (s *Store) SweepExpired() []string {
	cutoff := time.Now().Add(-s.ttl)

	type removed struct{ sessionID, userID string }
	s.mu.Lock()
	var expired []removed
	for userID, sess := range s.sessions {
		if sess.LastActiveAt.After(cutoff) {
			continue
		}
		if !sess.mu.TryLock() {
			continue
		}
		sess.mu.Unlock()
		delete(s.sessions, userID)
		expired = append(expired, removed{sess.ID, userID})
	}
	s.mu.Unlock()

	userIDs := make([]string, 0, len(expired))
	for _, e := range expired {
		s.log.Info("session expired", zap.String("sessionId", e.sessionID), zap.String("userId", e.userID))
		if s.onExpired != nil {
			s.onExpired(e.sessionID, e.userID)
		}
		userIDs = append(userIDs, e.userID)
	}
	return userIDs
}

// StartSweeper runs SweepExpired on the interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
}
