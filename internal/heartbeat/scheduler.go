// Package heartbeat runs scheduled synthetic user turns: cron-style prompts
// that enter the Gateway through the same path a bridge message would, with
// source "heartbeat". Enabled state and last-run times persist across
// restarts.
package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gateway/internal/config"
	_ "modernc.org/sqlite"
)

// Source tags heartbeat-originated messages.
const Source = "heartbeat"

// tickInterval is how often due heartbeats are checked. Schedules are
// minute-granular, so half-minute polling never misses a slot.
const tickInterval = 30 * time.Second

// Fire delivers one due heartbeat prompt. Implemented by the gateway
// service; replies go out as Notification frames on the configured channel.
type Fire func(ctx context.Context, hb config.HeartbeatConfig)

// Status is one heartbeat's externally visible state.
type Status struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Prompt    string     `json:"prompt"`
	Channel   string     `json:"channel,omitempty"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

type entry struct {
	cfg      config.HeartbeatConfig
	schedule cron.Schedule
}

// Scheduler owns the heartbeat registry and its persistent state.
type Scheduler struct {
	fire Fire
	log  *zap.Logger

	mu      sync.Mutex
	db      *sql.DB
	entries []entry
	enabled map[string]bool
	lastRun map[string]time.Time
}

// NewScheduler parses every configured schedule and loads persisted state.
// An invalid cron expression is a configuration error, not a runtime skip.
func NewScheduler(cfgs []config.HeartbeatConfig, statePath string, fire Fire, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", statePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		log.Debug("pragma failed", zap.Error(err))
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS heartbeats (
			name        TEXT PRIMARY KEY,
			enabled     INTEGER NOT NULL,
			last_run_at INTEGER
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Scheduler{
		fire:    fire,
		log:     log.Named("heartbeat"),
		db:      db,
		enabled: make(map[string]bool),
		lastRun: make(map[string]time.Time),
	}
	for _, cfg := range cfgs {
		schedule, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("heartbeat %s: invalid schedule %q: %w", cfg.Name, cfg.Schedule, err)
		}
		s.entries = append(s.entries, entry{cfg: cfg, schedule: schedule})
		s.enabled[cfg.Name] = cfg.Enabled
	}
	if err := s.loadState(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// loadState overlays persisted enabled/lastRunAt onto config defaults.
func (s *Scheduler) loadState() error {
	rows, err := s.db.Query(`SELECT name, enabled, last_run_at FROM heartbeats`)
	if err != nil {
		return fmt.Errorf("failed to load heartbeat state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var enabled int
		var lastRun sql.NullInt64
		if err := rows.Scan(&name, &enabled, &lastRun); err != nil {
			return fmt.Errorf("failed to scan heartbeat state: %w", err)
		}
		if _, known := s.enabled[name]; !known {
			continue // removed from config; row is ignored
		}
		s.enabled[name] = enabled != 0
		if lastRun.Valid {
			s.lastRun[name] = time.UnixMilli(lastRun.Int64).UTC()
		}
	}
	return rows.Err()
}

func (s *Scheduler) persistLocked(name string) error {
	enabled := 0
	if s.enabled[name] {
		enabled = 1
	}
	var lastRun interface{}
	if t, ok := s.lastRun[name]; ok {
		lastRun = t.UnixMilli()
	}
	_, err := s.db.Exec(`
		INSERT INTO heartbeats (name, enabled, last_run_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, last_run_at = excluded.last_run_at
	`, name, enabled, lastRun)
	return err
}

// Run fires due heartbeats until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runDue(ctx, now)
		}
	}
}

// runDue fires every enabled heartbeat whose next slot after its last run
// has passed. Exported for the ticker loop and for tests.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	due := s.collectDue(now)
	for _, hb := range due {
		s.log.Info("heartbeat firing", zap.String("name", hb.Name))
		if s.fire != nil {
			s.fire(ctx, hb)
		}
	}
}

func (s *Scheduler) collectDue(now time.Time) []config.HeartbeatConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []config.HeartbeatConfig
	for _, e := range s.entries {
		if !s.enabled[e.cfg.Name] {
			continue
		}
		last, ok := s.lastRun[e.cfg.Name]
		if !ok {
			// Never ran: anchor to now so a freshly added heartbeat
			// does not fire immediately for every missed past slot.
			s.lastRun[e.cfg.Name] = now
			if err := s.persistLocked(e.cfg.Name); err != nil {
				s.log.Warn("heartbeat state write failed", zap.Error(err))
			}
			continue
		}
		if next := e.schedule.Next(last); !next.After(now) {
			s.lastRun[e.cfg.Name] = now
			if err := s.persistLocked(e.cfg.Name); err != nil {
				s.log.Warn("heartbeat state write failed", zap.Error(err))
			}
			due = append(due, e.cfg)
		}
	}
	return due
}

// List returns the status of every configured heartbeat, in config order.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	statuses := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		status := Status{
			Name:     e.cfg.Name,
			Schedule: e.cfg.Schedule,
			Prompt:   e.cfg.Prompt,
			Channel:  e.cfg.Channel,
			Enabled:  s.enabled[e.cfg.Name],
		}
		if last, ok := s.lastRun[e.cfg.Name]; ok {
			lastCopy := last
			status.LastRunAt = &lastCopy
		}
		if status.Enabled {
			next := e.schedule.Next(now)
			status.NextRunAt = &next
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Toggle enables or disables one heartbeat and persists the change.
func (s *Scheduler) Toggle(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, known := s.enabled[name]; !known {
		return fmt.Errorf("unknown heartbeat %q", name)
	}
	s.enabled[name] = enabled
	if err := s.persistLocked(name); err != nil {
		return fmt.Errorf("failed to persist heartbeat state: %w", err)
	}
	s.log.Info("heartbeat toggled", zap.String("name", name), zap.Bool("enabled", enabled))
	return nil
}

// Close closes the state database.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
