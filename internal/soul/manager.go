package soul

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"gateway/internal/logging"
)

// DefaultIdentity is the fallback persona used whenever the soul file fails
// integrity verification. It is intentionally bland: a tampered soul must
// never be able to substitute instructions of its own.
const DefaultIdentity = `You are a careful personal assistant. Be helpful, be honest, and take no
action beyond what the user has asked for.`

// Manager loads the soul file, pins its hash, and re-verifies the pin on
// every read. Updates go through Apply, which is the only writer; any other
// change to the file on disk is treated as tampering.
type Manager struct {
	path     string
	versions *VersionStore
	auditor  *logging.Auditor
	log      *zap.Logger

	mu       sync.RWMutex
	pinned   string
	disabled bool
}

// NewManager builds a manager for the soul file at path. The version store
// may be nil; history and rollback are then unavailable.
func NewManager(path string, versions *VersionStore, auditor *logging.Auditor, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		path:     path,
		versions: versions,
		auditor:  auditor,
		log:      log.Named("soul"),
	}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Load reads the soul file and pins its hash. A missing file is seeded with
// the default identity so a fresh install starts from a known state.
func (m *Manager) Load(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		if err := m.writeAtomic(DefaultIdentity); err != nil {
			return fmt.Errorf("seed soul file: %w", err)
		}
		data = []byte(DefaultIdentity)
	} else if err != nil {
		return fmt.Errorf("read soul file: %w", err)
	}

	content := string(data)
	m.mu.Lock()
	m.pinned = contentHash(content)
	m.disabled = false
	m.mu.Unlock()

	if m.versions != nil {
		if history, err := m.versions.List(ctx, 1); err == nil && len(history) == 0 {
			if _, err := m.versions.Record(ctx, content, "initial load"); err != nil {
				m.log.Warn("failed to record initial soul version", zap.Error(err))
			}
		}
	}
	if m.auditor != nil {
		m.auditor.Log(logging.AuditSoulLoaded, "", map[string]interface{}{
			"path": m.path, "hash": m.pinnedHash(), "length": len(content),
		})
	}
	return nil
}

func (m *Manager) pinnedHash() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned
}

// Identity returns the verified soul content. On any read or verification
// failure it returns the default identity; the failure is audited once per
// disable transition, not per read.
func (m *Manager) Identity() string {
	m.mu.RLock()
	pinned, disabled := m.pinned, m.disabled
	m.mu.RUnlock()

	if pinned == "" {
		return DefaultIdentity
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		m.disable(disabled, "read failed: "+err.Error())
		return DefaultIdentity
	}
	content := string(data)
	if contentHash(content) != pinned {
		m.disable(disabled, "hash mismatch")
		return DefaultIdentity
	}

	if disabled {
		// The file is back to its pinned content; lift the fallback.
		m.mu.Lock()
		m.disabled = false
		m.mu.Unlock()
	}
	return content
}

func (m *Manager) disable(alreadyDisabled bool, reason string) {
	m.mu.Lock()
	m.disabled = true
	m.mu.Unlock()
	if alreadyDisabled {
		return
	}
	m.log.Warn("soul integrity failure, using fallback identity", zap.String("reason", reason))
	if m.auditor != nil {
		m.auditor.Log(logging.AuditSoulIntegrity, "", map[string]interface{}{
			"path": m.path, "reason": reason,
		})
	}
}

// Apply writes approved content to the soul file, records the revision, and
// re-pins the hash. Callers are responsible for the approval gate.
func (m *Manager) Apply(ctx context.Context, content, reason string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("soul content must not be empty")
	}
	if err := m.writeAtomic(content); err != nil {
		return fmt.Errorf("write soul file: %w", err)
	}

	m.mu.Lock()
	m.pinned = contentHash(content)
	m.disabled = false
	m.mu.Unlock()

	if m.versions != nil {
		if _, err := m.versions.Record(ctx, content, reason); err != nil {
			m.log.Warn("failed to record soul version", zap.Error(err))
		}
	}
	if m.auditor != nil {
		m.auditor.Log(logging.AuditSoulUpdated, "", map[string]interface{}{
			"hash": m.pinnedHash(), "reason": reason, "length": len(content),
		})
	}
	m.log.Info("soul updated", zap.String("reason", reason))
	return nil
}

// Rollback restores a previous revision by id.
func (m *Manager) Rollback(ctx context.Context, versionID string) (*Version, error) {
	if m.versions == nil {
		return nil, fmt.Errorf("soul version history unavailable")
	}
	version, err := m.versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := m.Apply(ctx, version.Content, "rollback to "+versionID); err != nil {
		return nil, err
	}
	return version, nil
}

// History lists recent revisions, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*Version, error) {
	if m.versions == nil {
		return nil, fmt.Errorf("soul version history unavailable")
	}
	return m.versions.List(ctx, limit)
}

// writeAtomic replaces the soul file via temp-file-and-rename so a crash
// mid-write never leaves a torn file behind.
func (m *Manager) writeAtomic(content string) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".soul-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, m.path)
}

// Watch re-verifies the soul file whenever it changes on disk, so tampering
// is surfaced promptly instead of on the next prompt build. Blocks until ctx
// is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and our own atomic writes
	// replace the file by rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch soul directory: %w", err)
	}

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				m.Identity()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("soul watcher error", zap.Error(err))
		}
	}
}
