// Package skills maintains the catalog of prompt skills: markdown files
// scanned from a directory, hash-pinned at load, and re-verified on every
// read. A skill that fails verification is skipped, never silently served.
package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"gateway/internal/config"
	"gateway/internal/logging"
)

// Skill is one catalog entry. Name is the filename without extension;
// Description is the first meaningful line of the file.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Path        string `json:"path"`
	AlwaysLoad  bool   `json:"alwaysLoad"`
}

type entry struct {
	skill    Skill
	hash     string
	disabled bool
}

// Catalog scans a directory of *.md skills and serves verified reads.
type Catalog struct {
	dir       string
	overrides map[string]config.SkillOverride
	auditor   *logging.Auditor
	log       *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewCatalog builds a catalog over cfg.Directory. Call Scan before use.
func NewCatalog(cfg config.SkillsConfig, auditor *logging.Auditor, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		dir:       cfg.Directory,
		overrides: cfg.Overrides,
		auditor:   auditor,
		log:       log.Named("skills"),
		entries:   make(map[string]*entry),
	}
}

func fileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Scan rebuilds the catalog from the directory. Symlinks are rejected: a
// link could point the prompt at content outside the skills directory. A
// missing directory yields an empty catalog, not an error.
func (c *Catalog) Scan() error {
	dirEntries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		c.mu.Lock()
		c.entries = make(map[string]*entry)
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read skills directory: %w", err)
	}

	entries := make(map[string]*entry)
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".md") {
			continue
		}
		path := filepath.Join(c.dir, dirEntry.Name())
		name := strings.TrimSuffix(dirEntry.Name(), ".md")

		info, err := os.Lstat(path)
		if err != nil {
			c.log.Warn("skill stat failed", zap.String("skill", name), zap.Error(err))
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			c.log.Warn("skill is a symlink, rejected", zap.String("skill", name))
			c.auditIntegrity(name, "symlink rejected")
			continue
		}

		override := c.overrides[name]
		if override.Enabled != nil && !*override.Enabled {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			c.log.Warn("skill read failed", zap.String("skill", name), zap.Error(err))
			continue
		}
		entries[name] = &entry{
			skill: Skill{
				Name:        name,
				Description: extractDescription(string(data)),
				Path:        path,
				AlwaysLoad:  override.AlwaysLoad,
			},
			hash: fileHash(data),
		}
		if c.auditor != nil {
			c.auditor.Log(logging.AuditSkillLoaded, "", map[string]interface{}{
				"skill": name, "hash": entries[name].hash,
			})
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	c.log.Info("skills scanned", zap.Int("count", len(entries)))
	return nil
}

// extractDescription takes the first non-empty line, with any heading
// markers stripped, capped to a single catalog line.
func extractDescription(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if len(line) > 200 {
			line = line[:200]
		}
		return line
	}
	return ""
}

// List returns the enabled, currently-verified skills sorted by name. Each
// call re-verifies every pinned hash; failures are skipped and audited.
func (c *Catalog) List() []Skill {
	c.mu.RLock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	skills := make([]Skill, 0, len(names))
	for _, name := range names {
		if skill, err := c.verified(name); err == nil {
			skills = append(skills, skill)
		}
	}
	return skills
}

// Content returns the verified full content of one skill.
func (c *Catalog) Content(name string) (string, error) {
	if _, err := c.verified(name); err != nil {
		return "", err
	}
	c.mu.RLock()
	path := c.entries[name].skill.Path
	c.mu.RUnlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read skill %s: %w", name, err)
	}
	return string(data), nil
}

// verified re-reads the skill file and compares it to the pinned hash.
func (c *Catalog) verified(name string) (Skill, error) {
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return Skill{}, fmt.Errorf("unknown skill %s", name)
	}

	data, err := os.ReadFile(e.skill.Path)
	if err != nil {
		c.disable(e, name, "read failed: "+err.Error())
		return Skill{}, fmt.Errorf("skill %s unavailable: %w", name, err)
	}
	if fileHash(data) != e.hash {
		c.disable(e, name, "hash mismatch")
		return Skill{}, fmt.Errorf("skill %s failed integrity verification", name)
	}
	return e.skill, nil
}

func (c *Catalog) disable(e *entry, name, reason string) {
	c.mu.Lock()
	already := e.disabled
	e.disabled = true
	c.mu.Unlock()
	if already {
		return
	}
	c.log.Warn("skill integrity failure", zap.String("skill", name), zap.String("reason", reason))
	c.auditIntegrity(name, reason)
}

func (c *Catalog) auditIntegrity(name, reason string) {
	if c.auditor != nil {
		c.auditor.Log(logging.AuditSkillIntegrity, "", map[string]interface{}{
			"skill": name, "reason": reason,
		})
	}
}

// Watch rescans the catalog whenever the skills directory changes. Blocks
// until ctx is cancelled. A missing directory disables watching without
// error so a fresh install needs no empty placeholder.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		if os.IsNotExist(err) {
			c.log.Info("skills directory absent, watcher disabled", zap.String("dir", c.dir))
			<-ctx.Done()
			return ctx.Err()
		}
		return fmt.Errorf("watch skills directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".md") {
				continue
			}
			if err := c.Scan(); err != nil {
				c.log.Warn("skills rescan failed", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("skills watcher error", zap.Error(err))
		}
	}
}
