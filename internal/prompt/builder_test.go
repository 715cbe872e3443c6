package prompt

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gateway/internal/config"
	"gateway/internal/memory"
	"gateway/internal/session"
	"gateway/internal/skills"
	"gateway/internal/soul"
)

func newTestSoul(t *testing.T, content string) *soul.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "soul.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}
	m := soul.NewManager(path, nil, nil, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("soul Load: %v", err)
	}
	return m
}

func newTestSkills(t *testing.T, files map[string]string, overrides map[string]config.SkillOverride) *skills.Catalog {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write skill %s: %v", name, err)
		}
	}
	c := skills.NewCatalog(config.SkillsConfig{Directory: dir, Overrides: overrides}, nil, nil)
	if err := c.Scan(); err != nil {
		t.Fatalf("skills Scan: %v", err)
	}
	return c
}

func newTestMemories(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "memory.db"), nil, nil)
	if err != nil {
		t.Fatalf("memory NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuildSectionOrder(t *testing.T) {
	ctx := context.Background()
	memories := newTestMemories(t)
	if _, err := memories.Save(ctx, "u1", memory.CategoryUser, "name", "Sam"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := memories.Save(ctx, "u1", memory.CategoryProject, "garden", "planning a vegetable garden"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	tasks := session.NewTaskStore(nil)
	task, _ := tasks.Create("u1", "plant tomatoes", 10)
	tasks.Advance(task.ID, session.Plan{
		Goal:  "plant tomatoes",
		Steps: []session.PlanStep{{ID: "1", Description: "buy seeds", Status: "done"}},
	})

	b := NewBuilder(
		newTestSoul(t, "I am the garden assistant."),
		newTestSkills(t, map[string]string{"pruning.md": "# Pruning\nWhen and how to prune."}, nil),
		memories, tasks, 0, nil)

	got := b.Build(ctx, "u1", "tell me about the garden")

	markers := []string{
		"I am the garden assistant.",
		"## Skills",
		"## What you know about the user",
		"## Relevant context",
		"## Active task",
		"## Rules",
	}
	last := -1
	for _, marker := range markers {
		idx := strings.Index(got, marker)
		if idx < 0 {
			t.Fatalf("prompt missing %q:\n%s", marker, got)
		}
		if idx <= last {
			t.Fatalf("section %q out of order:\n%s", marker, got)
		}
		last = idx
	}
	if !strings.Contains(got, "- name: Sam") {
		t.Fatalf("user memory missing:\n%s", got)
	}
	if !strings.Contains(got, "Iteration: 1/10") {
		t.Fatalf("task iteration missing:\n%s", got)
	}
	if !strings.Contains(got, "- [done] buy seeds") {
		t.Fatalf("task step missing:\n%s", got)
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	b := NewBuilder(newTestSoul(t, "Identity."), nil, nil, nil, 0, nil)
	got := b.Build(context.Background(), "u1", "")

	if !strings.HasPrefix(got, "Identity.") {
		t.Fatalf("prompt = %q", got)
	}
	for _, absent := range []string{"## Skills", "## What you know", "## Relevant context", "## Active task"} {
		if strings.Contains(got, absent) {
			t.Fatalf("unexpected section %q:\n%s", absent, got)
		}
	}
	if !strings.Contains(got, "## Rules") {
		t.Fatalf("rules missing:\n%s", got)
	}
}

func TestSkillsCharBudget(t *testing.T) {
	big := strings.Repeat("x", 500)
	small := "short content"
	catalog := newTestSkills(t, map[string]string{
		"big.md":   big,
		"small.md": small,
	}, map[string]config.SkillOverride{
		"big":   {AlwaysLoad: true},
		"small": {AlwaysLoad: true},
	})

	// Budget fits only the small skill; the big one must be skipped whole,
	// not truncated.
	b := NewBuilder(nil, catalog, nil, nil, 100, nil)
	got := b.Build(context.Background(), "u1", "")

	if strings.Contains(got, "### big") {
		t.Fatalf("over-budget skill inlined:\n%s", got)
	}
	if !strings.Contains(got, "### small") || !strings.Contains(got, small) {
		t.Fatalf("in-budget skill not inlined:\n%s", got)
	}
	// Both still appear in the catalog lines.
	if !strings.Contains(got, "- big") {
		t.Fatalf("catalog line missing:\n%s", got)
	}
}

func TestIdentityFallbackOnTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "soul.md")
	if err := os.WriteFile(path, []byte("Configured persona."), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}
	m := soul.NewManager(path, nil, nil, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := os.WriteFile(path, []byte("injected persona"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	b := NewBuilder(m, nil, nil, nil, 0, nil)
	got := b.Build(context.Background(), "u1", "")
	if !strings.Contains(got, soul.DefaultIdentity) {
		t.Fatalf("fallback identity missing:\n%s", got)
	}
	if strings.Contains(got, "injected persona") {
		t.Fatalf("tampered identity served:\n%s", got)
	}
}
