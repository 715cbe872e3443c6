package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "approvals.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func create(t *testing.T, store *Store, sessionID, tool string, input map[string]interface{}) *Approval {
	t.Helper()
	a, err := store.Create(context.Background(), CreateRequest{
		SessionID: sessionID,
		ToolName:  tool,
		Input:     input,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return a
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, CreateRequest{
		SessionID:   "sess-1",
		ToolName:    "run_shell_command",
		Input:       map[string]interface{}{"command": "rm -rf build"},
		Capability:  `{"executorType":"shell"}`,
		Reason:      "clean rebuild",
		PlanContext: "step 2 of 3",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.Status != StatusPending {
		t.Errorf("new approval status = %q, want pending", created.Status)
	}

	got, err := store.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.ToolName != "run_shell_command" || got.Input["command"] != "rm -rf build" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Capability != `{"executorType":"shell"}` || got.Reason != "clean rebuild" || got.PlanContext != "step 2 of 3" {
		t.Errorf("context fields lost: %+v", got)
	}
	if got.ResolvedAt != nil {
		t.Error("pending approval has resolvedAt set")
	}

	if _, err := store.GetByID(ctx, "nope"); err != ErrNotFound {
		t.Errorf("missing id error = %v, want ErrNotFound", err)
	}
}

func TestResolveIsTerminalOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := create(t, store, "sess-1", "browse_web", map[string]interface{}{"url": "https://example.com"})

	resolved, err := store.Resolve(ctx, a.ID, StatusApproved)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Status != StatusApproved || resolved.ResolvedAt == nil {
		t.Errorf("resolved = %+v", resolved)
	}

	if _, err := store.Resolve(ctx, a.ID, StatusRejected); err != ErrAlreadyResolved {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}
	got, _ := store.GetByID(ctx, a.ID)
	if got.Status != StatusApproved {
		t.Errorf("status changed after losing resolve: %q", got.Status)
	}

	if _, err := store.Resolve(ctx, "missing", StatusApproved); err != ErrNotFound {
		t.Errorf("resolve missing error = %v, want ErrNotFound", err)
	}
	if _, err := store.Resolve(ctx, a.ID, "maybe"); err == nil {
		t.Error("expected error for invalid terminal status")
	}
}

func TestExpireStalePending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := create(t, store, "sess-1", "run_shell_command", map[string]interface{}{"command": "ls"})
	resolved := create(t, store, "sess-1", "write_file", map[string]interface{}{"path": "/etc/hosts"})
	store.Resolve(ctx, resolved.ID, StatusRejected)

	expired, err := store.ExpireStalePending(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ExpireStalePending failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired rows = %+v, want only the pending one", expired)
	}
	if expired[0].Status != StatusExpired {
		t.Errorf("expired status = %q", expired[0].Status)
	}

	// Already-terminal rows are untouched.
	got, _ := store.GetByID(ctx, resolved.ID)
	if got.Status != StatusRejected {
		t.Errorf("rejected row became %q", got.Status)
	}

	// Rows newer than the cutoff are untouched.
	fresh := create(t, store, "sess-2", "browse_web", map[string]interface{}{"url": "https://x"})
	expired, _ = store.ExpireStalePending(ctx, time.Now().Add(-time.Minute))
	if len(expired) != 0 {
		t.Errorf("fresh approval expired: %+v", expired)
	}
	got, _ = store.GetByID(ctx, fresh.ID)
	if got.Status != StatusPending {
		t.Errorf("fresh row status = %q", got.Status)
	}
}

func TestGetRecentNewestFirst(t *testing.T) {
	store := newTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		a := create(t, store, "sess-1", "run_shell_command", map[string]interface{}{"command": "ls"})
		ids = append(ids, a.ID)
		time.Sleep(2 * time.Millisecond)
	}

	recent, err := store.GetRecent(context.Background(), 2)
	if err != nil {
		t.Fatalf("GetRecent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d rows, want 2", len(recent))
	}
	if recent[0].ID != ids[2] || recent[1].ID != ids[1] {
		t.Errorf("not newest-first: %s, %s", recent[0].ID, recent[1].ID)
	}
}

func TestPendingCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := create(t, store, "s", "t", map[string]interface{}{})
	create(t, store, "s", "t", map[string]interface{}{})
	store.Resolve(ctx, a.ID, StatusSessionApproved)

	n, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}
