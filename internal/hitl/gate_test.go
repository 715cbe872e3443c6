package hitl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"gateway/internal/approval"
)

type fakeNotifier struct {
	mu            sync.Mutex
	notifications []string
	expirations   []string
	requests      chan *approval.Approval
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{requests: make(chan *approval.Approval, 8)}
}

func (f *fakeNotifier) Notify(chatID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, text)
}

func (f *fakeNotifier) RequestApproval(a *approval.Approval, chatID string) {
	f.requests <- a
}

func (f *fakeNotifier) ApprovalExpired(approvalID, chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expirations = append(f.expirations, approvalID)
}

func (f *fakeNotifier) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

func (f *fakeNotifier) expiredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.expirations)
}

func newTestGate(t *testing.T, timeout time.Duration) (*Gate, *fakeNotifier) {
	t.Helper()
	store, err := approval.NewStore(filepath.Join(t.TempDir(), "approvals.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("approval store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	notifier := newFakeNotifier()
	gate := NewGate(NewClassifier(testTiers(), nil), store, nil, notifier, timeout, zap.NewNop())
	return gate, notifier
}

func TestGateAutoApprove(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	d, err := gate.Check(context.Background(), Request{
		SessionID: "s1",
		ToolName:  "read_file",
		Input:     map[string]interface{}{"path": "/workspace/a.txt"},
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Proceed || d.Tier != TierAutoApprove {
		t.Errorf("decision = %+v", d)
	}
	if notifier.notifyCount() != 0 {
		t.Error("auto-approve emitted a notification")
	}
}

func TestGateNotifyEmitsBeforeReturn(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	d, err := gate.Check(context.Background(), Request{
		SessionID: "s1",
		ToolName:  "write_file",
		Input:     map[string]interface{}{"path": "/workspace/out.md"},
		ChatID:    "chat-1",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Proceed || d.Tier != TierNotify {
		t.Errorf("decision = %+v", d)
	}
	if notifier.notifyCount() != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.notifyCount())
	}
}

func checkAsync(gate *Gate, ctx context.Context, req Request) (<-chan Decision, <-chan error) {
	decCh := make(chan Decision, 1)
	errCh := make(chan error, 1)
	go func() {
		d, err := gate.Check(ctx, req)
		decCh <- d
		errCh <- err
	}()
	return decCh, errCh
}

func TestGateApprovedProceeds(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	req := Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "make build"},
		ChatID:    "chat-1",
		Reason:    "build the project",
	}
	decCh, errCh := checkAsync(gate, context.Background(), req)

	a := <-notifier.requests
	if a.ToolName != "run_shell_command" || a.Reason != "build the project" {
		t.Errorf("approval request = %+v", a)
	}
	if err := gate.Resolve(context.Background(), a.ID, approval.StatusApproved); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	d := <-decCh
	if err := <-errCh; err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Proceed || d.Status != approval.StatusApproved || d.ApprovalID != a.ID {
		t.Errorf("decision = %+v", d)
	}
}

func TestGateRejectedDoesNotProceed(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	decCh, errCh := checkAsync(gate, context.Background(), Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "rm -rf /"},
	})

	a := <-notifier.requests
	gate.Resolve(context.Background(), a.ID, approval.StatusRejected)

	d := <-decCh
	if err := <-errCh; err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Proceed || d.Status != approval.StatusRejected {
		t.Errorf("decision = %+v", d)
	}
}

func TestGateFirstResolutionWins(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	decCh, _ := checkAsync(gate, context.Background(), Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "ls"},
	})

	a := <-notifier.requests
	if err := gate.Resolve(context.Background(), a.ID, approval.StatusApproved); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := gate.Resolve(context.Background(), a.ID, approval.StatusRejected); err != approval.ErrAlreadyResolved {
		t.Errorf("second resolve error = %v, want ErrAlreadyResolved", err)
	}

	d := <-decCh
	if !d.Proceed || d.Status != approval.StatusApproved {
		t.Errorf("decision = %+v, first resolution should win", d)
	}
}

func TestGateSessionApprovedRecordsGrant(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	req := Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "make test"},
		ChatID:    "chat-1",
	}
	decCh, _ := checkAsync(gate, context.Background(), req)
	a := <-notifier.requests
	gate.Resolve(context.Background(), a.ID, approval.StatusSessionApproved)

	d := <-decCh
	if !d.Proceed || d.Status != approval.StatusSessionApproved {
		t.Fatalf("decision = %+v", d)
	}

	// The identical call is now downgraded to notify: no new approval row,
	// immediate proceed, notification emitted.
	d2, err := gate.Check(context.Background(), req)
	if err != nil {
		t.Fatalf("second Check failed: %v", err)
	}
	if !d2.Proceed || d2.Tier != TierNotify {
		t.Errorf("granted repeat = %+v, want notify proceed", d2)
	}
	if notifier.notifyCount() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.notifyCount())
	}

	// A different command for the same tool still requires approval.
	otherCh, _ := checkAsync(gate, context.Background(), Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "make clean"},
	})
	b := <-notifier.requests
	gate.Resolve(context.Background(), b.ID, approval.StatusRejected)
	if d3 := <-otherCh; d3.Proceed {
		t.Errorf("different input proceeded on another input's grant: %+v", d3)
	}
}

func TestGateGrantIsSessionScoped(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	req := Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "make"},
	}
	decCh, _ := checkAsync(gate, context.Background(), req)
	a := <-notifier.requests
	gate.Resolve(context.Background(), a.ID, approval.StatusSessionApproved)
	<-decCh

	// Same call from another session blocks again.
	req.SessionID = "s2"
	otherCh, _ := checkAsync(gate, context.Background(), req)
	b := <-notifier.requests
	gate.Resolve(context.Background(), b.ID, approval.StatusRejected)
	if d := <-otherCh; d.Proceed {
		t.Errorf("grant leaked across sessions: %+v", d)
	}

	// Clearing the original session removes its grant.
	gate.ClearSession("s1")
	req.SessionID = "s1"
	thirdCh, _ := checkAsync(gate, context.Background(), req)
	c := <-notifier.requests
	gate.Resolve(context.Background(), c.ID, approval.StatusRejected)
	if d := <-thirdCh; d.Proceed {
		t.Errorf("grant survived ClearSession: %+v", d)
	}
}

func TestGateSoulUpdateNeverGranted(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	req := Request{
		SessionID: "s1",
		ToolName:  ToolProposeSoulUpdate,
		Input:     map[string]interface{}{"change": "be kinder"},
	}
	decCh, _ := checkAsync(gate, context.Background(), req)
	a := <-notifier.requests
	gate.Resolve(context.Background(), a.ID, approval.StatusSessionApproved)
	d := <-decCh
	if !d.Proceed {
		t.Fatalf("session-approved soul update should proceed once: %+v", d)
	}

	// The grant must not stick: the identical proposal blocks again.
	repeatCh, _ := checkAsync(gate, context.Background(), req)
	select {
	case b := <-notifier.requests:
		gate.Resolve(context.Background(), b.ID, approval.StatusRejected)
		if d2 := <-repeatCh; d2.Proceed {
			t.Errorf("repeat soul update proceeded: %+v", d2)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("repeat soul update was not re-gated")
	}
}

func TestGateSweeperExpiresPending(t *testing.T) {
	gate, notifier := newTestGate(t, 10*time.Millisecond)

	decCh, errCh := checkAsync(gate, context.Background(), Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "sleep 100"},
		ChatID:    "chat-1",
	})

	a := <-notifier.requests
	time.Sleep(20 * time.Millisecond)
	if n := gate.SweepExpired(context.Background()); n != 1 {
		t.Fatalf("swept %d approvals, want 1", n)
	}

	d := <-decCh
	if err := <-errCh; err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Proceed || d.Status != approval.StatusExpired {
		t.Errorf("decision = %+v, want expired no-proceed", d)
	}
	if notifier.expiredCount() != 1 {
		t.Errorf("expiry notifications = %d, want 1", notifier.expiredCount())
	}

	// The losing late decision is a no-op.
	if err := gate.Resolve(context.Background(), a.ID, approval.StatusApproved); err != approval.ErrAlreadyResolved {
		t.Errorf("late decision error = %v, want ErrAlreadyResolved", err)
	}
}

func TestGateCheckHonoursContext(t *testing.T) {
	gate, notifier := newTestGate(t, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	decCh, errCh := checkAsync(gate, ctx, Request{
		SessionID: "s1",
		ToolName:  "run_shell_command",
		Input:     map[string]interface{}{"command": "ls"},
	})

	<-notifier.requests
	cancel()

	<-decCh
	if err := <-errCh; err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestGateInvalidDecisionRejected(t *testing.T) {
	gate, _ := newTestGate(t, time.Minute)
	if err := gate.Resolve(context.Background(), "any", "expired"); err == nil {
		t.Error("bridge must not be able to set expired directly")
	}
}

func TestCanonicalInputKey(t *testing.T) {
	cases := []struct {
		tool  string
		input map[string]interface{}
		want  string
	}{
		{"read_file", map[string]interface{}{"path": "/a", "encoding": "utf8"}, "/a"},
		{"run_shell_command", map[string]interface{}{"command": "ls -la"}, "ls -la"},
		{"browse_web", map[string]interface{}{"url": "https://x.dev"}, "https://x.dev"},
		{"search_files", map[string]interface{}{"query": "todo"}, "todo"},
		{"search_files", map[string]interface{}{"pattern": "*.go"}, "*.go"},
		{"custom_tool", map[string]interface{}{"b": "2", "a": "1"}, `{"a":"1","b":"2"}`},
	}
	for _, tc := range cases {
		if got := CanonicalInputKey(tc.tool, tc.input); got != tc.want {
			t.Errorf("CanonicalInputKey(%s, %v) = %q, want %q", tc.tool, tc.input, got, tc.want)
		}
	}
}
