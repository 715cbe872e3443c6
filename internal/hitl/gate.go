package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gateway/internal/approval"
	"gateway/internal/logging"
)

// Notifier delivers gate traffic to connected bridges. Implementations must
// not block; frames are fire-and-forget from the gate's point of view.
type Notifier interface {
	Notify(chatID, text string)
	RequestApproval(a *approval.Approval, chatID string)
	ApprovalExpired(approvalID, chatID string)
}

// Request describes one tool call awaiting a gate decision.
type Request struct {
	SessionID   string
	ToolName    string
	Input       map[string]interface{}
	ChatID      string
	Reason      string
	PlanContext string
	// Capability is the serialized claims preview shown to the approver.
	Capability string
	// DefaultTier applies when no configured rule matches the call, e.g.
	// an MCP server's defaultTier for its tools.
	DefaultTier string
}

// Decision is the gate's verdict on a tool call.
type Decision struct {
	Proceed    bool
	Tier       string
	ApprovalID string
	// Status carries the terminal approval status when the tier required
	// approval: approved, rejected, session-approved or expired.
	Status string
}

type grantKey struct {
	tool     string
	inputKey string
}

type pendingWait struct {
	ch        chan string
	sessionID string
	chatID    string
	toolName  string
	inputKey  string
}

// Gate classifies tool calls and blocks require-approval ones on a human
// decision. One rendezvous per approval id; the first resolution wins.
type Gate struct {
	classifier *Classifier
	approvals  *approval.Store
	auditor    *logging.Auditor
	notifier   Notifier
	timeout    time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	grants  map[string]map[grantKey]bool
	pending map[string]*pendingWait
}

// NewGate wires the gate. notifier and auditor may be nil (dropped frames /
// no audit), which only tests should rely on.
func NewGate(classifier *Classifier, approvals *approval.Store, auditor *logging.Auditor, notifier Notifier, timeout time.Duration, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Gate{
		classifier: classifier,
		approvals:  approvals,
		auditor:    auditor,
		notifier:   notifier,
		timeout:    timeout,
		log:        log.Named("hitl"),
		grants:     make(map[string]map[grantKey]bool),
		pending:    make(map[string]*pendingWait),
	}
}

// Check classifies the call and, for require-approval, blocks until a
// decision, expiry, or ctx cancellation.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	tier := g.classifier.ClassifyWithFallback(req.ToolName, req.Input, req.DefaultTier)
	inputKey := CanonicalInputKey(req.ToolName, req.Input)

	sessionGrant := false
	if tier == TierRequireApproval && req.ToolName != ToolProposeSoulUpdate && g.hasGrant(req.SessionID, req.ToolName, inputKey) {
		tier = TierNotify
		sessionGrant = true
	}

	if g.auditor != nil {
		g.auditor.ActionClassified(req.SessionID, req.ToolName, tier, sessionGrant)
	}

	switch tier {
	case TierAutoApprove:
		return Decision{Proceed: true, Tier: tier}, nil
	case TierNotify:
		if g.notifier != nil {
			g.notifier.Notify(req.ChatID, notifyText(req.ToolName, req.Input))
		}
		return Decision{Proceed: true, Tier: tier}, nil
	}

	return g.awaitApproval(ctx, req, inputKey)
}

func (g *Gate) awaitApproval(ctx context.Context, req Request, inputKey string) (Decision, error) {
	a, err := g.approvals.Create(ctx, approval.CreateRequest{
		SessionID:   req.SessionID,
		ToolName:    req.ToolName,
		Input:       req.Input,
		Capability:  req.Capability,
		Reason:      req.Reason,
		PlanContext: req.PlanContext,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to create approval: %w", err)
	}

	wait := &pendingWait{
		ch:        make(chan string, 1),
		sessionID: req.SessionID,
		chatID:    req.ChatID,
		toolName:  req.ToolName,
		inputKey:  inputKey,
	}
	g.mu.Lock()
	g.pending[a.ID] = wait
	g.mu.Unlock()

	if g.auditor != nil {
		g.auditor.ApprovalRequested(req.SessionID, a.ID, req.ToolName, req.Reason)
	}
	if g.notifier != nil {
		g.notifier.RequestApproval(a, req.ChatID)
	}
	g.log.Info("approval requested",
		zap.String("approvalId", a.ID),
		zap.String("tool", req.ToolName),
		zap.String("sessionId", req.SessionID))

	select {
	case status := <-wait.ch:
		return g.finishApproval(req, a.ID, inputKey, status), nil
	case <-ctx.Done():
		g.unregister(a.ID)
		// Terminal-ise the abandoned row; a decision racing us may win.
		if _, err := g.approvals.Resolve(context.Background(), a.ID, approval.StatusExpired); err == nil {
			if g.auditor != nil {
				g.auditor.ApprovalResolved(req.SessionID, a.ID, approval.StatusExpired)
			}
		}
		return Decision{}, ctx.Err()
	}
}

func (g *Gate) finishApproval(req Request, approvalID, inputKey, status string) Decision {
	if g.auditor != nil {
		g.auditor.ApprovalResolved(req.SessionID, approvalID, status)
	}

	decision := Decision{Tier: TierRequireApproval, ApprovalID: approvalID, Status: status}
	switch status {
	case approval.StatusApproved:
		decision.Proceed = true
	case approval.StatusSessionApproved:
		decision.Proceed = true
		if req.ToolName != ToolProposeSoulUpdate {
			g.recordGrant(req.SessionID, req.ToolName, inputKey)
		}
	case approval.StatusExpired:
		if g.notifier != nil {
			g.notifier.ApprovalExpired(approvalID, req.ChatID)
		}
	}
	g.log.Info("approval resolved",
		zap.String("approvalId", approvalID),
		zap.String("status", status))
	return decision
}

// Resolve applies a bridge decision to a pending approval. The first
// resolution wins; later ones return approval.ErrAlreadyResolved.
func (g *Gate) Resolve(ctx context.Context, approvalID, decision string) error {
	switch decision {
	case approval.StatusApproved, approval.StatusRejected, approval.StatusSessionApproved:
	default:
		return fmt.Errorf("invalid approval decision %q", decision)
	}

	if _, err := g.approvals.Resolve(ctx, approvalID, decision); err != nil {
		return err
	}
	if wait := g.unregister(approvalID); wait != nil {
		wait.ch <- decision
	}
	return nil
}

// SweepExpired expires stale pending approvals and wakes their waiters.
func (g *Gate) SweepExpired(ctx context.Context) int {
	stale, err := g.approvals.ExpireStalePending(ctx, time.Now().Add(-g.timeout))
	if err != nil {
		g.log.Warn("approval sweep failed", zap.Error(err))
		return 0
	}
	for _, a := range stale {
		if wait := g.unregister(a.ID); wait != nil {
			wait.ch <- approval.StatusExpired
		}
	}
	return len(stale)
}

// StartSweeper runs SweepExpired on the interval until ctx is cancelled.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.SweepExpired(ctx)
			}
		}
	}()
}

func (g *Gate) unregister(approvalID string) *pendingWait {
	g.mu.Lock()
	defer g.mu.Unlock()
	wait := g.pending[approvalID]
	delete(g.pending, approvalID)
	return wait
}

func (g *Gate) hasGrant(sessionID, tool, inputKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.grants[sessionID][grantKey{tool, inputKey}]
}

func (g *Gate) recordGrant(sessionID, tool, inputKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grants[sessionID] == nil {
		g.grants[sessionID] = make(map[grantKey]bool)
	}
	g.grants[sessionID][grantKey{tool, inputKey}] = true
}

// ClearSession drops all grants for a session. Called when the session
// expires or is deleted.
func (g *Gate) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants, sessionID)
}

// CanonicalInputKey reduces a tool input to the value a session grant is
// keyed on: the one field that names the action's target, or the whole
// input (sorted-key JSON) when no single field does.
func CanonicalInputKey(tool string, input map[string]interface{}) string {
	field := ""
	switch tool {
	case "read_file", "write_file", "list_directory":
		field = "path"
	case "run_shell_command":
		field = "command"
	case "browse_web":
		field = "url"
	case "search_files":
		if _, ok := input["query"]; ok {
			field = "query"
		} else {
			field = "pattern"
		}
	}
	if field != "" {
		if raw, ok := input[field]; ok && raw != nil {
			return coerceString(raw)
		}
	}
	encoded, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(encoded)
}

func notifyText(tool string, input map[string]interface{}) string {
	key := CanonicalInputKey(tool, input)
	if len(key) > 200 {
		key = key[:200] + "…"
	}
	return fmt.Sprintf("Executing %s: %s", tool, key)
}
