package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEventType identifies the kind of audit event.
type AuditEventType string

const (
	AuditMessageReceived   AuditEventType = "message_received"
	AuditLLMRequest        AuditEventType = "llm_request"
	AuditLLMResponse       AuditEventType = "llm_response"
	AuditMessageSent       AuditEventType = "message_sent"
	AuditToolCall          AuditEventType = "tool_call"
	AuditToolResult        AuditEventType = "tool_result"
	AuditActionClassified  AuditEventType = "action_classified"
	AuditApprovalRequested AuditEventType = "approval_requested"
	AuditApprovalResolved  AuditEventType = "approval_resolved"
	AuditError             AuditEventType = "error"
	AuditSoulLoaded        AuditEventType = "soul_loaded"
	AuditSoulIntegrity     AuditEventType = "soul_integrity_failure"
	AuditSoulUpdated       AuditEventType = "soul_updated"
	AuditSkillLoaded       AuditEventType = "skill_loaded"
	AuditSkillIntegrity    AuditEventType = "skill_integrity_failure"
	AuditMCPProxy          AuditEventType = "mcp_proxy"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp int64                  `json:"timestamp"` // Unix milliseconds, UTC
	Type      AuditEventType         `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Auditor appends events to audit-YYYY-MM-DD.jsonl files under a directory.
// Appends are serialised and timestamps are strictly increasing, so events
// for one session are totally ordered. Write failures are logged, never
// propagated: a broken audit disk must not take the Gateway down mid-turn.
type Auditor struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	fileDate string
	lastTS   int64
	log      *zap.Logger
}

// NewAuditor creates the audit directory if needed and returns an Auditor
// writing into it. The file itself is opened lazily on the first event.
func NewAuditor(dir string, log *zap.Logger) (*Auditor, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{dir: dir, log: log.Named("audit")}, nil
}

// Log appends one event. Timestamp and file rotation are handled here;
// callers only supply the type, the session correlation id and the payload.
func (a *Auditor) Log(eventType AuditEventType, sessionID string, data map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= a.lastTS {
		now = a.lastTS + 1
	}
	a.lastTS = now

	date := time.UnixMilli(now).UTC().Format("2006-01-02")
	if a.file == nil || date != a.fileDate {
		if err := a.rotateLocked(date); err != nil {
			a.log.Warn("audit rotate failed", zap.Error(err))
			return
		}
	}

	line, err := json.Marshal(AuditEvent{
		Timestamp: now,
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	})
	if err != nil {
		a.log.Warn("audit marshal failed", zap.Error(err))
		return
	}
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.log.Warn("audit write failed", zap.Error(err))
	}
}

func (a *Auditor) rotateLocked(date string) error {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
	path := filepath.Join(a.dir, fmt.Sprintf("audit-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	a.file = file
	a.fileDate = date
	return nil
}

// Close flushes and closes the current audit file.
func (a *Auditor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Convenience wrappers for the event shapes used throughout the Gateway.

func (a *Auditor) MessageReceived(sessionID, source, userID string, length int) {
	a.Log(AuditMessageReceived, sessionID, map[string]interface{}{
		"source": source, "userId": userID, "length": length,
	})
}

func (a *Auditor) MessageSent(sessionID, chatID string, length int) {
	a.Log(AuditMessageSent, sessionID, map[string]interface{}{
		"chatId": chatID, "length": length,
	})
}

func (a *Auditor) LLMRequest(sessionID, provider, model string, turns int) {
	a.Log(AuditLLMRequest, sessionID, map[string]interface{}{
		"provider": provider, "model": model, "turns": turns,
	})
}

func (a *Auditor) LLMResponse(sessionID, provider, stopReason string, durationMs int64, errMsg string) {
	data := map[string]interface{}{
		"provider": provider, "stopReason": stopReason, "durationMs": durationMs,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	a.Log(AuditLLMResponse, sessionID, data)
}

func (a *Auditor) ToolCallEvent(sessionID, tool string, input map[string]interface{}) {
	a.Log(AuditToolCall, sessionID, map[string]interface{}{
		"tool": tool, "input": input,
	})
}

func (a *Auditor) ToolResultEvent(sessionID, tool string, success bool, durationMs int64, errMsg string) {
	data := map[string]interface{}{
		"tool": tool, "success": success, "durationMs": durationMs,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	a.Log(AuditToolResult, sessionID, data)
}

func (a *Auditor) ActionClassified(sessionID, tool, tier string, sessionGrant bool) {
	a.Log(AuditActionClassified, sessionID, map[string]interface{}{
		"tool": tool, "tier": tier, "sessionGrant": sessionGrant,
	})
}

func (a *Auditor) ApprovalRequested(sessionID, approvalID, tool, reason string) {
	a.Log(AuditApprovalRequested, sessionID, map[string]interface{}{
		"approvalId": approvalID, "tool": tool, "reason": reason,
	})
}

func (a *Auditor) ApprovalResolved(sessionID, approvalID, status string) {
	a.Log(AuditApprovalResolved, sessionID, map[string]interface{}{
		"approvalId": approvalID, "status": status,
	})
}

func (a *Auditor) ErrorEvent(sessionID, component string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.Log(AuditError, sessionID, map[string]interface{}{
		"component": component, "error": msg,
	})
}

func (a *Auditor) MCPProxyEvent(callerIP, server, targetDomain string, allowed bool, reason string) {
	data := map[string]interface{}{
		"callerIp": callerIP, "targetDomain": targetDomain, "allowed": allowed,
	}
	if server != "" {
		data["server"] = server
	}
	if reason != "" {
		data["reason"] = reason
	}
	a.Log(AuditMCPProxy, "", data)
}
