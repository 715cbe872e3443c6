// Package bridge implements the Gateway side of the bridge transport:
// JSON-lines frames over a local UNIX socket, one JSON object per line.
// Bridges (chat-platform adapters) are external processes; this package
// only speaks the frame protocol.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame type discriminators. Command frames use the command name itself as
// the type; responses mirror the request type.
const (
	TypeSocketRequest    = "socket-request"
	TypeSocketResponse   = "socket-response"
	TypeApprovalDecision = "approval-decision"
	TypeApprovalRequest  = "approval-request"
	TypeApprovalExpired  = "approval-expired"
	TypeNotification     = "notification"
	TypeTaskProgress     = "task-progress"
)

// Command frame types routed through the gateway command mux.
const (
	CmdMemoryList      = "memory-list"
	CmdMemoryDelete    = "memory-delete"
	CmdSessionList     = "session-list"
	CmdTaskStop        = "task-stop"
	CmdHeartbeatList   = "heartbeat-list"
	CmdHeartbeatToggle = "heartbeat-toggle"
	CmdSoulHistory     = "soul-history"
	CmdSoulRollback    = "soul-rollback"
)

// AuthCommandPrefix marks auth broker commands (auth-status, auth-connect...).
const AuthCommandPrefix = "auth-"

// Message is one platform-agnostic inbound chat message.
type Message struct {
	ID         string                 `json:"id"`
	PlatformID string                 `json:"platformId,omitempty"`
	Source     string                 `json:"source"`
	UserID     string                 `json:"userId"`
	Text       string                 `json:"text"`
	Timestamp  int64                  `json:"timestamp,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ReplyTo addresses the chat the response should land in.
type ReplyTo struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId,omitempty"`
}

// SocketRequest is one user turn arriving from a bridge.
type SocketRequest struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	Message   Message `json:"message"`
	ReplyTo   ReplyTo `json:"replyTo"`
}

// Outgoing is the response content of a SocketResponse.
type Outgoing struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	ReplyToID string `json:"replyToId,omitempty"`
}

// SocketResponse answers a SocketRequest.
type SocketResponse struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Outgoing  Outgoing `json:"outgoing"`
	Error     string   `json:"error,omitempty"`
}

// ApprovalDecision is a human verdict on a pending approval.
type ApprovalDecision struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approvalId"`
	Decision   string `json:"decision"` // approved, rejected, session-approved
}

// ApprovalRequest asks connected bridges for a decision.
type ApprovalRequest struct {
	Type        string                 `json:"type"`
	ApprovalID  string                 `json:"approvalId"`
	ToolName    string                 `json:"toolName"`
	ToolInput   map[string]interface{} `json:"toolInput"`
	Reason      string                 `json:"reason,omitempty"`
	PlanContext string                 `json:"planContext,omitempty"`
	ChatID      string                 `json:"chatId"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ApprovalExpired tells bridges a pending approval timed out.
type ApprovalExpired struct {
	Type       string `json:"type"`
	ApprovalID string `json:"approvalId"`
	ChatID     string `json:"chatId"`
}

// Notification is a fire-and-forget message to a chat.
type Notification struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// TaskProgress reports task loop progress to a chat.
type TaskProgress struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// Command is a generic command request; the frame type carries the command
// name and Payload its arguments.
type Command struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandResponse mirrors the request type, carrying either Data or Error.
type CommandResponse struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// IsCommand reports whether a frame type routes through the command mux.
func IsCommand(frameType string) bool {
	switch frameType {
	case CmdMemoryList, CmdMemoryDelete, CmdSessionList, CmdTaskStop,
		CmdHeartbeatList, CmdHeartbeatToggle, CmdSoulHistory, CmdSoulRollback:
		return true
	}
	return strings.HasPrefix(frameType, AuthCommandPrefix)
}

// critical frames are never dropped under backpressure; the client is
// disconnected instead.
func critical(frameType string) bool {
	switch frameType {
	case TypeNotification, TypeTaskProgress:
		return false
	}
	return true
}

// peekType reads the discriminator of a raw frame.
func peekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("malformed frame: %w", err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return head.Type, nil
}
