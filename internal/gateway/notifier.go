// Package gateway wires the components into the running service: bridge
// frame routing, the command mux, and process lifecycle.
package gateway

import (
	"gateway/internal/approval"
	"gateway/internal/bridge"
)

// Broadcaster is the outbound bridge surface the notifier needs.
type Broadcaster interface {
	Broadcast(frame interface{})
}

// BridgeNotifier delivers gate traffic to every connected bridge. Approval
// requests are broadcast; the first decision from any channel wins at the
// gate, later ones are no-ops.
type BridgeNotifier struct {
	server Broadcaster
}

// NewBridgeNotifier wraps a bridge server as a hitl.Notifier.
func NewBridgeNotifier(server Broadcaster) *BridgeNotifier {
	return &BridgeNotifier{server: server}
}

func (n *BridgeNotifier) Notify(chatID, text string) {
	n.server.Broadcast(bridge.Notification{Type: bridge.TypeNotification, ChatID: chatID, Text: text})
}

func (n *BridgeNotifier) RequestApproval(a *approval.Approval, chatID string) {
	n.server.Broadcast(bridge.ApprovalRequest{
		Type:        bridge.TypeApprovalRequest,
		ApprovalID:  a.ID,
		ToolName:    a.ToolName,
		ToolInput:   a.Input,
		Reason:      a.Reason,
		PlanContext: a.PlanContext,
		ChatID:      chatID,
	})
}

func (n *BridgeNotifier) ApprovalExpired(approvalID, chatID string) {
	n.server.Broadcast(bridge.ApprovalExpired{
		Type:       bridge.TypeApprovalExpired,
		ApprovalID: approvalID,
		ChatID:     chatID,
	})
}
