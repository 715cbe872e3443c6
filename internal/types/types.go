// Package types provides shared type definitions used across Gateway packages.
// This package exists to break import cycles between the orchestrator, the
// stores and the transport. Types here are foundational data structures with
// no dependencies on other internal packages.
package types

import (
	"strings"
	"time"
)

// Message is a platform-agnostic inbound user message.
type Message struct {
	ID         string                 `json:"id"`
	PlatformID string                 `json:"platformId,omitempty"`
	Source     string                 `json:"source"` // telegram, slack, web, heartbeat
	UserID     string                 `json:"userId"`
	Content    string                 `json:"content"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Conversation roles.
const (
	RoleUser        = "user"
	RoleAssistant   = "assistant"
	RoleToolResults = "tool_results"
)

// ContentBlock variants.
const (
	BlockText       = "text"
	BlockToolCall   = "tool_call"
	BlockToolResult = "tool_result"
)

// ContentBlock is a discriminated-union fragment of an LLM turn: plain text,
// a tool call requested by the model, or the result fed back to it.
type ContentBlock struct {
	Type       string                 `json:"type"`
	Text       string                 `json:"text,omitempty"`
	ID         string                 `json:"id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	ToolCallID string                 `json:"toolCallId,omitempty"`
	Content    string                 `json:"content,omitempty"`
	IsError    bool                   `json:"isError,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolCallBlock builds a tool_call content block.
func ToolCallBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockToolCall, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result content block answering call id.
func ToolResultBlock(toolCallID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolCallID: toolCallID, Content: content, IsError: isError}
}

// ConversationTurn is one entry of a session's history.
type ConversationTurn struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// TextTurn builds a single-block text turn.
func TextTurn(role, text string) ConversationTurn {
	return ConversationTurn{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the turn's text blocks.
func (t ConversationTurn) Text() string {
	var b strings.Builder
	for _, block := range t.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the turn's tool_call blocks in order.
func (t ConversationTurn) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, block := range t.Content {
		if block.Type == BlockToolCall {
			calls = append(calls, block)
		}
	}
	return calls
}

// LastUserText returns the text of the most recent user turn, or "".
func LastUserText(history []ConversationTurn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Text()
		}
	}
	return ""
}
