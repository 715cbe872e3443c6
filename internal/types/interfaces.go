package types

import (
	"context"
)

// ToolDefinition describes a tool that the LLM can invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"` // JSON Schema for parameters
}

// Stop reasons reported by LLM providers, normalised.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// UsageMetadata captures token usage metrics from the LLM.
type UsageMetadata struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatRequest is one provider-agnostic LLM round trip.
type ChatRequest struct {
	System    string
	Messages  []ConversationTurn
	Tools     []ToolDefinition
	MaxTokens int
}

// ChatResponse preserves the model's interleaved text and tool_call blocks.
type ChatResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      UsageMetadata  `json:"usage"`
}

// Text concatenates the response's text blocks.
func (r *ChatResponse) Text() string {
	return ConversationTurn{Content: r.Content}.Text()
}

// ToolCalls returns the response's tool_call blocks in order.
func (r *ChatResponse) ToolCalls() []ContentBlock {
	return ConversationTurn{Content: r.Content}.ToolCalls()
}

// LLMClient is the capability interface implemented by each provider.
type LLMClient interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Provider() string
	Model() string
}
