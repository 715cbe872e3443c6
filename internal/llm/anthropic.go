package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gateway/internal/config"
	"gateway/internal/types"
)

const anthropicVersion = "2023-06-01"

// anthropicClient speaks the Anthropic Messages API directly over HTTP.
type anthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func newAnthropicClient(cfg config.LLMConfig, timeout time.Duration) *anthropicClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &anthropicClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *anthropicClient) Provider() string { return "anthropic" }
func (c *anthropicClient) Model() string    { return c.model }

// Wire types for the Messages API.

type anthropicMessage struct {
	Role    string                   `json:"role"`
	Content []map[string]interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends one round trip. Retries transport errors and 429s with
// exponential backoff; any other non-200 aborts immediately.
func (c *anthropicClient) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body := anthropicRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  toAnthropicMessages(req.Messages),
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, &ProviderError{Provider: "anthropic", Err: ctx.Err()}
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			return nil, &ProviderError{Provider: "anthropic", Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", c.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &ProviderError{Provider: "anthropic", Status: resp.StatusCode, Msg: string(raw)}
		}

		var parsed anthropicResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, &ProviderError{Provider: "anthropic", Err: fmt.Errorf("parse response: %w", err)}
		}
		if parsed.Error != nil {
			return nil, &ProviderError{Provider: "anthropic", Msg: parsed.Error.Message}
		}
		return fromAnthropicResponse(&parsed), nil
	}
	return nil, &ProviderError{Provider: "anthropic", Msg: "max retries exceeded", Err: lastErr}
}

// toAnthropicMessages maps conversation turns onto API messages. tool_results
// turns become user messages carrying tool_result blocks, which is how the
// Messages API expects results back.
func toAnthropicMessages(turns []types.ConversationTurn) []anthropicMessage {
	messages := make([]anthropicMessage, 0, len(turns))
	for _, turn := range turns {
		role := turn.Role
		if role == types.RoleToolResults {
			role = "user"
		}
		msg := anthropicMessage{Role: role}
		for _, block := range turn.Content {
			switch block.Type {
			case types.BlockText:
				msg.Content = append(msg.Content, map[string]interface{}{
					"type": "text", "text": block.Text,
				})
			case types.BlockToolCall:
				input := block.Input
				if input == nil {
					input = map[string]interface{}{}
				}
				msg.Content = append(msg.Content, map[string]interface{}{
					"type": "tool_use", "id": block.ID, "name": block.Name, "input": input,
				})
			case types.BlockToolResult:
				entry := map[string]interface{}{
					"type": "tool_result", "tool_use_id": block.ToolCallID, "content": block.Content,
				}
				if block.IsError {
					entry["is_error"] = true
				}
				msg.Content = append(msg.Content, entry)
			}
		}
		if len(msg.Content) > 0 {
			messages = append(messages, msg)
		}
	}
	return messages
}

func fromAnthropicResponse(resp *anthropicResponse) *types.ChatResponse {
	out := &types.ChatResponse{
		StopReason: normaliseAnthropicStop(resp.StopReason),
		Usage: types.UsageMetadata{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, types.TextBlock(block.Text))
		case "tool_use":
			out.Content = append(out.Content, types.ToolCallBlock(block.ID, block.Name, block.Input))
		}
	}
	return out
}

func normaliseAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return types.StopToolUse
	case "max_tokens":
		return types.StopMaxTokens
	default:
		return types.StopEndTurn
	}
}
