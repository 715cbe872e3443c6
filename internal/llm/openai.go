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

// openaiClient speaks the Chat Completions API. The codex provider reuses
// this wire format with its own defaults.
type openaiClient struct {
	provider   string
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func newOpenAIClient(cfg config.LLMConfig, timeout time.Duration, provider string) *openaiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &openaiClient{
		provider:   provider,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      cfg.Model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// newCodexClient is the codex variant: same chat-completions wire format,
// codex model default.
func newCodexClient(cfg config.LLMConfig, timeout time.Duration) *openaiClient {
	client := newOpenAIClient(cfg, timeout, "codex")
	if client.model == "" {
		client.model = "gpt-5-codex"
	}
	return client
}

func (c *openaiClient) Provider() string { return c.provider }
func (c *openaiClient) Model() string    { return c.model }

// Wire types for chat completions.

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiFunctionCall `json:"function"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openaiRequest struct {
	Model     string          `json:"model"`
	Messages  []openaiMessage `json:"messages"`
	Tools     []openaiTool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_completion_tokens,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openaiClient) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body := openaiRequest{
		Model:     c.model,
		Messages:  toOpenAIMessages(req.System, req.Messages),
		MaxTokens: maxTokens,
	}
	for _, tool := range req.Tools {
		var t openaiTool
		t.Type = "function"
		t.Function.Name = tool.Name
		t.Function.Description = tool.Description
		t.Function.Parameters = tool.InputSchema
		body.Tools = append(body.Tools, t)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: c.provider, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, &ProviderError{Provider: c.provider, Err: ctx.Err()}
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return nil, &ProviderError{Provider: c.provider, Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

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
			return nil, &ProviderError{Provider: c.provider, Status: resp.StatusCode, Msg: string(raw)}
		}

		var parsed openaiResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, &ProviderError{Provider: c.provider, Err: fmt.Errorf("parse response: %w", err)}
		}
		if parsed.Error != nil {
			return nil, &ProviderError{Provider: c.provider, Msg: parsed.Error.Message}
		}
		if len(parsed.Choices) == 0 {
			return nil, &ProviderError{Provider: c.provider, Msg: "no choices returned"}
		}
		return fromOpenAIResponse(&parsed), nil
	}
	return nil, &ProviderError{Provider: c.provider, Msg: "max retries exceeded", Err: lastErr}
}

// toOpenAIMessages flattens conversation turns into the chat-completions
// shape: assistant tool calls ride on the assistant message, each tool
// result becomes its own role=tool message.
func toOpenAIMessages(system string, turns []types.ConversationTurn) []openaiMessage {
	var messages []openaiMessage
	if system != "" {
		messages = append(messages, openaiMessage{Role: "system", Content: system})
	}
	for _, turn := range turns {
		switch turn.Role {
		case types.RoleToolResults:
			for _, block := range turn.Content {
				if block.Type != types.BlockToolResult {
					continue
				}
				messages = append(messages, openaiMessage{
					Role:       "tool",
					Content:    block.Content,
					ToolCallID: block.ToolCallID,
				})
			}
		case types.RoleAssistant:
			msg := openaiMessage{Role: "assistant", Content: turn.Text()}
			for _, call := range turn.ToolCalls() {
				args, err := json.Marshal(call.Input)
				if err != nil {
					args = []byte("{}")
				}
				msg.ToolCalls = append(msg.ToolCalls, openaiToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			messages = append(messages, msg)
		default:
			messages = append(messages, openaiMessage{Role: "user", Content: turn.Text()})
		}
	}
	return messages
}

func fromOpenAIResponse(resp *openaiResponse) *types.ChatResponse {
	choice := resp.Choices[0]
	out := &types.ChatResponse{
		StopReason: normaliseOpenAIStop(choice.FinishReason),
		Usage: types.UsageMetadata{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	if choice.Message.Content != "" {
		out.Content = append(out.Content, types.TextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		input := map[string]interface{}{}
		if call.Function.Arguments != "" {
			// Malformed arguments surface as an empty input; the tool's own
			// schema validation reports the problem back to the model.
			_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
		}
		out.Content = append(out.Content, types.ToolCallBlock(call.ID, call.Function.Name, input))
	}
	return out
}

func normaliseOpenAIStop(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return types.StopToolUse
	case "length":
		return types.StopMaxTokens
	default:
		return types.StopEndTurn
	}
}
