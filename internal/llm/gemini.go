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

// geminiClient speaks the generateContent REST API. Gemini has no tool-call
// ids, so ids are synthesised per call and mapped back to function names
// when results are sent.
type geminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

func newGeminiClient(cfg config.LLMConfig, timeout time.Duration) *geminiClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &geminiClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *geminiClient) Provider() string { return "gemini" }
func (c *geminiClient) Model() string    { return c.model }

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string                 `json:"name"`
		Args map[string]interface{} `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string                 `json:"name"`
		Response map[string]interface{} `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []struct {
		FunctionDeclarations []map[string]interface{} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
	GenerationConfig struct {
		MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *geminiClient) Chat(ctx context.Context, req types.ChatRequest) (*types.ChatResponse, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	body := geminiRequest{Contents: toGeminiContents(req.Messages)}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	body.GenerationConfig.MaxOutputTokens = maxTokens
	if len(req.Tools) > 0 {
		var decls []map[string]interface{}
		for _, tool := range req.Tools {
			decls = append(decls, map[string]interface{}{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  tool.InputSchema,
			})
		}
		body.Tools = append(body.Tools, struct {
			FunctionDeclarations []map[string]interface{} `json:"functionDeclarations"`
		}{FunctionDeclarations: decls})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Err: err}
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, &ProviderError{Provider: "gemini", Err: ctx.Err()}
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, &ProviderError{Provider: "gemini", Err: err}
		}
		httpReq.Header.Set("Content-Type", "application/json")

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
			return nil, &ProviderError{Provider: "gemini", Status: resp.StatusCode, Msg: string(raw)}
		}

		var parsed geminiResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, &ProviderError{Provider: "gemini", Err: fmt.Errorf("parse response: %w", err)}
		}
		if parsed.Error != nil {
			return nil, &ProviderError{Provider: "gemini", Msg: parsed.Error.Message}
		}
		if len(parsed.Candidates) == 0 {
			return nil, &ProviderError{Provider: "gemini", Msg: "no candidates returned"}
		}
		return fromGeminiResponse(&parsed), nil
	}
	return nil, &ProviderError{Provider: "gemini", Msg: "max retries exceeded", Err: lastErr}
}

// toGeminiContents maps turns onto Gemini contents. Tool results need the
// originating function name, recovered from the preceding assistant turns
// by call id.
func toGeminiContents(turns []types.ConversationTurn) []geminiContent {
	callNames := make(map[string]string)
	for _, turn := range turns {
		for _, call := range turn.ToolCalls() {
			callNames[call.ID] = call.Name
		}
	}

	var contents []geminiContent
	for _, turn := range turns {
		role := "user"
		if turn.Role == types.RoleAssistant {
			role = "model"
		}
		content := geminiContent{Role: role}
		for _, block := range turn.Content {
			switch block.Type {
			case types.BlockText:
				if block.Text != "" {
					content.Parts = append(content.Parts, geminiPart{Text: block.Text})
				}
			case types.BlockToolCall:
				part := geminiPart{}
				part.FunctionCall = &struct {
					Name string                 `json:"name"`
					Args map[string]interface{} `json:"args"`
				}{Name: block.Name, Args: block.Input}
				content.Parts = append(content.Parts, part)
			case types.BlockToolResult:
				part := geminiPart{}
				part.FunctionResponse = &struct {
					Name     string                 `json:"name"`
					Response map[string]interface{} `json:"response"`
				}{
					Name:     callNames[block.ToolCallID],
					Response: map[string]interface{}{"content": block.Content},
				}
				content.Parts = append(content.Parts, part)
			}
		}
		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return contents
}

func fromGeminiResponse(resp *geminiResponse) *types.ChatResponse {
	candidate := resp.Candidates[0]
	out := &types.ChatResponse{
		Usage: types.UsageMetadata{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
	}
	calls := 0
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			calls++
			id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, calls)
			out.Content = append(out.Content, types.ToolCallBlock(id, part.FunctionCall.Name, part.FunctionCall.Args))
		case part.Text != "":
			out.Content = append(out.Content, types.TextBlock(part.Text))
		}
	}
	if calls > 0 {
		out.StopReason = types.StopToolUse
	} else if candidate.FinishReason == "MAX_TOKENS" {
		out.StopReason = types.StopMaxTokens
	} else {
		out.StopReason = types.StopEndTurn
	}
	return out
}
