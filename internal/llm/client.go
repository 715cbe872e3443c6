// Package llm implements the provider clients behind the types.LLMClient
// interface. Each client translates the provider-agnostic ContentBlock
// vocabulary into the vendor wire format and back; the orchestrator never
// sees vendor types.
package llm

import (
	"errors"
	"fmt"
	"time"

	"gateway/internal/config"
	"gateway/internal/types"
)

// ProviderError is any failure of an LLM round trip: transport, HTTP status
// or a vendor error object. It aborts the turn; it never becomes a
// tool_result.
type ProviderError struct {
	Provider string
	Status   int
	Msg      string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: %s returned status %d: %s", e.Provider, e.Status, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("llm: %s request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("llm: %s: %s", e.Provider, e.Msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is any provider failure.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// retryable statuses get up to maxRetries attempts with exponential backoff.
const maxRetries = 3

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// New builds the configured provider client.
func New(cfg config.LLMConfig) (types.LLMClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: no API key for provider %q", cfg.Provider)
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		timeout = 2 * time.Minute
	}

	switch cfg.Provider {
	case "anthropic":
		return newAnthropicClient(cfg, timeout), nil
	case "openai":
		return newOpenAIClient(cfg, timeout, "openai"), nil
	case "codex":
		return newCodexClient(cfg, timeout), nil
	case "gemini":
		return newGeminiClient(cfg, timeout), nil
	}
	return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
}
