// Package embedding provides vector embedding generation for semantic memory
// recall. Two backends: Ollama (local) and Google GenAI (cloud).
package embedding

import (
	"context"
	"fmt"
)

// Engine generates vector embeddings for text.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the vector width every Embed call produces.
	Dimensions() int
	Name() string
}

// Config selects and parameterises an embedding backend.
type Config struct {
	// Provider: "ollama", "genai", or "" to disable semantic recall.
	Provider string `yaml:"provider" json:"provider"`

	// Endpoint is the Ollama server address. Default: "http://localhost:11434".
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Model names the embedding model. Defaults: "embeddinggemma" (ollama),
	// "gemini-embedding-001" (genai).
	Model string `yaml:"model" json:"model"`

	// APIKey authenticates against GenAI. Usually injected from GEMINI_API_KEY.
	APIKey string `yaml:"-" json:"-"`
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.Endpoint, cfg.Model)
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama' or 'genai')", cfg.Provider)
	}
}
