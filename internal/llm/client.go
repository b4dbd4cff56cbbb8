// Package llm provides the chat and labelling model clients. Two backends
// are supported, Ollama (local) and Google GenAI (cloud), behind one
// interface with blocking and streaming completion.
package llm

import (
	"context"
	"fmt"

	"mnemos/internal/config"
)

// Client produces text completions.
type Client interface {
	// Complete returns the full completion for a prompt.
	Complete(ctx context.Context, system, prompt string) (string, error)
	// Stream emits completion deltas on the first channel; a terminal
	// failure arrives on the second. Both channels close when done.
	Stream(ctx context.Context, system, prompt string) (<-chan string, <-chan error)
	// Name returns the model identifier used in connection provenance.
	Name() string
}

// NewClient builds the configured chat client.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(cfg.OllamaEndpoint, cfg.OllamaModel, config.Duration(cfg.Timeout)), nil
	case "genai":
		return NewGenAIClient(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
