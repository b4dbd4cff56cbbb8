// Package embedding generates vector embeddings for memory chunks and
// queries. Two backends are supported — Ollama (local) and Google GenAI
// (cloud) — behind one interface, with bounded jittered retries and an
// optional fallback provider.
package embedding

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"mnemos/internal/config"
	"mnemos/internal/logging"
	"mnemos/internal/types"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the output dimensionality.
	Dimensions() int
	// Name returns the model identifier persisted per chunk.
	Name() string
}

// ModelReporter is implemented by engines that may serve a batch from a
// different model than Name reports, such as the retry wrapper falling back.
type ModelReporter interface {
	EmbedBatchModel(ctx context.Context, texts []string) ([][]float32, string, error)
}

// EmbedBatchModel embeds a batch and reports the model that actually served
// it. Callers persisting vectors must stamp them with this model, not
// eng.Name(): the two differ when a fallback provider answered.
func EmbedBatchModel(ctx context.Context, eng Engine, texts []string) ([][]float32, string, error) {
	if r, ok := eng.(ModelReporter); ok {
		return r.EmbedBatchModel(ctx, texts)
	}
	vectors, err := eng.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, "", err
	}
	return vectors, eng.Name(), nil
}

// NewEngine builds the configured engine, wrapped with retries and the
// fallback provider when one is configured.
func NewEngine(cfg config.EmbeddingConfig) (Engine, error) {
	primary, err := newProvider(cfg.Provider, cfg)
	if err != nil {
		return nil, err
	}
	var fallback Engine
	if cfg.FallbackProvider != "" && cfg.FallbackProvider != cfg.Provider {
		fallback, err = newProvider(cfg.FallbackProvider, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build fallback engine: %w", err)
		}
	}
	return &retryEngine{primary: primary, fallback: fallback, attempts: 3}, nil
}

func newProvider(name string, cfg config.EmbeddingConfig) (Engine, error) {
	switch name {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel, cfg.Dimensions)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", name)
	}
}

// retryEngine wraps a provider with jittered exponential backoff and a
// fallback. Permanent failure maps to ModelUnavailable; the caller parks
// the memory on a retry cursor.
type retryEngine struct {
	primary  Engine
	fallback Engine
	attempts int
}

func (e *retryEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	v, _, err := e.withRetry(ctx, e.primary, func(eng Engine) (interface{}, error) {
		return eng.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (e *retryEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	v, _, err := e.withRetry(ctx, e.primary, func(eng Engine) (interface{}, error) {
		return eng.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]float32), nil
}

// EmbedBatchModel reports which provider served the batch, so persisted
// points carry the fallback's identifier when the fallback answered.
func (e *retryEngine) EmbedBatchModel(ctx context.Context, texts []string) ([][]float32, string, error) {
	v, served, err := e.withRetry(ctx, e.primary, func(eng Engine) (interface{}, error) {
		return eng.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, "", err
	}
	return v.([][]float32), served.Name(), nil
}

func (e *retryEngine) withRetry(ctx context.Context, eng Engine, call func(Engine) (interface{}, error)) (interface{}, Engine, error) {
	log := logging.Get(logging.CategoryCortex)
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			backoff += time.Duration(rand.Int63n(int64(backoff / 2)))
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		v, err := call(eng)
		if err == nil {
			return v, eng, nil
		}
		lastErr = err
		log.Warnw("embedding attempt failed", "engine", eng.Name(), "attempt", attempt+1, "error", err)
	}
	if e.fallback != nil && eng == e.primary {
		log.Infow("primary embedding engine exhausted, trying fallback", "fallback", e.fallback.Name())
		return e.withRetry(ctx, e.fallback, call)
	}
	return nil, nil, types.E(types.ErrModelUnavailable, "embedding failed after %d attempts: %v", e.attempts, lastErr)
}

func (e *retryEngine) Dimensions() int { return e.primary.Dimensions() }

// Name reports the primary model. A batch served by the fallback is
// attributed through EmbedBatchModel instead; the vector store rejects its
// identifier rather than silently mixing models.
func (e *retryEngine) Name() string { return e.primary.Name() }
