// Package llm holds the embedding and reasoning providers: Gemini, OpenAI and
// any OpenAI-compatible local server. Provider errors are mapped onto the
// core retry taxonomy so callers can back off on 429s.
package llm

import (
	"context"
	"fmt"

	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// NewEmbeddingProvider builds the embedder named by cfg.EmbedProvider.
// The returned close func is never nil.
func NewEmbeddingProvider(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, func() error, error) {
	noop := func() error { return nil }
	switch cfg.EmbedProvider {
	case "gemini":
		e, err := NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, noop, fmt.Errorf("gemini embedder: %w", err)
		}
		return e, e.Close, nil
	case "openai":
		return NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedDim), noop, nil
	case "local":
		e, err := NewLocalEmbedder(cfg.LocalAIBaseURL, cfg.EmbedModel)
		if err != nil {
			return nil, noop, fmt.Errorf("local embedder: %w", err)
		}
		return e, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown embedding provider %q", cfg.EmbedProvider)
}

// NewLLMProvider builds the reasoning model named by cfg.LLMProvider.
func NewLLMProvider(ctx context.Context, cfg *config.Config) (core.LLMProvider, func() error, error) {
	noop := func() error { return nil }
	switch cfg.LLMProvider {
	case "gemini":
		l, err := NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel)
		if err != nil {
			return nil, noop, fmt.Errorf("gemini llm: %w", err)
		}
		return l, l.Close, nil
	case "openai":
		return NewOpenAILLM(cfg.OpenAIAPIKey, cfg.GenModel), noop, nil
	case "local":
		l, err := NewLocalLLM(cfg.LocalAIBaseURL, cfg.GenModel)
		if err != nil {
			return nil, noop, fmt.Errorf("local llm: %w", err)
		}
		return l, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
}
