package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

var errNoCandidates = errors.New("gemini returned no candidates")

// GeminiLLM answers prompts with a single JSON candidate at temperature 0.
type GeminiLLM struct {
	client    *genai.Client
	modelName string
	logger    *slog.Logger
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string) (*GeminiLLM, error) {
	cl, err := newGenaiClient(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiLLM{
		client:    cl,
		modelName: modelName,
		logger:    slog.Default().With("component", "gemini-llm"),
	}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiLLM) model(systemPrompt string) *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(0)
	m.SetCandidateCount(1)
	m.ResponseMIMEType = "application/json"
	if systemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(systemPrompt)},
		}
	}
	return m
}

// Generate returns the text parts of the first candidate. A blocked prompt
// is a permanent error; quota and server errors come back retryable.
func (g *GeminiLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := g.model(systemPrompt).GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("gemini blocked the prompt: %w", err)
		}
		return "", fmt.Errorf("gemini generate: %w", classifyGoogleErr(err))
	}
	if u := resp.UsageMetadata; u != nil {
		g.logger.Debug("gemini usage", "model", g.modelName,
			"prompt_tokens", u.PromptTokenCount, "output_tokens", u.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errNoCandidates
	}

	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonMaxTokens {
		g.logger.Warn("gemini answer truncated", "model", g.modelName)
	}

	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
