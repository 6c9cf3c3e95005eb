package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// LocalEmbedder talks to an OpenAI-compatible server (Ollama, vLLM, LM Studio).
type LocalEmbedder struct {
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// Local servers usually ignore the token; "none" keeps the client happy.
func NewLocalEmbedder(baseURL, model string) (*LocalEmbedder, error) {
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken("none"),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, err
	}

	return &LocalEmbedder{
		embedder: embedder,
		logger:   slog.Default().With("component", "local-embedder"),
	}, nil
}

func (e *LocalEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("embedding texts", "count", len(texts))

	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		e.logger.Error("embedding failed", "count", len(texts), "err", err)
		return nil, fmt.Errorf("local embed: %w", classifyLocalErr(err))
	}
	return vecs, nil
}

// LocalLLM answers prompts in JSON mode through an OpenAI-compatible server.
type LocalLLM struct {
	client llms.Model
	logger *slog.Logger
}

func NewLocalLLM(baseURL, model string) (*LocalLLM, error) {
	client, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken("none"),
		openai.WithModel(model),
	)
	if err != nil {
		return nil, err
	}
	return &LocalLLM{
		client: client,
		logger: slog.Default().With("component", "local-llm"),
	}, nil
}

func (l *LocalLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := make([]llms.MessageContent, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, userPrompt))

	resp, err := l.client.GenerateContent(ctx, msgs,
		llms.WithTemperature(0),
		llms.WithJSONMode(),
	)
	if err != nil {
		l.logger.Error("generation failed", "err", err)
		return "", fmt.Errorf("local generate: %w", classifyLocalErr(err))
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

var statusCodeRe = regexp.MustCompile(`status code:? (\d{3})`)

// classifyLocalErr reads the HTTP status out of the client's error text;
// the compat client does not expose a typed error.
func classifyLocalErr(err error) error {
	if m := statusCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		switch {
		case code == http.StatusTooManyRequests:
			return &core.RateLimitError{Err: err}
		case code >= 500:
			return core.Transient(err)
		}
		return err
	}
	return classifyNetErr(err)
}

var (
	_ core.EmbeddingProvider = (*LocalEmbedder)(nil)
	_ core.LLMProvider       = (*LocalLLM)(nil)
)
