package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

const (
	DefaultOpenAIEmbeddingModel = "text-embedding-3-small"
	DefaultOpenAIChatModel      = "gpt-4o-mini"
)

// OpenAIEmbedder calls the embeddings endpoint. The SDK's own retries are
// disabled; callers own retry and pacing.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

func newOpenAIClient(apiKey string) *openai.Client {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openai.NewClient(opts...)
	return &client
}

// NewOpenAIEmbedder reads OPENAI_API_KEY from the environment when apiKey is empty.
// dim > 0 requests shortened vectors from models that support it.
func NewOpenAIEmbedder(apiKey, model string, dim int) *OpenAIEmbedder {
	if model == "" {
		model = DefaultOpenAIEmbeddingModel
	}
	return &OpenAIEmbedder{client: newOpenAIClient(apiKey), model: model, dim: dim}
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dim > 0 {
		params.Dimensions = openai.Int(int64(e.dim))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", classifyOpenAIErr(err))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if int(d.Index) < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = toFloat32(d.Embedding)
	}
	return out, nil
}

// OpenAILLM answers prompts via chat completions in JSON mode.
type OpenAILLM struct {
	client *openai.Client
	model  string
}

func NewOpenAILLM(apiKey, model string) *OpenAILLM {
	if model == "" {
		model = DefaultOpenAIChatModel
	}
	return &OpenAILLM{client: newOpenAIClient(apiKey), model: model}
}

func (l *OpenAILLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(systemPrompt))
	}
	msgs = append(msgs, openai.UserMessage(userPrompt))

	resp, err := l.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       openai.ChatModel(l.model),
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", classifyOpenAIErr(err))
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAIErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var h http.Header
		if apiErr.Response != nil {
			h = apiErr.Response.Header
		}
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return &core.RateLimitError{RetryAfter: parseRetryAfter(h), Err: err}
		case apiErr.StatusCode >= 500:
			return core.Transient(err)
		}
		return err
	}
	return classifyNetErr(err)
}

func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

var (
	_ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)
	_ core.LLMProvider       = (*OpenAILLM)(nil)
)
