package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/contexta-ingest/internal/core/cache"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Structural categories. Each maps to one chunking strategy.
const (
	CategoryStructured   = "structured"
	CategoryNarrative    = "narrative"
	CategoryTabular      = "tabular"
	CategoryUnclassified = "unclassified"
)

// Categories lists the labels the model may choose from.
var Categories = []string{CategoryStructured, CategoryNarrative, CategoryTabular}

const systemPrompt = `You classify the layout of course documents so they can be split for retrieval.
Choose exactly one category:
- "structured": slides, manuals, syllabi or handouts organised by pages, numbered sections or headings.
- "narrative": continuous prose such as essays, articles, book chapters or lecture transcripts.
- "tabular": tables, schedules, grade sheets, data listings where rows must stay intact.
Answer with a single JSON object and nothing else:
{"category": "<structured|narrative|tabular>", "confidence": <0..1>, "rationale": "<one sentence>"}`

func userPrompt(text string, metadata map[string]any) string {
	var b strings.Builder
	b.WriteString("Metadata: ")
	b.Write(cache.CanonicalMetadata(metadata))
	b.WriteString("\n\nDocument sample:\n")
	b.WriteString(text)
	return b.String()
}

// sample returns at most n bytes of text without splitting a rune.
func sample(text string, n int) string {
	if len(text) <= n {
		return text
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

type modelAnswer struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// ParseResponse extracts the JSON answer from raw model output. Code fences
// and surrounding prose are tolerated; an empty category is an error.
// Unknown categories are returned as-is so routing can fall back.
func ParseResponse(raw string) (models.ClassificationResult, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return models.ClassificationResult{}, errors.New("no JSON object in response")
	}

	var ans modelAnswer
	if err := json.Unmarshal([]byte(raw[start:end+1]), &ans); err != nil {
		return models.ClassificationResult{}, fmt.Errorf("decode answer: %w", err)
	}

	category := strings.ToLower(strings.TrimSpace(ans.Category))
	if category == "" {
		return models.ClassificationResult{}, errors.New("empty category")
	}

	confidence := ans.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return models.ClassificationResult{
		Category:   category,
		Confidence: confidence,
		Rationale:  strings.TrimSpace(ans.Rationale),
	}, nil
}
