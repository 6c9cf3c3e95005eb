package vectorstore

import (
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

func TestPointIDIsDeterministic(t *testing.T) {
	a := PointID("doc-1", 3)
	assert.Equal(t, a, PointID("doc-1", 3))
	assert.NotEqual(t, a, PointID("doc-1", 4))
	assert.NotEqual(t, a, PointID("doc-2", 3))
	assert.Len(t, a, 36)
}

func TestPayloadRoundTrip(t *testing.T) {
	ch := &models.DocumentChunk{
		ID:          "c1",
		DocumentID:  "doc-1",
		ChunkIndex:  2,
		Content:     "Week 2: sorting",
		PageRef:     3,
		StartOffset: 120,
		EndOffset:   135,
		Overlap:     10,
		Heading:     "Syllabus > Week 2",
		Strategy:    "structure",
		Category:    "structured",
		TokenCount:  4,
		CreatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	got := chunkFromPayload(qdrant.NewValueMap(chunkPayload(ch)))

	assert.Equal(t, *ch, got)
}
