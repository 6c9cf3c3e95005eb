package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/config"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

func TestBuildRefs(t *testing.T) {
	refs, err := buildRefs([]string{"notes/a.md", "s3://bucket/k.pdf"}, map[string]string{"course": "cs101"})
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.True(t, filepath.IsAbs(refs[0].Path))
	assert.Equal(t, "a.md", filepath.Base(refs[0].Path))
	assert.Equal(t, "s3://bucket/k.pdf", refs[1].Path)
	assert.Equal(t, "cs101", refs[1].Metadata["course"])

	refs, err = buildRefs([]string{"x.txt"}, nil)
	require.NoError(t, err)
	assert.Nil(t, refs[0].Metadata)
}

func sampleJob() *models.IngestionJob {
	return &models.IngestionJob{
		ID:       "job-7",
		State:    models.JobSuccess,
		Attempts: 1,
		Result: &models.JobResult{
			DocumentsTotal: 2, Succeeded: 1, Failed: 1, ChunkCount: 4,
			StageTimingsMs: map[string]int64{"index": 30, "classify": 12},
		},
		Documents: []models.DocumentOutcome{
			{Ref: models.DocumentRef{Path: "/d/a.md"}, Status: models.OutcomeSucceeded, Category: "structured", Strategy: "structure", ChunkCount: 4, CacheHit: true},
			{Ref: models.DocumentRef{Path: "/d/b.pdf"}, Status: models.OutcomeFailed, Error: &models.ErrorPayload{Kind: "extraction", Message: "no text"}},
		},
	}
}

func TestPrintJobTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJob(&buf, sampleJob(), false))
	out := buf.String()

	assert.Contains(t, out, "job job-7: SUCCESS (attempts 1)")
	assert.Contains(t, out, "1/2 succeeded, 1 failed, 4 chunks")
	assert.Contains(t, out, "timings: classify=12ms index=30ms")
	assert.Contains(t, out, "extraction: no text")
	assert.Contains(t, out, "hit")
}

func TestPrintJobJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJob(&buf, sampleJob(), true))

	var got models.IngestionJob
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "job-7", got.ID)
	assert.Len(t, got.Documents, 2)
}

func TestNoWaitNeedsRedis(t *testing.T) {
	err := checkNoWait(&config.Config{}, true)
	assert.ErrorIs(t, err, errNoRedis)

	assert.NoError(t, checkNoWait(&config.Config{}, false))
	assert.NoError(t, checkNoWait(&config.Config{RedisAddr: "localhost:6379"}, true))
}
