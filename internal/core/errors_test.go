package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	base := errors.New("boom")

	cases := []struct {
		err  error
		kind string
	}{
		{&ExtractionError{Source: "a.pdf", Err: base}, KindExtraction},
		{&ClassificationError{Reason: "unparseable", Err: base}, KindClassification},
		{&CacheError{Op: "get", Err: base}, KindCache},
		{&EmbeddingError{DocumentID: "d", Err: base}, KindEmbedding},
		{&IndexWriteError{DocumentID: "d", Err: base}, KindIndexWrite},
		{&LedgerWriteError{DocumentID: "d", Err: base}, KindLedgerWrite},
		{fmt.Errorf("stage: %w", context.Canceled), KindCancelled},
		{base, KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, ErrorKind(tc.err), tc.err.Error())
	}
}

func TestIndexWriteOutranksEmbedding(t *testing.T) {
	err := &IndexWriteError{Err: &EmbeddingError{Err: errors.New("x")}}
	assert.Equal(t, KindIndexWrite, ErrorKind(err))
}

func TestRetryClassification(t *testing.T) {
	rl := fmt.Errorf("gemini: %w", &RateLimitError{RetryAfter: 3 * time.Second, Err: errors.New("429")})

	assert.True(t, IsRetryable(rl))
	assert.Equal(t, 3*time.Second, RetryHint(rl))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(Transient(errors.New("conn reset"))))
	assert.False(t, IsRetryable(errors.New("bad request")))
	assert.False(t, IsRetryable(nil))
	assert.Zero(t, RetryHint(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("s3 down"))))
	assert.True(t, IsTransient(&IndexWriteError{Err: errors.New("db down")}))
	assert.False(t, IsTransient(&EmbeddingError{Err: errors.New("exhausted")}))
	// Exhausted on provider 5xx or on 429: both are final.
	assert.False(t, IsTransient(&EmbeddingError{Attempts: 5, Err: Transient(errors.New("503 unavailable"))}))
	assert.False(t, IsTransient(fmt.Errorf("index: %w", &EmbeddingError{Attempts: 5, Err: &RateLimitError{}})))
	assert.Nil(t, Transient(nil))
}

func TestPayload(t *testing.T) {
	assert.Nil(t, Payload(nil, "index"))

	p := Payload(&ExtractionError{Source: "x.docx", Err: errors.New("corrupt")}, "extract")
	assert.Equal(t, KindExtraction, p.Kind)
	assert.Equal(t, "extract", p.Stage)
	assert.Contains(t, p.Message, "x.docx")
}
