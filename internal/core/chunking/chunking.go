// Package chunking splits extracted text into ordered, offset-addressed chunks.
//
// Every strategy returns chunks whose Content is text[Start:End]. Chunks are
// ordered, the first starts at 0 and the last ends at len(text), and each
// chunk starts at or before the end of the previous one; the shared prefix
// length is recorded in Overlap.
package chunking

import (
	"strings"
	"unicode/utf8"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Strategy is one way of cutting text.
type Strategy interface {
	Name() string
	Chunk(text string, hints models.StructuralHints) ([]models.TextChunk, error)
}

// Config bounds chunk sizes in bytes.
//
// Size:    upper bound for a chunk (a single rune may exceed it).
// Overlap: bytes repeated from the previous chunk when a cut is not on a
//          natural boundary (page, heading, line).
type Config struct {
	Size    int
	Overlap int
}

// DefaultConfig is roughly 300 tokens with a 40 token overlap.
func DefaultConfig() Config {
	return Config{Size: 1200, Overlap: 150}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.Size {
		c.Overlap = c.Size / 4
	}
	return c
}

type span struct {
	start, end int
}

// separators in preference order for prose.
var proseSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", "; ", ", ", " "}

// splitRange cuts text[start:end] into spans of at most size bytes. Each cut
// prefers the last separator past the overlap window; the next span begins
// overlap bytes before the cut, moved forward to a rune boundary.
func splitRange(text string, start, end, size, overlap int, seps []string) []span {
	var out []span
	pos := start
	for pos < end {
		if end-pos <= size {
			out = append(out, span{pos, end})
			break
		}

		limit := pos + size
		for limit > pos && !utf8.RuneStart(text[limit]) {
			limit--
		}
		if limit == pos {
			// size smaller than one rune
			_, w := utf8.DecodeRuneInString(text[pos:])
			limit = pos + w
		}
		if n := len(out); n > 0 && limit <= out[n-1].end {
			// overlap left no room to advance; restart at the last cut
			pos = out[n-1].end
			continue
		}

		cut := limit
		lo := pos + max(overlap+1, size/2)
		if lo < limit {
			for _, sep := range seps {
				if i := strings.LastIndex(text[lo:limit], sep); i >= 0 {
					cut = lo + i + len(sep)
					break
				}
			}
		}
		out = append(out, span{pos, cut})

		next := cut - overlap
		if overlap <= 0 || next <= pos {
			next = cut
		}
		for next < cut && !utf8.RuneStart(text[next]) {
			next++
		}
		pos = next
	}
	return out
}

// assemble converts spans to chunks, filling offsets, overlap and page refs.
func assemble(text string, spans []span, hints models.StructuralHints) []models.TextChunk {
	out := make([]models.TextChunk, 0, len(spans))
	prevEnd := 0
	for i, s := range spans {
		ch := models.TextChunk{
			Index:   i,
			Content: text[s.start:s.end],
			Start:   s.start,
			End:     s.end,
			PageRef: hints.PageAt(s.start),
			Heading: headingPath(hints.Headings, s.start),
		}
		if i > 0 && s.start < prevEnd {
			ch.Overlap = prevEnd - s.start
		}
		prevEnd = s.end
		out = append(out, ch)
	}
	return out
}

// headingPath returns "Parent > Child" for the innermost heading at or before offset.
func headingPath(headings []models.Heading, offset int) string {
	var stack []models.Heading
	for _, h := range headings {
		if h.Span.Start > offset {
			break
		}
		for len(stack) > 0 && stack[len(stack)-1].Level >= h.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, h)
	}
	titles := make([]string, len(stack))
	for i, h := range stack {
		titles[i] = h.Title
	}
	return strings.Join(titles, " > ")
}

// ApproxTokens is a cheap token estimator (~4 chars per token).
func ApproxTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
