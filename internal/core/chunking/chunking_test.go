package chunking

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// assertTiling checks offsets, contiguity and full coverage of text.
func assertTiling(t *testing.T, text string, chunks []models.TextChunk) {
	t.Helper()
	if text == "" {
		assert.Empty(t, chunks)
		return
	}
	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)

	prevEnd := 0
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, text[ch.Start:ch.End], ch.Content)
		assert.Less(t, ch.Start, ch.End, "chunk %d is empty", i)
		assert.True(t, utf8.ValidString(ch.Content), "chunk %d splits a rune", i)
		if i > 0 {
			assert.LessOrEqual(t, ch.Start, prevEnd, "gap before chunk %d", i)
			assert.Greater(t, ch.End, prevEnd, "chunk %d does not advance", i)
			assert.Equal(t, prevEnd-ch.Start, ch.Overlap)
		} else {
			assert.Zero(t, ch.Overlap)
		}
		prevEnd = ch.End
	}
}

func randomText(r *rand.Rand, n int) string {
	words := []string{"alpha", "beta", "γάμμα", "délta", "日本語", "x", "longerwordwithoutbreaks", "\n", "\n\n", ". ", "\t"}
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(words[r.Intn(len(words))])
		if r.Intn(3) > 0 {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

func TestStrategiesTileRandomText(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	cfg := Config{Size: 64, Overlap: 12}
	strategies := []Strategy{NewRecursive(cfg), NewLines(cfg), NewFallback(cfg)}

	for round := 0; round < 50; round++ {
		text := randomText(r, r.Intn(800))
		for _, s := range strategies {
			chunks, err := s.Chunk(text, models.StructuralHints{})
			require.NoError(t, err, s.Name())
			assertTiling(t, text, chunks)
			for _, ch := range chunks {
				// one rune may exceed a tiny size, never more
				assert.LessOrEqual(t, ch.End-ch.Start, cfg.Size+utf8.UTFMax, s.Name())
			}
		}
	}
}

func TestRecursiveAddsOverlap(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 40)
	chunks, err := NewRecursive(Config{Size: 200, Overlap: 40}).Chunk(text, models.StructuralHints{})

	require.NoError(t, err)
	assertTiling(t, text, chunks)
	require.Greater(t, len(chunks), 2)
	for _, ch := range chunks[1:] {
		assert.Greater(t, ch.Overlap, 0)
		assert.LessOrEqual(t, ch.Overlap, 40)
	}
}

func TestRecursivePrefersSentenceBreaks(t *testing.T) {
	text := strings.Repeat("Short sentence here. ", 30)
	chunks, err := NewRecursive(Config{Size: 100, Overlap: 0}).Chunk(text, models.StructuralHints{})

	require.NoError(t, err)
	for _, ch := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(ch.Content, ". "), "%q", ch.Content)
	}
}

func pagedText(pages ...string) (string, models.StructuralHints) {
	var hints models.StructuralHints
	var b strings.Builder
	for i, p := range pages {
		start := b.Len()
		b.WriteString(p)
		if i < len(pages)-1 {
			b.WriteByte('\f')
		}
		hints.Pages = append(hints.Pages, models.TextSpan{Start: start, End: b.Len()})
	}
	return b.String(), hints
}

func TestStructureOneChunkPerPage(t *testing.T) {
	text, hints := pagedText("Slide one: intro", "Slide two: goals", "Slide three: summary")

	chunks, err := NewStructure(DefaultConfig()).Chunk(text, hints)

	require.NoError(t, err)
	assertTiling(t, text, chunks)
	require.Len(t, chunks, 3)
	for i, ch := range chunks {
		assert.Equal(t, i+1, ch.PageRef)
		assert.Zero(t, ch.Overlap)
	}
	assert.True(t, strings.HasPrefix(chunks[1].Content, "Slide two"))
}

func TestStructureSplitsLongSectionsWithOverlap(t *testing.T) {
	long := strings.Repeat("word ", 100)
	text, hints := pagedText("short page", long)

	chunks, err := NewStructure(Config{Size: 120, Overlap: 20}).Chunk(text, hints)

	require.NoError(t, err)
	assertTiling(t, text, chunks)
	require.Greater(t, len(chunks), 3)
	assert.Zero(t, chunks[1].Overlap, "page boundary carries no overlap")
	assert.Greater(t, chunks[2].Overlap, 0)
	for _, ch := range chunks[1:] {
		assert.Equal(t, 2, ch.PageRef)
	}
}

func TestStructureHeadingsBuildPath(t *testing.T) {
	text := "# Course\nintro\n## Week 1\nreading\n## Week 2\nproject\n"
	hints := models.StructuralHints{Headings: []models.Heading{
		{Level: 1, Title: "Course", Span: models.TextSpan{Start: 0, End: 8}},
		{Level: 2, Title: "Week 1", Span: models.TextSpan{Start: 15, End: 24}},
		{Level: 2, Title: "Week 2", Span: models.TextSpan{Start: 33, End: 42}},
	}}

	chunks, err := NewStructure(DefaultConfig()).Chunk(text, hints)

	require.NoError(t, err)
	assertTiling(t, text, chunks)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Course", chunks[0].Heading)
	assert.Equal(t, "Course > Week 1", chunks[1].Heading)
	assert.Equal(t, "Course > Week 2", chunks[2].Heading)
	assert.Zero(t, chunks[0].PageRef)
}

func TestStructureWithoutHintsFails(t *testing.T) {
	_, err := NewStructure(DefaultConfig()).Chunk("plain prose with no layout", models.StructuralHints{})
	assert.ErrorIs(t, err, ErrNoStructure)
}

func TestLinesKeepRowsWhole(t *testing.T) {
	var rows []string
	for i := 0; i < 40; i++ {
		rows = append(rows, "week\tdate\ttopic\treading")
	}
	text := strings.Join(rows, "\n") + "\n"

	chunks, err := NewLines(Config{Size: 100, Overlap: 30}).Chunk(text, models.StructuralHints{})

	require.NoError(t, err)
	assertTiling(t, text, chunks)
	for _, ch := range chunks {
		assert.True(t, strings.HasSuffix(ch.Content, "\n"), "%q", ch.Content)
		assert.True(t, strings.HasPrefix(ch.Content, "week"), "%q", ch.Content)
	}
	assert.Greater(t, chunks[1].Overlap, 0)
}

func TestLinesSplitsOversizedLine(t *testing.T) {
	text := "head\n" + strings.Repeat("cell ", 60) + "\ntail\n"

	chunks, err := NewLines(Config{Size: 50, Overlap: 10}).Chunk(text, models.StructuralHints{})

	require.NoError(t, err)
	assertTiling(t, text, chunks)
}

func TestRuneBoundariesWithTinySize(t *testing.T) {
	text := "日本語のテキスト"
	for _, s := range []Strategy{NewRecursive(Config{Size: 2, Overlap: 1}), NewFallback(Config{Size: 1})} {
		chunks, err := s.Chunk(text, models.StructuralHints{})
		require.NoError(t, err)
		assertTiling(t, text, chunks)
	}
}

type failing struct{ err error }

func (f failing) Name() string { return "failing" }
func (f failing) Chunk(string, models.StructuralHints) ([]models.TextChunk, error) {
	return nil, f.err
}

type panicking struct{}

func (panicking) Name() string { return "panicking" }
func (panicking) Chunk(string, models.StructuralHints) ([]models.TextChunk, error) {
	panic("boom")
}

type silent struct{}

func (silent) Name() string { return "silent" }
func (silent) Chunk(string, models.StructuralHints) ([]models.TextChunk, error) {
	return nil, nil
}

func TestRouterRoutesAndFallsBack(t *testing.T) {
	cfg := Config{Size: 40, Overlap: 5}
	fb := NewFallback(cfg)
	r := NewRouter(map[string]Strategy{
		"narrative": NewRecursive(cfg),
		"broken":    failing{errors.New("bad input")},
		"panics":    panicking{},
		"silent":    silent{},
	}, fb)
	text := strings.Repeat("some words go here ", 10)

	assert.Equal(t, NameRecursive, r.Route("Narrative").Name())
	assert.Equal(t, NameFallback, r.Route("poetry").Name())
	assert.Equal(t, NameFallback, r.Route("").Name())

	ok := r.Chunk("narrative", text, models.StructuralHints{})
	assert.False(t, ok.FellBack)
	assert.NoError(t, ok.Err)
	assert.Equal(t, NameRecursive, ok.Strategy)
	assertTiling(t, text, ok.Chunks)

	unknown := r.Chunk("unclassified", text, models.StructuralHints{})
	assert.True(t, unknown.FellBack)
	assert.NoError(t, unknown.Err)
	assertTiling(t, text, unknown.Chunks)

	for _, cat := range []string{"broken", "panics", "silent"} {
		res := r.Chunk(cat, text, models.StructuralHints{})
		assert.True(t, res.FellBack, cat)
		assert.Error(t, res.Err, cat)
		assert.Equal(t, NameFallback, res.Strategy, cat)
		assertTiling(t, text, res.Chunks)
	}
}

func TestRouterStructureWithoutLayoutFallsBack(t *testing.T) {
	r := NewRouter(map[string]Strategy{"structured": NewStructure(DefaultConfig())}, nil)

	res := r.Chunk("structured", "no pages at all", models.StructuralHints{})

	assert.True(t, res.FellBack)
	assert.ErrorIs(t, res.Err, ErrNoStructure)
	require.Len(t, res.Chunks, 1)
}

func TestRouterEmptyText(t *testing.T) {
	r := NewRouter(nil, nil)
	res := r.Chunk("narrative", "", models.StructuralHints{})
	assert.Empty(t, res.Chunks)
	assert.NoError(t, res.Err)
}

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, ApproxTokens(""))
	assert.Equal(t, 1, ApproxTokens("abc"))
	assert.Equal(t, 2, ApproxTokens("abcdefgh"))
}
