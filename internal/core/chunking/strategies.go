package chunking

import (
	"errors"
	"sort"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Strategy names as stored on documents and chunks.
const (
	NameRecursive = "recursive"
	NameStructure = "structure"
	NameLines     = "line"
	NameFallback  = "fallback"
)

// ErrNoStructure is returned by Structure when the hints carry neither pages
// nor headings to split on.
var ErrNoStructure = errors.New("no page or heading boundaries")

// Recursive is a fixed-size splitter that prefers paragraph, line, sentence
// and word boundaries, with overlap between consecutive chunks.
type Recursive struct {
	cfg Config
}

func NewRecursive(cfg Config) *Recursive {
	return &Recursive{cfg: cfg.normalized()}
}

func (r *Recursive) Name() string { return NameRecursive }

func (r *Recursive) Chunk(text string, hints models.StructuralHints) ([]models.TextChunk, error) {
	if text == "" {
		return nil, nil
	}
	spans := splitRange(text, 0, len(text), r.cfg.Size, r.cfg.Overlap, proseSeparators)
	return assemble(text, spans, hints), nil
}

// Structure cuts at every page and heading boundary. Sections that exceed the
// size are split recursively with overlap; section joints carry no overlap.
type Structure struct {
	cfg Config
}

func NewStructure(cfg Config) *Structure {
	return &Structure{cfg: cfg.normalized()}
}

func (s *Structure) Name() string { return NameStructure }

func (s *Structure) Chunk(text string, hints models.StructuralHints) ([]models.TextChunk, error) {
	if text == "" {
		return nil, nil
	}

	bounds := map[int]struct{}{0: {}}
	for _, p := range hints.Pages {
		if p.Start > 0 && p.Start < len(text) {
			bounds[p.Start] = struct{}{}
		}
	}
	for _, h := range hints.Headings {
		if h.Span.Start > 0 && h.Span.Start < len(text) {
			bounds[h.Span.Start] = struct{}{}
		}
	}
	if len(hints.Pages) <= 1 && len(hints.Headings) == 0 {
		return nil, ErrNoStructure
	}

	starts := make([]int, 0, len(bounds))
	for b := range bounds {
		starts = append(starts, b)
	}
	sort.Ints(starts)

	var spans []span
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		spans = append(spans, splitRange(text, start, end, s.cfg.Size, s.cfg.Overlap, proseSeparators)...)
	}
	return assemble(text, spans, hints), nil
}

// Lines packs whole lines so table rows and schedule entries stay intact.
// Overlap is made of whole trailing lines; a line longer than the size is
// split on its own.
type Lines struct {
	cfg Config
}

func NewLines(cfg Config) *Lines {
	return &Lines{cfg: cfg.normalized()}
}

func (l *Lines) Name() string { return NameLines }

func (l *Lines) Chunk(text string, hints models.StructuralHints) ([]models.TextChunk, error) {
	if text == "" {
		return nil, nil
	}
	lines := lineSpans(text)
	size, overlap := l.cfg.Size, l.cfg.Overlap

	var spans []span
	i := 0
	for i < len(lines) {
		if lines[i].end-lines[i].start > size {
			spans = append(spans, splitRange(text, lines[i].start, lines[i].end, size, overlap, []string{"\t", " | ", ", ", " "})...)
			i++
			continue
		}

		start := lines[i].start
		j := i
		for j < len(lines) && lines[j].end-start <= size {
			j++
		}
		end := lines[j-1].end
		spans = append(spans, span{start, end})
		if j >= len(lines) {
			break
		}

		back := j
		for back-1 > i && end-lines[back-1].start <= overlap {
			back--
		}
		// the carried lines must leave room for the next one
		for back < j && lines[j].end-lines[back].start > size {
			back++
		}
		i = back
	}
	return assemble(text, spans, hints), nil
}

func lineSpans(text string) []span {
	var out []span
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			out = append(out, span{start, i + 1})
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, span{start, len(text)})
	}
	return out
}

// Fallback cuts fixed windows on rune boundaries. It cannot fail and never
// returns zero chunks for non-empty text.
type Fallback struct {
	cfg Config
}

func NewFallback(cfg Config) *Fallback {
	return &Fallback{cfg: cfg.normalized()}
}

func (f *Fallback) Name() string { return NameFallback }

func (f *Fallback) Chunk(text string, hints models.StructuralHints) ([]models.TextChunk, error) {
	if text == "" {
		return nil, nil
	}
	spans := splitRange(text, 0, len(text), f.cfg.Size, f.cfg.Overlap, nil)
	return assemble(text, spans, hints), nil
}
