package chunking

import (
	"errors"
	"fmt"
	"strings"

	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Router maps classification categories to strategies. The mapping is fixed
// at construction; unknown categories resolve to the fallback.
type Router struct {
	routes   map[string]Strategy
	fallback Strategy
}

// Routed reports how a document was chunked.
type Routed struct {
	Chunks   []models.TextChunk
	Strategy string
	FellBack bool
	Err      error // why the routed strategy was abandoned, if it was
}

func NewRouter(routes map[string]Strategy, fallback Strategy) *Router {
	if fallback == nil {
		fallback = NewFallback(DefaultConfig())
	}
	m := make(map[string]Strategy, len(routes))
	for k, s := range routes {
		if s != nil {
			m[strings.ToLower(k)] = s
		}
	}
	return &Router{routes: m, fallback: fallback}
}

// Route returns the strategy for category.
func (r *Router) Route(category string) Strategy {
	if s, ok := r.routes[strings.ToLower(category)]; ok {
		return s
	}
	return r.fallback
}

func (r *Router) Fallback() Strategy { return r.fallback }

// Chunk runs the strategy for category. If it fails, panics or returns no
// chunks for non-empty text, the fallback strategy is used instead.
func (r *Router) Chunk(category, text string, hints models.StructuralHints) Routed {
	s := r.Route(category)
	chunks, err := run(s, text, hints)
	if err == nil && (len(chunks) > 0 || text == "") {
		return Routed{Chunks: chunks, Strategy: s.Name(), FellBack: s == r.fallback}
	}
	if err == nil {
		err = errors.New("strategy produced no chunks")
	}

	out, ferr := run(r.fallback, text, hints)
	if ferr != nil {
		// fallback is not expected to fail; cut fixed windows directly
		out = assemble(text, splitRange(text, 0, len(text), DefaultConfig().Size, 0, nil), hints)
	}
	return Routed{
		Chunks:   out,
		Strategy: r.fallback.Name(),
		FellBack: true,
		Err:      fmt.Errorf("%s: %w", s.Name(), err),
	}
}

func run(s Strategy, text string, hints models.StructuralHints) (chunks []models.TextChunk, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("strategy panicked: %v", p)
		}
	}()
	return s.Chunk(text, hints)
}
