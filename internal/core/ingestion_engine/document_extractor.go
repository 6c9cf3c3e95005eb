package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"code.sajari.com/docconv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

var ErrEmptyText = errors.New("no text could be extracted")

const (
	typePDF      = "application/pdf"
	typeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	typeMarkdown = "text/markdown"
	typePlain    = "text/plain"
)

var extTypes = map[string]string{
	".pdf":      typePDF,
	".docx":     typeDOCX,
	".doc":      "application/msword",
	".odt":      "application/vnd.oasis.opendocument.text",
	".rtf":      "application/rtf",
	".html":     "text/html",
	".htm":      "text/html",
	".md":       typeMarkdown,
	".markdown": typeMarkdown,
	".txt":      typePlain,
	".csv":      typePlain,
	".tsv":      typePlain,
}

// DocconvExtractor implements core.DocumentExtractor using sajari/docconv for
// binary formats. Plain text and Markdown are read directly.
type DocconvExtractor struct {
	useReadability bool
	logger         *slog.Logger
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{
		useReadability: useReadability,
		logger:         slog.Default().With("component", "extractor"),
	}
}

// ResolveContentType prefers the declared type, then the file extension,
// then content sniffing.
func ResolveContentType(contentType, fileName string, data []byte) string {
	if ct := baseType(contentType); ct != "" && ct != "application/octet-stream" {
		return ct
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if ct, ok := extTypes[ext]; ok {
		return ct
	}
	if ct := baseType(mime.TypeByExtension(ext)); ct != "" {
		return ct
	}
	return baseType(http.DetectContentType(data))
}

func baseType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}

// Extract converts data to text and records page, heading, table and image hints.
// Offsets in the hints index the returned text.
func (e *DocconvExtractor) Extract(ctx context.Context, data []byte, contentType, fileName string) (*models.ExtractedDocument, error) {
	ct := ResolveContentType(contentType, fileName, data)

	var (
		raw  string
		meta = map[string]string{}
	)
	switch {
	case ct == typeMarkdown, ct == typePlain, strings.HasPrefix(ct, "text/") && ct != "text/html":
		raw = string(data)
	default:
		res, err := e.convert(ctx, data, ct)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			e.logger.Warn("docconv: extraction failed", "file", fileName, "content_type", ct, "error", err)
			return nil, &core.ExtractionError{Source: fileName, Err: err}
		}
		raw = res.Body
		for k, v := range res.Meta {
			meta[k] = v
		}
	}

	body := normalizeText(raw)
	if strings.TrimSpace(strings.ReplaceAll(body, "\f", "")) == "" {
		return nil, &core.ExtractionError{Source: fileName, Err: ErrEmptyText}
	}

	var hints models.StructuralHints
	hints.Pages = pageSpans(body, ct == typePDF)
	body = strings.ReplaceAll(body, "\f", "\n")

	if ct == typeMarkdown {
		hints.Headings = markdownHeadings([]byte(body))
	} else {
		hints.Headings = plainHeadings(body)
	}
	hints.Markers = markers(body)

	meta["content_type"] = ct
	if len(hints.Pages) > 0 {
		meta["pages"] = strconv.Itoa(len(hints.Pages))
	}

	e.logger.Debug("document extracted",
		"file", fileName, "content_type", ct, "bytes", len(body),
		"pages", len(hints.Pages), "headings", len(hints.Headings), "markers", len(hints.Markers))

	return &models.ExtractedDocument{
		Text:        body,
		ContentType: ct,
		Hints:       hints,
		Metadata:    meta,
	}, nil
}

// convert runs docconv off the caller's goroutine so ctx can abandon it.
func (e *DocconvExtractor) convert(ctx context.Context, data []byte, ct string) (*docconv.Response, error) {
	type result struct {
		res *docconv.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := docconv.Convert(bytes.NewReader(data), ct, e.useReadability)
		done <- result{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.res == nil {
			return nil, ErrEmptyText
		}
		return r.res, nil
	}
}

func normalizeText(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// pageSpans tiles s into pages at form feeds. Without any form feed only a
// PDF gets a (single) page.
func pageSpans(s string, isPDF bool) []models.TextSpan {
	if !strings.Contains(s, "\f") {
		if isPDF {
			return []models.TextSpan{{Start: 0, End: len(s)}}
		}
		return nil
	}

	var pages []models.TextSpan
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\f' {
			pages = append(pages, models.TextSpan{Start: start, End: i + 1})
			start = i + 1
		}
	}
	if start < len(s) && strings.TrimSpace(s[start:]) != "" {
		pages = append(pages, models.TextSpan{Start: start, End: len(s)})
	} else if n := len(pages); n > 0 {
		pages[n-1].End = len(s)
	}
	return pages
}

// markdownHeadings parses ATX and setext headings with goldmark. Levels are
// compacted through the table of contents so skipped levels do not leave gaps.
func markdownHeadings(src []byte) []models.Heading {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var out []models.Heading
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !ok || !entering {
			return ast.WalkContinue, nil
		}
		lines := h.Lines()
		if lines.Len() == 0 {
			return ast.WalkSkipChildren, nil
		}
		seg := lines.At(0)
		title := strings.TrimSpace(string(seg.Value(src)))
		if title == "" {
			return ast.WalkSkipChildren, nil
		}
		out = append(out, models.Heading{
			Level: h.Level,
			Title: title,
			Span:  lineSpan(src, seg.Start),
		})
		return ast.WalkSkipChildren, nil
	})

	tree, err := toc.Inspect(doc, src, toc.Compact(true))
	if err != nil {
		return out
	}
	var depths []int
	var walk func(items toc.Items, depth int)
	walk = func(items toc.Items, depth int) {
		for _, it := range items {
			if len(bytes.TrimSpace(it.Title)) > 0 {
				depths = append(depths, depth)
			}
			walk(it.Items, depth+1)
		}
	}
	walk(tree.Items, 1)
	if len(depths) == len(out) {
		for i := range out {
			out[i].Level = depths[i]
		}
	}
	return out
}

func lineSpan(src []byte, pos int) models.TextSpan {
	start := bytes.LastIndexByte(src[:pos], '\n') + 1
	end := len(src)
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		end = pos + i
	}
	return models.TextSpan{Start: start, End: end}
}

var (
	numberedHeading = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\p{L}`)
	keywordHeading  = regexp.MustCompile(`(?i)^(chapter|section|part|week|module|unit|lecture|lesson|appendix)\s+([0-9]+|[ivxlc]+|[a-z])\b`)
	imageRef        = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)|(?i:\[image[^\]]*\])`)
)

// plainHeadings recognises numbered, keyword and upper-case title lines.
func plainHeadings(s string) []models.Heading {
	var out []models.Heading
	forEachLine(s, func(start, end int) {
		line := strings.TrimSpace(s[start:end])
		if len(line) < 2 || len(line) > 100 || isTableRow(line) {
			return
		}
		if strings.ContainsAny(line[len(line)-1:], ".,;") || len(strings.Fields(line)) > 12 {
			return
		}
		level := 0
		switch {
		case keywordHeading.MatchString(line):
			level = 1
		case numberedHeading.MatchString(line):
			num := numberedHeading.FindStringSubmatch(line)[1]
			level = strings.Count(num, ".") + 1
		case isUpperTitle(line):
			level = 1
		default:
			return
		}
		out = append(out, models.Heading{Level: level, Title: line, Span: models.TextSpan{Start: start, End: end}})
	})
	return out
}

func isUpperTitle(line string) bool {
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 2 && len(strings.Fields(line)) <= 8
}

func isTableRow(line string) bool {
	if strings.Count(line, "|") >= 2 {
		return true
	}
	fields := 0
	for _, f := range strings.Split(line, "\t") {
		if strings.TrimSpace(f) != "" {
			fields++
		}
	}
	return fields >= 2
}

// markers flags table rows (merged when adjacent) and image references.
func markers(s string) []models.Marker {
	var out []models.Marker
	forEachLine(s, func(start, end int) {
		if !isTableRow(strings.TrimSpace(s[start:end])) {
			return
		}
		if n := len(out); n > 0 && out[n-1].Kind == "table" && out[n-1].Span.End+1 == start {
			out[n-1].Span.End = end
			return
		}
		out = append(out, models.Marker{Kind: "table", Span: models.TextSpan{Start: start, End: end}})
	})
	for _, loc := range imageRef.FindAllStringIndex(s, -1) {
		out = append(out, models.Marker{Kind: "image", Span: models.TextSpan{Start: loc[0], End: loc[1]}})
	}
	return out
}

func forEachLine(s string, fn func(start, end int)) {
	start := 0
	for start <= len(s) {
		end := strings.IndexByte(s[start:], '\n')
		if end < 0 {
			if start < len(s) {
				fn(start, len(s))
			}
			return
		}
		fn(start, start+end)
		start += end + 1
	}
}
