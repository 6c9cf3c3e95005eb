package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// Digest returns the cache key for a document: sha256 over the normalized
// text, a NUL separator and the canonical JSON of metadata.
func Digest(text string, metadata map[string]any) string {
	h := sha256.New()
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write(CanonicalMetadata(metadata))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeText collapses every whitespace run to one space and trims the ends.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// CanonicalMetadata serializes metadata with keys sorted at every level and
// string values trimmed. Nil and empty maps serialize identically.
func CanonicalMetadata(metadata map[string]any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(normalizeValue(metadata)); err != nil {
		// unencodable values (channels, funcs) degrade to their string form
		buf.Reset()
		_ = enc.Encode(stringify(metadata))
	}
	return bytes.TrimSpace(buf.Bytes())
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.TrimSpace(k)] = normalizeValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = strings.TrimSpace(val)
		}
		return out
	default:
		return t
	}
}

func stringify(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		b, err := json.Marshal(normalizeValue(v))
		if err != nil {
			out[strings.TrimSpace(k)] = fmt.Sprintf("%T", v)
			continue
		}
		out[strings.TrimSpace(k)] = string(b)
	}
	return out
}
