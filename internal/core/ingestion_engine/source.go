package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	objectclient "github.com/markdave123-py/contexta-ingest/internal/core/object-client"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// DefaultMaxSourceBytes caps a single source file.
const DefaultMaxSourceBytes = 64 << 20

var ErrSourceTooLarge = errors.New("source exceeds size limit")

// Source is a fetched document ready for extraction.
type Source struct {
	Data        []byte
	FileName    string
	ContentType string
	SourceType  string // "path" or "s3"
}

// Fetcher reads DocumentRefs from the local filesystem or object storage.
type Fetcher struct {
	obj      core.ObjectClient
	maxBytes int64
}

// NewFetcher builds a fetcher; obj may be nil when only local paths are used.
func NewFetcher(obj core.ObjectClient, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSourceBytes
	}
	return &Fetcher{obj: obj, maxBytes: maxBytes}
}

// Fetch returns the raw bytes of ref. Missing or oversized sources come back
// as *core.ExtractionError; object store outages stay transient.
func (f *Fetcher) Fetch(ctx context.Context, ref models.DocumentRef) (*Source, error) {
	if objectclient.IsS3URL(ref.Path) {
		return f.fetchObject(ctx, ref)
	}
	return f.fetchFile(ref)
}

func (f *Fetcher) fetchObject(ctx context.Context, ref models.DocumentRef) (*Source, error) {
	if f.obj == nil {
		return nil, &core.ExtractionError{Source: ref.Path, Err: errors.New("object storage is not configured")}
	}
	bucket, key, err := objectclient.ParseS3URL(ref.Path)
	if err != nil {
		return nil, &core.ExtractionError{Source: ref.Path, Err: err}
	}

	rc, err := f.obj.GetObjectReader(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, objectclient.ErrObjectNotFound) {
			return nil, &core.ExtractionError{Source: ref.Path, Err: err}
		}
		return nil, fmt.Errorf("get object reader: %w", err)
	}
	defer rc.Close()

	data, err := f.readAll(rc)
	if err != nil {
		if errors.Is(err, ErrSourceTooLarge) {
			return nil, &core.ExtractionError{Source: ref.Path, Err: err}
		}
		return nil, core.Transient(fmt.Errorf("read object %s: %w", ref.Path, err))
	}

	name := ref.FileName
	if name == "" {
		name = path.Base(key)
	}
	return &Source{Data: data, FileName: name, ContentType: ref.ContentType, SourceType: "s3"}, nil
}

func (f *Fetcher) fetchFile(ref models.DocumentRef) (*Source, error) {
	file, err := os.Open(ref.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &core.ExtractionError{Source: ref.Path, Err: err}
		}
		return nil, core.Transient(err)
	}
	defer file.Close()

	if st, err := file.Stat(); err == nil && st.IsDir() {
		return nil, &core.ExtractionError{Source: ref.Path, Err: errors.New("is a directory")}
	}

	data, err := f.readAll(file)
	if err != nil {
		if errors.Is(err, ErrSourceTooLarge) {
			return nil, &core.ExtractionError{Source: ref.Path, Err: err}
		}
		return nil, core.Transient(err)
	}

	name := ref.FileName
	if name == "" {
		name = filepath.Base(ref.Path)
	}
	return &Source{Data: data, FileName: name, ContentType: ref.ContentType, SourceType: "path"}, nil
}

func (f *Fetcher) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrSourceTooLarge, f.maxBytes)
	}
	return data, nil
}
