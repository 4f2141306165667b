package provider

import (
	"context"
	"io"
	"time"

	"github.com/fieldworks/stagefast/engine"
)

// FileInfo is the metadata an ingest needs about a source file before
// planning its chunks.
type FileInfo interface {
	Name() string
	Size() int64
	ModTime() time.Time
}

// Source is a storage backend a dataset can be ingested from. A typical
// Source is the local filesystem, an S3 bucket, or a plain HTTP server.
// Sources must support random-access range reads: chunks are fetched
// independently, possibly out of order, by concurrent workers.
type Source interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// OpenRange opens a reader over [off, off+length) of the file at path.
	OpenRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error)
}

// fileSource binds a Source and a path into an engine.ChunkSource, so the
// uploader only ever sees byte ranges of a single file.
type fileSource struct {
	src  Source
	path string
}

// NewChunkSource adapts one file of a Source for the transfer engine.
func NewChunkSource(src Source, path string) engine.ChunkSource {
	return &fileSource{src: src, path: path}
}

func (f *fileSource) OpenRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	return f.src.OpenRange(ctx, f.path, off, length)
}
