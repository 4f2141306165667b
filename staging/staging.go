// Package staging manages the server-side staging area that chunks are
// written into. Each job owns one directory holding the reassembled dataset
// file; chunks land at their recorded offsets, in any order, and the file is
// verified as a whole before it is handed to a converter.
package staging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fieldworks/stagefast/engine"
)

const dataFileName = "data"

// Area is a staging directory shared by all jobs of one server. It
// implements engine.ChunkSink.
type Area struct {
	root string
	bufs *engine.BufferPool
}

var _ engine.ChunkSink = (*Area)(nil)

// New creates (if needed) and opens a staging area rooted at root.
func New(root string) (*Area, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create staging root: %w", err)
	}
	return &Area{
		root: root,
		bufs: engine.NewBufferPool(engine.DefaultBufferSize),
	}, nil
}

// Dir returns the job's staging directory, the path handed to converters.
func (a *Area) Dir(jobID string) string {
	return filepath.Join(a.root, jobID)
}

// FilePath returns the path of the job's reassembled dataset file.
func (a *Area) FilePath(jobID string) string {
	return filepath.Join(a.root, jobID, dataFileName)
}

// Create allocates the job's staging directory and its destination file,
// sized up front so chunks can be written at their offsets in any order.
func (a *Area) Create(jobID string, size int64) error {
	if err := os.MkdirAll(a.Dir(jobID), 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	f, err := os.OpenFile(a.FilePath(jobID), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("allocate staging file: %w", err)
	}
	return nil
}

// PutChunk writes a chunk payload at its offset and returns the checksum of
// the bytes stored, which is the acknowledgement the transfer compares
// against. If the descriptor declares a checksum, a mismatch fails the write
// before anything is acknowledged.
func (a *Area) PutChunk(ctx context.Context, jobID string, desc engine.ChunkDescriptor, r io.Reader) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	f, err := os.OpenFile(a.FilePath(jobID), os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	cr := engine.NewChecksumReader(io.LimitReader(r, desc.Length))
	buf := a.bufs.Get()
	defer a.bufs.Put(buf)

	n, err := io.CopyBuffer(io.NewOffsetWriter(f, desc.Offset), cr, *buf)
	if err != nil {
		return 0, fmt.Errorf("write chunk %d: %w", desc.Index, err)
	}
	if n != desc.Length {
		return 0, fmt.Errorf("chunk %d: wrote %d of %d bytes", desc.Index, n, desc.Length)
	}

	sum := cr.Checksum()
	if desc.Checksum != 0 && !engine.VerifyChecksum(sum, desc.Checksum) {
		return 0, fmt.Errorf("chunk %d: received checksum %016x does not match declared %016x", desc.Index, sum, desc.Checksum)
	}

	// Durability before acknowledgement: a committed chunk must survive a
	// crash, or resume would skip a hole.
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync chunk %d: %w", desc.Index, err)
	}
	return sum, nil
}

// Verify checks the reassembled file against the expected size and returns
// its full-file checksum.
func (a *Area) Verify(jobID string, wantSize int64) (uint64, error) {
	f, err := os.Open(a.FilePath(jobID))
	if err != nil {
		return 0, fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.Size() != wantSize {
		return 0, fmt.Errorf("staged file is %d bytes, expected %d", info.Size(), wantSize)
	}

	cr := engine.NewChecksumReader(f)
	buf := a.bufs.Get()
	defer a.bufs.Put(buf)

	if _, err := io.CopyBuffer(io.Discard, cr, *buf); err != nil {
		return 0, fmt.Errorf("read staged file: %w", err)
	}
	return cr.Checksum(), nil
}

// Remove deletes a job's staging directory.
func (a *Area) Remove(jobID string) error {
	return os.RemoveAll(a.Dir(jobID))
}
