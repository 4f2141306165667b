package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

type localFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }

// LocalSource implements Source for posix-compliant local filesystems.
type LocalSource struct {
	basePath string
}

// NewLocalSource creates a LocalSource rooted at basePath. If basePath is
// empty, it acts upon absolute or relative paths directly.
func NewLocalSource(basePath string) *LocalSource {
	return &LocalSource{basePath: basePath}
}

func (p *LocalSource) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(path))
}

func (p *LocalSource) Stat(ctx context.Context, path string) (FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// OpenRange opens the file once per chunk and restricts the reader to the
// requested section, so concurrent workers never share a file offset.
func (p *LocalSource) OpenRange(ctx context.Context, path string, off, length int64) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f, err := os.Open(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return &sectionReadCloser{
		Reader: io.NewSectionReader(f, off, length),
		f:      f,
	}, nil
}

type sectionReadCloser struct {
	io.Reader
	f *os.File
}

func (s *sectionReadCloser) Close() error {
	return s.f.Close()
}
