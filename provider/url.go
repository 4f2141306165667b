package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ensure interface is implemented
var _ Source = (*URLSource)(nil)

type urlFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (f *urlFileInfo) Name() string       { return f.name }
func (f *urlFileInfo) Size() int64        { return f.size }
func (f *urlFileInfo) ModTime() time.Time { return f.modTime }

// URLSource reads dataset files from a plain HTTP server that supports Range
// requests. The path passed to Stat and OpenRange is a full URL.
type URLSource struct {
	client *http.Client
}

// NewURLSource creates a URLSource using the given client, or
// http.DefaultClient when nil.
func NewURLSource(client *http.Client) *URLSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &URLSource{client: client}
}

// Stat issues a HEAD request to learn the file size.
func (p *URLSource) Stat(ctx context.Context, rawURL string) (FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stat failed for %q: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stat failed for %q: status %s", rawURL, resp.Status)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("stat failed for %q: server did not report a length", rawURL)
	}

	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	modTime, _ := http.ParseTime(resp.Header.Get("Last-Modified"))

	return &urlFileInfo{
		name:    name,
		size:    resp.ContentLength,
		modTime: modTime,
	}, nil
}

// OpenRange fetches [off, off+length) with a Range request. A server that
// ignores Range and replies 200 would corrupt chunk boundaries, so anything
// other than 206 is an error.
func (p *URLSource) OpenRange(ctx context.Context, rawURL string, off, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read range of %q: %w", rawURL, err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("range read of %q: status %s", rawURL, resp.Status)
	}
	return resp.Body, nil
}
