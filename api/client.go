package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldworks/stagefast/engine"
	"github.com/fieldworks/stagefast/service"
)

// Client talks to a stagefast server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL, e.g.
// "http://localhost:8090".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// Initiate creates a new upload job (or re-initiates one when the request
// carries a resume token).
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (InitiateResponse, error) {
	var resp InitiateResponse
	err := c.do(ctx, http.MethodPost, "/upload/initiate", req, &resp)
	return resp, err
}

// ResumeInfo fetches the missing-chunk list for a job.
func (c *Client) ResumeInfo(ctx context.Context, jobID string) (service.ResumeInfo, error) {
	var info service.ResumeInfo
	err := c.do(ctx, http.MethodGet, "/upload/resume/"+jobID, nil, &info)
	return info, err
}

// Status fetches the current progress snapshot for a job.
func (c *Client) Status(ctx context.Context, jobID string) (engine.Progress, error) {
	var p engine.Progress
	err := c.do(ctx, http.MethodGet, "/upload/status/"+jobID, nil, &p)
	return p, err
}

// Pause pauses an uploading job.
func (c *Client) Pause(ctx context.Context, jobID string) (engine.Progress, error) {
	var p engine.Progress
	err := c.do(ctx, http.MethodPost, "/upload/pause/"+jobID, nil, &p)
	return p, err
}

// Resume resumes a paused job.
func (c *Client) Resume(ctx context.Context, jobID string) (engine.Progress, error) {
	var p engine.Progress
	err := c.do(ctx, http.MethodPost, "/upload/resume/"+jobID, nil, &p)
	return p, err
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, jobID string) (engine.Progress, error) {
	var p engine.Progress
	err := c.do(ctx, http.MethodPost, "/upload/cancel/"+jobID, nil, &p)
	return p, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RemoteSink pushes chunks to a server's chunk endpoint. It implements
// engine.ChunkSink so the regular uploader can drive a client-push job.
type RemoteSink struct {
	client *Client
}

// NewRemoteSink creates a RemoteSink sharing the client's connection pool.
func NewRemoteSink(c *Client) *RemoteSink {
	return &RemoteSink{client: c}
}

// PutChunk uploads one chunk body and returns the server's acknowledged
// checksum. The local checksum travels in the request header so the server
// can reject corrupt transfers before committing them.
func (s *RemoteSink) PutChunk(ctx context.Context, jobID string, desc engine.ChunkDescriptor, r io.Reader) (uint64, error) {
	url := fmt.Sprintf("%s/upload/chunk/%s/%d", s.client.baseURL, jobID, desc.Index)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, r)
	if err != nil {
		return 0, err
	}
	req.ContentLength = desc.Length
	if desc.Checksum != 0 {
		req.Header.Set(ChecksumHeader, strconv.FormatUint(desc.Checksum, 16))
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return 0, fmt.Errorf("chunk %d: %s (status %d)", desc.Index, apiErr.Error, resp.StatusCode)
		}
		return 0, fmt.Errorf("chunk %d: status %d", desc.Index, resp.StatusCode)
	}

	var ack ChunkResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return 0, fmt.Errorf("chunk %d: decoding ack: %w", desc.Index, err)
	}
	sum, err := strconv.ParseUint(ack.Checksum, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("chunk %d: bad ack checksum %q: %w", desc.Index, ack.Checksum, err)
	}
	return sum, nil
}

// RemoteLedger exposes the server's resume info as an engine.Ledger so the
// uploader can skip chunks the server already holds. The server itself
// records commits as chunks arrive, so CommitChunk here is a no-op.
type RemoteLedger struct {
	client   *Client
	manifest []engine.ChunkDescriptor
}

// NewRemoteLedger creates a RemoteLedger over the job's chunk manifest.
func NewRemoteLedger(c *Client, manifest []engine.ChunkDescriptor) *RemoteLedger {
	return &RemoteLedger{client: c, manifest: manifest}
}

// CommittedChunks asks the server which chunks are missing and returns the
// complement. Checksums are reported as zero; the server holds the real ones.
func (l *RemoteLedger) CommittedChunks(jobID string) (map[int]uint64, error) {
	info, err := l.client.ResumeInfo(context.Background(), jobID)
	if err != nil {
		return nil, err
	}

	missing := make(map[int]struct{}, len(info.MissingChunks))
	for _, idx := range info.MissingChunks {
		missing[idx] = struct{}{}
	}

	committed := make(map[int]uint64)
	for _, desc := range l.manifest {
		if _, ok := missing[desc.Index]; !ok {
			committed[desc.Index] = 0
		}
	}
	return committed, nil
}

// CommitChunk reports every chunk as freshly committed; the durable record
// was already written server side when PutChunk was acknowledged.
func (l *RemoteLedger) CommitChunk(jobID string, index int, checksum uint64) (bool, error) {
	return true, nil
}
