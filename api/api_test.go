package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/stagefast/api"
	"github.com/fieldworks/stagefast/convert"
	"github.com/fieldworks/stagefast/engine"
	"github.com/fieldworks/stagefast/service"
	"github.com/fieldworks/stagefast/staging"
	"github.com/fieldworks/stagefast/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	area, err := staging.New(t.TempDir())
	require.NoError(t, err)

	dispatcher := convert.NewDispatcher()
	dispatcher.SetFallback(convert.ConverterFunc(func(ctx context.Context, dir string) error {
		return nil
	}))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := service.NewManager(st, area, dispatcher, service.Options{
		MaxWorkers:        2,
		MaxConcurrentJobs: 2,
		Logger:            log,
	})

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(mgr, log)))
	t.Cleanup(srv.Close)
	return srv
}

func testPayload(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(11)).Read(data)
	return data
}

func initiateClientJob(t *testing.T, srv *httptest.Server, total int64) string {
	t.Helper()
	client := api.NewClient(srv.URL)
	resp, err := client.Initiate(context.Background(), api.InitiateRequest{
		Source:      api.SourceDescriptor{Kind: "client"},
		DatasetID:   "d1",
		DatasetName: "survey",
		TotalBytes:  total,
		ChunkSizeMB: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.JobID)
	assert.Equal(t, string(engine.StateUploading), resp.Status)
	return resp.JobID
}

func putChunk(t *testing.T, srv *httptest.Server, jobID string, index int, payload []byte) api.ChunkResponse {
	t.Helper()

	url := fmt.Sprintf("%s/upload/chunk/%s/%d", srv.URL, jobID, index)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(api.ChecksumHeader, strconv.FormatUint(engine.Checksum(payload), 16))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ack api.ChunkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return ack
}

func TestInitiateRejectsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	resp, err := client.Post(srv.URL+"/upload/initiate", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, _ := json.Marshal(api.InitiateRequest{
		Source: api.SourceDescriptor{Kind: "carrier-pigeon"},
	})
	resp, err = client.Post(srv.URL+"/upload/initiate", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChunkUploadEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	data := testPayload(2*1024*1024 + 100)

	jobID := initiateClientJob(t, srv, int64(len(data)))

	manifest, err := engine.PlanChunks(int64(len(data)), 1024*1024)
	require.NoError(t, err)

	for _, c := range manifest {
		payload := data[c.Offset : c.Offset+c.Length]
		ack := putChunk(t, srv, jobID, c.Index, payload)
		assert.True(t, ack.Committed)
		assert.Equal(t, strconv.FormatUint(engine.Checksum(payload), 16), ack.Checksum)
	}

	client := api.NewClient(srv.URL)
	require.Eventually(t, func() bool {
		p, err := client.Status(context.Background(), jobID)
		return err == nil && p.Status == engine.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestChunkEndpointErrors(t *testing.T) {
	srv := newTestServer(t)
	jobID := initiateClientJob(t, srv, 1024)

	// Unknown job.
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/upload/chunk/nope/0", bytes.NewReader([]byte("x")))
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Non-numeric index.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/upload/chunk/"+jobID+"/abc", bytes.NewReader([]byte("x")))
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Index out of range.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/upload/chunk/"+jobID+"/99", bytes.NewReader([]byte("x")))
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Malformed checksum header.
	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/upload/chunk/"+jobID+"/0", bytes.NewReader([]byte("x")))
	req.Header.Set(api.ChecksumHeader, "not-hex")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/upload/status/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResumeInfoEndpoint(t *testing.T) {
	srv := newTestServer(t)
	data := testPayload(4 * 1024 * 1024)
	jobID := initiateClientJob(t, srv, int64(len(data)))

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024*1024)
	putChunk(t, srv, jobID, 0, data[:manifest[0].Length])
	putChunk(t, srv, jobID, 2, data[manifest[2].Offset:manifest[2].Offset+manifest[2].Length])

	client := api.NewClient(srv.URL)
	info, err := client.ResumeInfo(context.Background(), jobID)
	require.NoError(t, err)
	assert.True(t, info.CanResume)
	assert.Equal(t, []int{1, 3}, info.MissingChunks)
}

func TestPauseResumeCancelEndpoints(t *testing.T) {
	srv := newTestServer(t)
	jobID := initiateClientJob(t, srv, 4*1024*1024)
	client := api.NewClient(srv.URL)
	ctx := context.Background()

	p, err := client.Pause(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatePaused, p.Status)

	// Pausing again conflicts.
	_, err = client.Pause(ctx, jobID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")

	p, err = client.Resume(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateUploading, p.Status)

	p, err = client.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, p.Status)

	// Cancel on a terminal job is an idempotent no-op.
	p, err = client.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateCancelled, p.Status)
}

func TestRemoteSinkAndLedger(t *testing.T) {
	srv := newTestServer(t)
	data := testPayload(3 * 1024 * 1024)
	jobID := initiateClientJob(t, srv, int64(len(data)))

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024*1024)

	client := api.NewClient(srv.URL)
	sink := api.NewRemoteSink(client)
	ledger := api.NewRemoteLedger(client, manifest)

	// First chunk goes in directly; the ledger must then report it committed.
	payload := data[:manifest[0].Length]
	sum, err := sink.PutChunk(context.Background(), jobID, manifest[0], bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, engine.Checksum(payload), sum)

	committed, err := ledger.CommittedChunks(jobID)
	require.NoError(t, err)
	_, ok := committed[0]
	assert.True(t, ok)
	assert.Len(t, committed, 1)

	// The full uploader drives the rest through the remote sink.
	progress := engine.NewAggregator(0)
	progress.Register(jobID, "mem", int64(len(data)))
	up := engine.NewUploader(&memChunkSource{data: data}, sink, ledger, progress, engine.UploaderConfig{MaxWorkers: 2})
	require.NoError(t, up.Run(context.Background(), jobID, manifest))

	require.Eventually(t, func() bool {
		p, err := client.Status(context.Background(), jobID)
		return err == nil && p.Status == engine.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

type memChunkSource struct {
	data []byte
}

func (s *memChunkSource) OpenRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data[off : off+length])), nil
}

func TestCORSPreflight(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://viewer.example.org")
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/upload/initiate", nil)
	req.Header.Set("Origin", "https://viewer.example.org")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://viewer.example.org", resp.Header.Get("Access-Control-Allow-Origin"))

	// Unlisted origins get no CORS headers.
	req, _ = http.NewRequest(http.MethodOptions, srv.URL+"/upload/initiate", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
