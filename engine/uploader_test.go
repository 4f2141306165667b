package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fieldworks/stagefast/engine"
)

type memSource struct {
	data []byte
}

func (s *memSource) OpenRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off < 0 || off+length > int64(len(s.data)) {
		return nil, fmt.Errorf("range [%d, %d) out of bounds", off, off+length)
	}
	return io.NopCloser(bytes.NewReader(s.data[off : off+length])), nil
}

// memSink stores chunk payloads in memory and can be programmed to fail or
// mis-acknowledge the first attempts for chosen chunk indices.
type memSink struct {
	mu       sync.Mutex
	chunks   map[int][]byte
	attempts map[int]int
	failures map[int]int // index -> number of leading attempts to fail
	badAcks  map[int]int // index -> number of leading attempts to mis-acknowledge
}

func newMemSink() *memSink {
	return &memSink{
		chunks:   make(map[int][]byte),
		attempts: make(map[int]int),
		failures: make(map[int]int),
		badAcks:  make(map[int]int),
	}
}

func (s *memSink) PutChunk(ctx context.Context, jobID string, desc engine.ChunkDescriptor, r io.Reader) (uint64, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[desc.Index]++

	if s.failures[desc.Index] > 0 {
		s.failures[desc.Index]--
		return 0, errors.New("simulated transfer failure")
	}
	if s.badAcks[desc.Index] > 0 {
		s.badAcks[desc.Index]--
		return engine.Checksum(payload) + 1, nil
	}

	s.chunks[desc.Index] = payload
	return engine.Checksum(payload), nil
}

func (s *memSink) assemble() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for i := 0; i < len(s.chunks); i++ {
		out = append(out, s.chunks[i]...)
	}
	return out
}

type memLedger struct {
	mu        sync.Mutex
	committed map[int]uint64
	poisoned  map[int]bool // indices whose commit reports an integrity error
}

func newMemLedger() *memLedger {
	return &memLedger{
		committed: make(map[int]uint64),
		poisoned:  make(map[int]bool),
	}
}

func (l *memLedger) CommitChunk(jobID string, index int, checksum uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.poisoned[index] {
		return false, &engine.IntegrityError{Index: index, Want: checksum + 1, Got: checksum}
	}
	if existing, ok := l.committed[index]; ok {
		if existing != checksum {
			return false, &engine.IntegrityError{Index: index, Want: existing, Got: checksum}
		}
		return false, nil
	}
	l.committed[index] = checksum
	return true, nil
}

func (l *memLedger) CommittedChunks(jobID string) (map[int]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[int]uint64, len(l.committed))
	for k, v := range l.committed {
		out[k] = v
	}
	return out, nil
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func newTestUploader(src *memSource, sink *memSink, ledger *memLedger, cfg engine.UploaderConfig) (*engine.Uploader, *engine.Aggregator) {
	progress := engine.NewAggregator(0)
	progress.Register("job1", "data.bin", int64(len(src.data)))
	return engine.NewUploader(src, sink, ledger, progress, cfg), progress
}

func TestUploaderFullTransfer(t *testing.T) {
	data := testData(10*1024 + 300)
	src := &memSource{data: data}
	sink := newMemSink()
	ledger := newMemLedger()

	manifest, err := engine.PlanChunks(int64(len(data)), 1024)
	if err != nil {
		t.Fatalf("PlanChunks failed: %v", err)
	}

	up, progress := newTestUploader(src, sink, ledger, engine.UploaderConfig{MaxWorkers: 4})
	if err := up.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := sink.assemble(); !bytes.Equal(got, data) {
		t.Errorf("Reassembled data does not match source: %d vs %d bytes", len(got), len(data))
	}

	committed, _ := ledger.CommittedChunks("job1")
	if len(committed) != len(manifest) {
		t.Errorf("Expected %d committed chunks, got %d", len(manifest), len(committed))
	}

	p, _ := progress.Snapshot("job1")
	if p.BytesUploaded != int64(len(data)) {
		t.Errorf("Expected %d bytes uploaded, got %d", len(data), p.BytesUploaded)
	}
}

func TestUploaderSkipsCommittedChunks(t *testing.T) {
	data := testData(8 * 1024)
	src := &memSource{data: data}
	sink := newMemSink()
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	// Simulate a prior session that committed chunks 0, 2 and 5.
	for _, idx := range []int{0, 2, 5} {
		c := manifest[idx]
		payload := data[c.Offset : c.Offset+c.Length]
		ledger.CommitChunk("job1", idx, engine.Checksum(payload))
	}

	up, progress := newTestUploader(src, sink, ledger, engine.UploaderConfig{MaxWorkers: 2})
	if err := up.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink.mu.Lock()
	for _, idx := range []int{0, 2, 5} {
		if sink.attempts[idx] != 0 {
			t.Errorf("Chunk %d was re-transferred despite being committed", idx)
		}
	}
	for _, idx := range []int{1, 3, 4, 6, 7} {
		if sink.attempts[idx] != 1 {
			t.Errorf("Expected exactly 1 attempt for chunk %d, got %d", idx, sink.attempts[idx])
		}
	}
	sink.mu.Unlock()

	p, _ := progress.Snapshot("job1")
	if p.BytesUploaded != int64(len(data)) {
		t.Errorf("Expected full byte count %d after resume, got %d", len(data), p.BytesUploaded)
	}
}

func TestUploaderRetriesTransientFailure(t *testing.T) {
	data := testData(4 * 1024)
	src := &memSource{data: data}
	sink := newMemSink()
	sink.failures[1] = 2 // first two attempts on chunk 1 fail
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, _ := newTestUploader(src, sink, ledger, engine.UploaderConfig{
		MaxWorkers: 2,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	if err := up.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink.mu.Lock()
	if sink.attempts[1] != 3 {
		t.Errorf("Expected 3 attempts on flaky chunk, got %d", sink.attempts[1])
	}
	sink.mu.Unlock()

	if got := sink.assemble(); !bytes.Equal(got, data) {
		t.Errorf("Reassembled data does not match source")
	}
}

func TestUploaderExhaustsRetries(t *testing.T) {
	data := testData(2 * 1024)
	src := &memSource{data: data}
	sink := newMemSink()
	sink.failures[0] = 100 // never recovers
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, _ := newTestUploader(src, sink, ledger, engine.UploaderConfig{
		MaxWorkers: 1,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})

	err := up.Run(context.Background(), "job1", manifest)
	var cue *engine.ChunkUploadError
	if !errors.As(err, &cue) {
		t.Fatalf("Expected ChunkUploadError, got %v", err)
	}
	if cue.Index != 0 {
		t.Errorf("Expected failure on chunk 0, got %d", cue.Index)
	}

	sink.mu.Lock()
	if sink.attempts[0] != 3 { // 1 initial + 2 retries
		t.Errorf("Expected 3 attempts, got %d", sink.attempts[0])
	}
	sink.mu.Unlock()
}

func TestUploaderIntegrityErrorIsFatal(t *testing.T) {
	data := testData(2 * 1024)
	src := &memSource{data: data}
	sink := newMemSink()
	ledger := newMemLedger()
	ledger.poisoned[0] = true

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, _ := newTestUploader(src, sink, ledger, engine.UploaderConfig{
		MaxWorkers: 1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	})

	err := up.Run(context.Background(), "job1", manifest)
	var ie *engine.IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("Expected IntegrityError, got %v", err)
	}

	// Integrity errors must not burn the retry budget.
	sink.mu.Lock()
	if sink.attempts[0] != 1 {
		t.Errorf("Expected 1 attempt before fatal integrity error, got %d", sink.attempts[0])
	}
	sink.mu.Unlock()
}

func TestUploaderMismatchedAckRetried(t *testing.T) {
	data := testData(1024)
	src := &memSource{data: data}
	sink := newMemSink()
	sink.badAcks[0] = 1
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, _ := newTestUploader(src, sink, ledger, engine.UploaderConfig{
		MaxWorkers: 1,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err := up.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sink.mu.Lock()
	if sink.attempts[0] != 2 {
		t.Errorf("Expected mis-acknowledged chunk to be retried once, got %d attempts", sink.attempts[0])
	}
	sink.mu.Unlock()
}

func TestUploaderCancel(t *testing.T) {
	data := testData(1024)
	src := &memSource{data: data}
	sink := newMemSink()
	sink.failures[0] = 100
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, _ := newTestUploader(src, sink, ledger, engine.UploaderConfig{
		MaxWorkers: 1,
		MaxRetries: 100,
		RetryDelay: time.Millisecond,
	})

	// The flag is observed before the first attempt of each chunk.
	up.Cancel()

	err := up.Run(context.Background(), "job1", manifest)
	if !errors.Is(err, engine.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
}

func TestUploaderPause(t *testing.T) {
	data := testData(1024)
	src := &memSource{data: data}
	sink := newMemSink()
	sink.failures[0] = 100
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, _ := newTestUploader(src, sink, ledger, engine.UploaderConfig{
		MaxWorkers: 1,
		MaxRetries: 100,
		RetryDelay: time.Millisecond,
	})
	up.Pause()

	err := up.Run(context.Background(), "job1", manifest)
	if !errors.Is(err, engine.ErrPaused) {
		t.Errorf("Expected ErrPaused, got %v", err)
	}
}

func TestUploaderDuplicateCommitDoesNotInflateProgress(t *testing.T) {
	data := testData(2 * 1024)
	src := &memSource{data: data}
	sink := newMemSink()
	ledger := newMemLedger()

	manifest, _ := engine.PlanChunks(int64(len(data)), 1024)

	up, progress := newTestUploader(src, sink, ledger, engine.UploaderConfig{MaxWorkers: 2})
	if err := up.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	// A second run over the same ledger commits nothing new.
	up2 := engine.NewUploader(src, sink, ledger, progress, engine.UploaderConfig{MaxWorkers: 2})
	if err := up2.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	p, _ := progress.Snapshot("job1")
	if p.BytesUploaded != int64(len(data)) {
		t.Errorf("Duplicate run inflated byte count to %d, want %d", p.BytesUploaded, len(data))
	}
}

func TestUploaderZeroByteFile(t *testing.T) {
	src := &memSource{data: nil}
	sink := newMemSink()
	ledger := newMemLedger()

	manifest, err := engine.PlanChunks(0, 1024)
	if err != nil {
		t.Fatalf("PlanChunks failed: %v", err)
	}
	if len(manifest) != 1 {
		t.Fatalf("Expected single zero-length chunk, got %d", len(manifest))
	}

	progress := engine.NewAggregator(0)
	progress.Register("job1", "empty.bin", 0)
	up := engine.NewUploader(src, sink, ledger, progress, engine.UploaderConfig{MaxWorkers: 1})

	if err := up.Run(context.Background(), "job1", manifest); err != nil {
		t.Fatalf("Run failed for zero-byte file: %v", err)
	}

	committed, _ := ledger.CommittedChunks("job1")
	if len(committed) != 1 {
		t.Errorf("Expected the zero-length chunk to be committed, got %d commits", len(committed))
	}
}
