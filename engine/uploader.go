package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ChunkSource reads byte ranges of a job's source file.
type ChunkSource interface {
	// OpenRange opens a reader over [off, off+length) of the source.
	OpenRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
}

// ChunkSink receives chunk payloads at the destination and acknowledges each
// one with the checksum of the bytes it durably stored.
type ChunkSink interface {
	PutChunk(ctx context.Context, jobID string, desc ChunkDescriptor, r io.Reader) (uint64, error)
}

// Ledger is the authoritative record of which chunk indices are committed
// for a job. Commits are set-once: re-committing an index with a matching
// checksum is a silent no-op reported as not-new, a mismatch is an
// IntegrityError.
type Ledger interface {
	CommitChunk(jobID string, index int, checksum uint64) (bool, error)
	CommittedChunks(jobID string) (map[int]uint64, error)
}

// UploaderConfig bounds the parallelism and retry behavior of one job's
// transfer.
type UploaderConfig struct {
	// MaxWorkers is the number of concurrent chunk transfers, minimum 1.
	MaxWorkers int

	// MaxRetries is the number of additional attempts per chunk after the
	// first failure.
	MaxRetries int

	// RetryDelay is the backoff base: attempt n sleeps n*RetryDelay.
	RetryDelay time.Duration

	// ChunkTimeout bounds a single transfer attempt. Zero means no bound;
	// the whole-job timeout still applies through the Run context.
	ChunkTimeout time.Duration
}

// Uploader transfers the uncommitted chunks of a manifest from a source to a
// sink with bounded parallelism, recording commits in the ledger and byte
// counts in the progress aggregator. One Uploader drives one run of one job.
type Uploader struct {
	source   ChunkSource
	sink     ChunkSink
	ledger   Ledger
	progress *Aggregator
	cfg      UploaderConfig

	poolMu sync.Mutex
	pool   *WorkerPool

	cancelled atomic.Bool
	paused    atomic.Bool
}

// NewUploader creates an Uploader. MaxWorkers below 1 is raised to 1.
func NewUploader(source ChunkSource, sink ChunkSink, ledger Ledger, progress *Aggregator, cfg UploaderConfig) *Uploader {
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Uploader{
		source:   source,
		sink:     sink,
		ledger:   ledger,
		progress: progress,
		cfg:      cfg,
	}
}

// Cancel requests a cooperative stop. Workers observe the flag between chunk
// attempts; the in-flight attempt is allowed to finish or time out.
func (u *Uploader) Cancel() {
	u.cancelled.Store(true)
}

// Pause requests a cooperative stop that keeps the ledger resumable.
func (u *Uploader) Pause() {
	u.paused.Store(true)
}

// SetWorkerCount resizes the transfer parallelism of an active run. Values
// below 1 are clamped. Between runs it adjusts the configured default.
func (u *Uploader) SetWorkerCount(n int) {
	if n < 1 {
		n = 1
	}
	u.poolMu.Lock()
	defer u.poolMu.Unlock()
	u.cfg.MaxWorkers = n
	if u.pool != nil {
		u.pool.SetWorkerCount(n)
	}
}

// WorkerCount reports the configured transfer parallelism.
func (u *Uploader) WorkerCount() int {
	u.poolMu.Lock()
	defer u.poolMu.Unlock()
	return u.cfg.MaxWorkers
}

// Run uploads every chunk of manifest not already committed in the ledger.
// It returns nil only once all manifest chunks are committed, which is the
// barrier the caller relies on before moving the job to processing. ErrPaused
// and ErrCancelled report cooperative stops; any other error failed the job.
func (u *Uploader) Run(ctx context.Context, jobID string, manifest []ChunkDescriptor) error {
	committed, err := u.ledger.CommittedChunks(jobID)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}

	// A resumed run starts from the bytes already on disk.
	var seed int64
	for _, c := range manifest {
		if _, ok := committed[c.Index]; ok {
			seed += c.Length
		}
	}
	u.progress.Seed(jobID, seed)

	missing := MissingChunks(manifest, committed)
	if len(missing) > 0 {
		if err := u.transfer(ctx, jobID, manifest, committed, len(missing)); err != nil {
			return err
		}
	}

	// Commit-count barrier: never report success on a partial ledger.
	committed, err = u.ledger.CommittedChunks(jobID)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	if len(committed) < len(manifest) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("upload incomplete: %d of %d chunks committed", len(committed), len(manifest))
	}
	return nil
}

func (u *Uploader) transfer(ctx context.Context, jobID string, manifest []ChunkDescriptor, committed map[int]uint64, missing int) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		stop()
	}

	jobChan := make(JobChannel, missing)
	pool := NewWorkerPool(runCtx, jobChan, func(ctx context.Context, job ChunkJob) error {
		if err := u.transferChunk(ctx, job); err != nil {
			fail(err)
			return err
		}
		return nil
	})
	u.poolMu.Lock()
	u.pool = pool
	pool.SetWorkerCount(u.cfg.MaxWorkers)
	u.poolMu.Unlock()

	for _, c := range manifest {
		if _, ok := committed[c.Index]; ok {
			continue
		}
		jobChan <- ChunkJob{JobID: jobID, Desc: c}
	}
	close(jobChan)

	pool.Wait()
	stop()
	pool.Stop()
	u.poolMu.Lock()
	u.pool = nil
	u.poolMu.Unlock()

	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// transferChunk runs the retry loop for one chunk. Cooperative cancel and
// pause flags are observed between attempts, never preemptively.
func (u *Uploader) transferChunk(ctx context.Context, job ChunkJob) error {
	desc := job.Desc
	var lastErr error

	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if u.cancelled.Load() {
			return ErrCancelled
		}
		if u.paused.Load() {
			return ErrPaused
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 0 {
			// A racing resume session may have committed this chunk while
			// we were backing off.
			if done, err := u.alreadyCommitted(job.JobID, desc.Index); err == nil && done {
				return nil
			}

			select {
			case <-time.After(time.Duration(attempt) * u.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		sum, err := u.attemptChunk(ctx, job.JobID, desc)
		if err != nil {
			lastErr = err
			continue
		}

		fresh, err := u.ledger.CommitChunk(job.JobID, desc.Index, sum)
		if err != nil {
			var ie *IntegrityError
			if errors.As(err, &ie) {
				// Fatal: a committed chunk disagrees with what we read.
				return err
			}
			lastErr = err
			continue
		}

		// A duplicate commit from a racing session is a safe no-op and
		// must not inflate the byte count.
		if fresh {
			u.progress.Add(job.JobID, desc.Length)
		}
		return nil
	}

	return &ChunkUploadError{Index: desc.Index, Err: lastErr}
}

// attemptChunk performs one bounded transfer attempt: read the range,
// checksum it while streaming, send it, and compare the sink's acknowledged
// checksum. A mismatched acknowledgement is a failed attempt, not a commit.
func (u *Uploader) attemptChunk(ctx context.Context, jobID string, desc ChunkDescriptor) (uint64, error) {
	if u.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.ChunkTimeout)
		defer cancel()
	}

	rc, err := u.source.OpenRange(ctx, desc.Offset, desc.Length)
	if err != nil {
		return 0, fmt.Errorf("open chunk %d: %w", desc.Index, err)
	}
	defer rc.Close()

	cr := NewChecksumReader(io.LimitReader(rc, desc.Length))
	acked, err := u.sink.PutChunk(ctx, jobID, desc, cr)
	if err != nil {
		return 0, fmt.Errorf("put chunk %d: %w", desc.Index, err)
	}
	if cr.BytesRead() != desc.Length {
		return 0, fmt.Errorf("chunk %d: short read, %d of %d bytes", desc.Index, cr.BytesRead(), desc.Length)
	}

	sum := cr.Checksum()
	if !VerifyChecksum(acked, sum) {
		return 0, fmt.Errorf("chunk %d: acknowledged checksum %016x does not match computed %016x", desc.Index, acked, sum)
	}
	return sum, nil
}

func (u *Uploader) alreadyCommitted(jobID string, index int) (bool, error) {
	committed, err := u.ledger.CommittedChunks(jobID)
	if err != nil {
		return false, err
	}
	_, ok := committed[index]
	return ok, nil
}
