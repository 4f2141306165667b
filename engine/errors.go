package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a requested state change is not
	// in the transition table. The state machine is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTimeoutExceeded marks a job that failed its whole-job deadline,
	// independent of any per-chunk attempt timeout.
	ErrTimeoutExceeded = errors.New("job timeout exceeded")

	// ErrCancelled marks a job stopped by an explicit cancel request.
	ErrCancelled = errors.New("cancelled by user")

	// ErrPaused is returned by an uploader that stopped at a chunk boundary
	// because of a pause request. The ledger is intact and the job can resume.
	ErrPaused = errors.New("upload paused")
)

// InvalidConfigError reports an unusable job configuration. It is surfaced
// immediately and never retried.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "invalid config: " + e.Reason
}

// ChunkUploadError is the terminal error for a chunk whose retry budget is
// exhausted. It fails the whole job.
type ChunkUploadError struct {
	Index int
	Err   error
}

func (e *ChunkUploadError) Error() string {
	return fmt.Sprintf("chunk %d upload failed: %v", e.Index, e.Err)
}

func (e *ChunkUploadError) Unwrap() error { return e.Err }

// IntegrityError reports a checksum conflict on a chunk that is already
// committed. Commits are set-once, so this is fatal and never retried.
type IntegrityError struct {
	Index int
	Want  uint64
	Got   uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %d integrity violation: committed checksum %016x, got %016x", e.Index, e.Want, e.Got)
}
