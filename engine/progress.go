package engine

import (
	"sync"
	"time"
)

// DefaultSpeedWindow is the sliding window over which transfer speed is
// averaged. Short enough to react to stalls, long enough to smooth bursts.
const DefaultSpeedWindow = 10 * time.Second

// Progress is a consistent snapshot of one job's transfer state. It is the
// single read path for status queries and remains well-formed after failure,
// with Error populated and Status terminal.
type Progress struct {
	JobID         string    `json:"job_id"`
	Status        State     `json:"status"`
	Percentage    float64   `json:"progress_percentage"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	BytesTotal    int64     `json:"bytes_total"`
	SpeedMBps     float64   `json:"speed_mbps"`
	ETASeconds    int64     `json:"eta_seconds"`
	CurrentFile   string    `json:"current_file,omitempty"`
	Error         string    `json:"error_message,omitempty"`
	UpdatedAt     time.Time `json:"last_updated"`
}

type speedSample struct {
	at    time.Time
	bytes int64
}

type progressEntry struct {
	Progress
	samples []speedSample
}

// Aggregator accumulates byte counts from concurrent workers and derives
// percentage, speed and ETA per job. All mutation goes through a single
// mutex so concurrent chunk commits never lose updates, and bytes uploaded
// is monotonically non-decreasing until the job reaches a terminal state.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	jobs   map[string]*progressEntry
	now    func() time.Time
}

// NewAggregator creates an Aggregator averaging speed over window.
// A window <= 0 uses DefaultSpeedWindow.
func NewAggregator(window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultSpeedWindow
	}
	return &Aggregator{
		window: window,
		jobs:   make(map[string]*progressEntry),
		now:    time.Now,
	}
}

// Register creates the progress record for a job. Registering an existing
// job id resets its record.
func (a *Aggregator) Register(jobID, file string, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.jobs[jobID] = &progressEntry{
		Progress: Progress{
			JobID:       jobID,
			Status:      StateQueued,
			BytesTotal:  total,
			CurrentFile: file,
			UpdatedAt:   a.now(),
		},
	}
}

// Add records n bytes transferred for a job, typically one committed chunk.
// Negative increments are ignored so bytes uploaded never decreases.
func (a *Aggregator) Add(jobID string, n int64) {
	if n < 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.jobs[jobID]
	if !ok {
		return
	}
	now := a.now()
	e.BytesUploaded += n
	e.samples = append(e.samples, speedSample{at: now, bytes: n})
	a.recompute(e, now)
}

// Seed sets the byte count directly, used when a resumed job picks up
// already-committed chunks. It never lowers the count.
func (a *Aggregator) Seed(jobID string, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.jobs[jobID]
	if !ok || bytes <= e.BytesUploaded {
		return
	}
	now := a.now()
	e.BytesUploaded = bytes
	a.recompute(e, now)
}

// SetTotal fixes the total byte count once the source has been measured.
func (a *Aggregator) SetTotal(jobID string, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.jobs[jobID]; ok {
		e.BytesTotal = total
		a.recompute(e, a.now())
	}
}

// SetStatus records the job's lifecycle state on the snapshot.
func (a *Aggregator) SetStatus(jobID string, s State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.jobs[jobID]; ok {
		e.Status = s
		e.UpdatedAt = a.now()
	}
}

// Fail marks the job failed and records the error message. Status queries
// after failure still return the full record.
func (a *Aggregator) Fail(jobID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e, ok := a.jobs[jobID]; ok {
		e.Status = StateFailed
		if err != nil {
			e.Error = err.Error()
		}
		e.UpdatedAt = a.now()
	}
}

// Snapshot returns a copy of the job's progress record. The copy is
// internally consistent: it never exposes a partially-updated record.
func (a *Aggregator) Snapshot(jobID string) (Progress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.jobs[jobID]
	if !ok {
		return Progress{}, false
	}
	a.recompute(e, a.now())
	return e.Progress, true
}

// Remove drops a job's record, used by retention eviction.
func (a *Aggregator) Remove(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.jobs, jobID)
}

// recompute derives percentage, windowed speed and ETA. Callers hold a.mu.
func (a *Aggregator) recompute(e *progressEntry, now time.Time) {
	e.UpdatedAt = now

	if e.BytesTotal > 0 {
		e.Percentage = float64(e.BytesUploaded) / float64(e.BytesTotal) * 100
	} else {
		e.Percentage = 100
	}

	cutoff := now.Add(-a.window)
	keep := e.samples[:0]
	var windowBytes int64
	for _, s := range e.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
			windowBytes += s.bytes
		}
	}
	e.samples = keep

	elapsed := a.window.Seconds()
	if len(e.samples) > 0 {
		if since := now.Sub(e.samples[0].at).Seconds(); since > 0 && since < elapsed {
			elapsed = since
		}
	}
	bytesPerSec := float64(windowBytes) / elapsed
	e.SpeedMBps = bytesPerSec / (1024 * 1024)

	remaining := e.BytesTotal - e.BytesUploaded
	if remaining <= 0 || e.Status.Terminal() {
		e.ETASeconds = 0
	} else if bytesPerSec > 1e-9 {
		e.ETASeconds = int64(float64(remaining) / bytesPerSec)
	} else {
		e.ETASeconds = -1 // unknown, no recent samples
	}
}
