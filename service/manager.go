// Package service owns the job registry and the lifecycle of upload jobs:
// creation, the state machine walk from QUEUED to a terminal state, chunk
// commits from remote clients, pause/resume/cancel, and timeout enforcement.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworks/stagefast/convert"
	"github.com/fieldworks/stagefast/engine"
	"github.com/fieldworks/stagefast/provider"
	"github.com/fieldworks/stagefast/staging"
	"github.com/fieldworks/stagefast/store"
)

// Source kinds accepted at job creation. A client source is pushed chunk by
// chunk over the API; the others are pulled by the server's own workers.
const (
	SourceLocal  = "local"
	SourceCloud  = "cloud"
	SourceURL    = "url"
	SourceClient = "client"
)

// SourceFactory resolves a source descriptor into a provider and the path to
// read within it.
type SourceFactory func(ctx context.Context, kind, location string) (provider.Source, string, error)

// DefaultSourceFactory handles local paths, s3://bucket/key locations and
// plain URLs.
func DefaultSourceFactory(ctx context.Context, kind, location string) (provider.Source, string, error) {
	switch kind {
	case SourceLocal:
		return provider.NewLocalSource(""), location, nil
	case SourceCloud:
		trimmed := strings.TrimPrefix(location, "s3://")
		bucket, key, ok := strings.Cut(trimmed, "/")
		if !ok || bucket == "" || key == "" {
			return nil, "", &engine.InvalidConfigError{Reason: fmt.Sprintf("cloud location %q is not s3://bucket/key", location)}
		}
		src, err := provider.NewS3Source(ctx, bucket, "")
		if err != nil {
			return nil, "", err
		}
		return src, key, nil
	case SourceURL:
		return provider.NewURLSource(nil), location, nil
	default:
		return nil, "", &engine.InvalidConfigError{Reason: fmt.Sprintf("unknown source kind %q", kind)}
	}
}

// Options configure a Manager.
type Options struct {
	// MaxWorkers is the per-job chunk transfer parallelism.
	MaxWorkers int

	// MaxConcurrentJobs is the system-wide cap on server-driven jobs
	// transferring at once.
	MaxConcurrentJobs int

	// ChunkTimeout bounds a single chunk transfer attempt.
	ChunkTimeout time.Duration

	// SpeedWindow is the sliding window for transfer speed averaging.
	SpeedWindow time.Duration

	// Retention is how long terminal jobs stay in the registry before the
	// janitor evicts them and purges their ledger.
	Retention time.Duration

	// Sources resolves source descriptors; DefaultSourceFactory when nil.
	Sources SourceFactory

	// Logger receives lifecycle events; slog.Default when nil.
	Logger *slog.Logger
}

// CreateRequest is the full job configuration fixed at creation.
type CreateRequest struct {
	SourceKind  string
	SourcePath  string
	Destination string
	DatasetID   string
	DatasetName string
	Sensor      string
	UserEmail   string
	FolderUUID  string
	TeamUUID    string

	// TotalBytes is required for client sources, where the server cannot
	// stat the file itself.
	TotalBytes int64

	ChunkSize  int64
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration

	AutoConvert    bool
	VerifyChecksum bool
	IsPublic       bool

	// ResumeToken, when set, re-initiates the upload for an existing job
	// id instead of creating a new job. Only missing chunks are
	// transferred.
	ResumeToken string
}

// ResumeInfo answers "what is missing" for a job. It is derived on demand
// from the ledger and never persisted.
type ResumeInfo struct {
	JobID         string `json:"job_id"`
	CanResume     bool   `json:"can_resume"`
	MissingChunks []int  `json:"missing_chunks"`
}

type jobHandle struct {
	record   *store.JobRecord
	sm       *engine.StateMachine
	manifest []engine.ChunkDescriptor

	uploader *engine.Uploader // server-driven jobs only
	watchdog *time.Timer      // whole-job timeout for client-push jobs

	doneAt time.Time
}

// Manager is the constructor-injected job registry. All process state lives
// here; there are no package-level singletons.
type Manager struct {
	store      store.Store
	area       *staging.Area
	dispatcher *convert.Dispatcher
	progress   *engine.Aggregator
	sources    SourceFactory
	log        *slog.Logger
	opts       Options

	mu    sync.Mutex
	jobs  map[string]*jobHandle
	slots chan struct{}
}

// NewManager wires a Manager from its collaborators.
func NewManager(st store.Store, area *staging.Area, dispatcher *convert.Dispatcher, opts Options) *Manager {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.Sources == nil {
		opts.Sources = DefaultSourceFactory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:      st,
		area:       area,
		dispatcher: dispatcher,
		progress:   engine.NewAggregator(opts.SpeedWindow),
		sources:    opts.Sources,
		log:        opts.Logger,
		opts:       opts,
		jobs:       make(map[string]*jobHandle),
		slots:      make(chan struct{}, opts.MaxConcurrentJobs),
	}
}

// Progress exposes the aggregator for in-process observers such as the TUI.
func (m *Manager) Progress() *engine.Aggregator {
	return m.progress
}

// Create validates the request, registers the job and starts its lifecycle.
// Server-driven sources begin transferring in the background immediately;
// client sources are initialized synchronously so chunk PUTs can follow.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.JobRecord, error) {
	if req.ResumeToken != "" {
		return m.resumeExisting(ctx, req)
	}

	if err := validate(&req); err != nil {
		return nil, err
	}
	sensor, err := convert.ParseSensor(req.Sensor)
	if err != nil {
		return nil, &engine.InvalidConfigError{Reason: err.Error()}
	}

	rec := &store.JobRecord{
		ID:             uuid.NewString(),
		SourceKind:     req.SourceKind,
		SourcePath:     req.SourcePath,
		Destination:    req.Destination,
		DatasetID:      req.DatasetID,
		DatasetName:    req.DatasetName,
		Sensor:         string(sensor),
		UserEmail:      req.UserEmail,
		FolderUUID:     req.FolderUUID,
		TeamUUID:       req.TeamUUID,
		TotalBytes:     req.TotalBytes,
		ChunkSize:      req.ChunkSize,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     req.RetryDelay,
		Timeout:        req.Timeout,
		AutoConvert:    req.AutoConvert,
		VerifyChecksum: req.VerifyChecksum,
		IsPublic:       req.IsPublic,
		State:          engine.StateQueued,
		CreatedAt:      time.Now(),
	}
	if err := m.store.SaveJob(rec); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	h := &jobHandle{record: rec, sm: engine.NewStateMachine()}
	m.progress.Register(rec.ID, rec.SourcePath, rec.TotalBytes)

	m.mu.Lock()
	m.jobs[rec.ID] = h
	m.mu.Unlock()

	m.log.Info("job created", "job_id", rec.ID, "source_kind", rec.SourceKind, "dataset", rec.DatasetName)
	m.armWatchdog(h)

	if rec.SourceKind == SourceClient {
		if err := m.initClientJob(h); err != nil {
			return nil, err
		}
		snapshot := *h.record
		return &snapshot, nil
	}

	snapshot := *rec
	go m.run(h)
	return &snapshot, nil
}

func validate(req *CreateRequest) error {
	if req.ChunkSize <= 0 {
		return &engine.InvalidConfigError{Reason: fmt.Sprintf("chunk size must be positive, got %d", req.ChunkSize)}
	}
	switch req.SourceKind {
	case SourceLocal, SourceCloud, SourceURL:
		if req.SourcePath == "" {
			return &engine.InvalidConfigError{Reason: "source path is required"}
		}
	case SourceClient:
		if req.TotalBytes < 0 {
			return &engine.InvalidConfigError{Reason: fmt.Sprintf("total bytes must be non-negative, got %d", req.TotalBytes)}
		}
	default:
		return &engine.InvalidConfigError{Reason: fmt.Sprintf("unknown source kind %q", req.SourceKind)}
	}
	if req.MaxRetries < 0 {
		return &engine.InvalidConfigError{Reason: "max retries must be non-negative"}
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = 3
	}
	if req.RetryDelay <= 0 {
		req.RetryDelay = 2 * time.Second
	}
	return nil
}

// initClientJob walks a client-push job to UPLOADING so the first chunk PUT
// finds the staging file in place.
func (m *Manager) initClientJob(h *jobHandle) error {
	if err := m.transition(h, engine.StateInitializing); err != nil {
		return err
	}

	manifest, err := engine.PlanChunks(h.record.TotalBytes, h.record.ChunkSize)
	if err != nil {
		m.fail(h, err, false)
		return err
	}
	if err := m.area.Create(h.record.ID, h.record.TotalBytes); err != nil {
		m.fail(h, err, false)
		return err
	}

	m.mu.Lock()
	h.manifest = manifest
	m.mu.Unlock()

	return m.transition(h, engine.StateUploading)
}

// armWatchdog enforces the whole-job timeout from creation onwards,
// independent of per-chunk attempt timeouts. The server-driven run carries
// its own deadline as well; fail is idempotent, so double firing is safe.
func (m *Manager) armWatchdog(h *jobHandle) {
	if h.record.Timeout <= 0 {
		return
	}
	jobID := h.record.ID
	h.watchdog = time.AfterFunc(h.record.Timeout, func() {
		if !h.sm.State().Terminal() {
			m.log.Warn("job timed out", "job_id", jobID, "timeout", h.record.Timeout)
			m.fail(h, engine.ErrTimeoutExceeded, true)
		}
	})
}

// run drives a server-driven job from INITIALIZING to a terminal state.
func (m *Manager) run(h *jobHandle) {
	// System-wide concurrency cap; jobs queue here.
	m.slots <- struct{}{}
	defer func() { <-m.slots }()

	if h.sm.State().Terminal() {
		return // cancelled while queued
	}
	if err := m.transition(h, engine.StateInitializing); err != nil {
		return
	}

	ctx := context.Background()
	if h.record.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.record.Timeout)
		defer cancel()
	}

	src, path, err := m.sources(ctx, h.record.SourceKind, h.record.SourcePath)
	if err != nil {
		m.fail(h, err, false)
		return
	}
	info, err := src.Stat(ctx, path)
	if err != nil {
		m.fail(h, fmt.Errorf("stat source: %w", err), true)
		return
	}

	manifest, err := engine.PlanChunks(info.Size(), h.record.ChunkSize)
	if err != nil {
		m.fail(h, err, false)
		return
	}
	if err := m.area.Create(h.record.ID, info.Size()); err != nil {
		m.fail(h, err, true)
		return
	}

	m.mu.Lock()
	h.record.TotalBytes = info.Size()
	h.manifest = manifest
	m.mu.Unlock()
	m.progress.SetTotal(h.record.ID, info.Size())
	m.saveRecord(h)

	m.uploadRun(ctx, h, src, path)
}

// uploadRun performs one UPLOADING pass and routes its outcome. It is
// entered from INITIALIZING on a fresh run and from PAUSED on resume.
func (m *Manager) uploadRun(ctx context.Context, h *jobHandle, src provider.Source, path string) {
	if err := m.transition(h, engine.StateUploading); err != nil {
		return
	}

	uploader := engine.NewUploader(
		provider.NewChunkSource(src, path),
		m.area,
		m.store,
		m.progress,
		engine.UploaderConfig{
			MaxWorkers:   m.opts.MaxWorkers,
			MaxRetries:   h.record.MaxRetries,
			RetryDelay:   h.record.RetryDelay,
			ChunkTimeout: m.opts.ChunkTimeout,
		},
	)
	m.mu.Lock()
	h.uploader = uploader
	manifest := h.manifest
	m.mu.Unlock()

	err := uploader.Run(ctx, h.record.ID, manifest)
	switch {
	case err == nil:
		m.finish(h)
	case errors.Is(err, engine.ErrPaused):
		if terr := m.transition(h, engine.StatePaused); terr == nil {
			m.log.Info("job paused", "job_id", h.record.ID)
		}
	case errors.Is(err, engine.ErrCancelled):
		m.cancelTerminal(h)
	case errors.Is(err, context.DeadlineExceeded):
		m.fail(h, engine.ErrTimeoutExceeded, true)
	default:
		m.fail(h, err, transientUploadError(err))
	}
}

// finish walks a fully-committed upload through PROCESSING and VERIFYING.
func (m *Manager) finish(h *jobHandle) {
	jobID := h.record.ID
	if err := m.transition(h, engine.StateProcessing); err != nil {
		return
	}

	if h.record.AutoConvert {
		sensor := convert.Sensor(h.record.Sensor)
		if err := m.dispatcher.Dispatch(context.Background(), sensor, m.area.Dir(jobID)); err != nil {
			m.fail(h, err, false)
			return
		}
	}

	if err := m.transition(h, engine.StateVerifying); err != nil {
		return
	}
	if h.record.VerifyChecksum {
		if _, err := m.area.Verify(jobID, h.record.TotalBytes); err != nil {
			m.fail(h, err, false)
			return
		}
	}

	m.mu.Lock()
	h.record.BytesUploaded = h.record.TotalBytes
	m.mu.Unlock()
	if err := m.transition(h, engine.StateCompleted); err != nil {
		return
	}
	m.log.Info("job completed", "job_id", jobID, "bytes", h.record.TotalBytes)
}

// CommitChunk ingests one chunk pushed by a remote client. It is idempotent:
// re-sending a committed chunk with a matching checksum is acknowledged
// without side effects, a mismatch fails the job with an integrity error.
func (m *Manager) CommitChunk(ctx context.Context, jobID string, index int, declared uint64, r io.Reader) (uint64, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return 0, err
	}

	if st := h.sm.State(); st != engine.StateUploading {
		return 0, fmt.Errorf("job is %s: %w", st, engine.ErrInvalidTransition)
	}

	m.mu.Lock()
	manifest := h.manifest
	m.mu.Unlock()
	if index < 0 || index >= len(manifest) {
		return 0, &engine.InvalidConfigError{Reason: fmt.Sprintf("chunk index %d out of range [0,%d)", index, len(manifest))}
	}
	desc := manifest[index]
	desc.Checksum = declared

	committed, err := m.store.CommittedChunks(jobID)
	if err != nil {
		return 0, err
	}
	if sum, ok := committed[index]; ok {
		if declared != 0 && declared != sum {
			ierr := &engine.IntegrityError{Index: index, Want: sum, Got: declared}
			m.fail(h, ierr, false)
			return 0, ierr
		}
		return sum, nil
	}

	sum, err := m.area.PutChunk(ctx, jobID, desc, r)
	if err != nil {
		return 0, err
	}

	fresh, err := m.store.CommitChunk(jobID, index, sum)
	if err != nil {
		var ie *engine.IntegrityError
		if errors.As(err, &ie) {
			m.fail(h, ie, false)
		}
		return 0, err
	}
	if fresh {
		m.progress.Add(jobID, desc.Length)
		m.mu.Lock()
		h.record.BytesUploaded += desc.Length
		m.mu.Unlock()
		m.saveRecord(h)
	}

	committed, err = m.store.CommittedChunks(jobID)
	if err == nil && len(committed) == len(manifest) {
		if h.watchdog != nil {
			h.watchdog.Stop()
		}
		go m.finish(h)
	}
	return sum, nil
}

// Status returns the job's progress snapshot. Jobs evicted from the registry
// fall back to their persisted record.
func (m *Manager) Status(jobID string) (engine.Progress, error) {
	if p, ok := m.progress.Snapshot(jobID); ok {
		return p, nil
	}

	rec, err := m.store.GetJob(jobID)
	if err != nil {
		return engine.Progress{}, err
	}
	return recordProgress(rec), nil
}

// ResumeInfo recomputes the manifest from the recorded file size and chunk
// size and diffs it against the ledger.
func (m *Manager) ResumeInfo(jobID string) (ResumeInfo, error) {
	rec, err := m.record(jobID)
	if err != nil {
		return ResumeInfo{}, err
	}

	manifest, err := engine.PlanChunks(rec.TotalBytes, rec.ChunkSize)
	if err != nil {
		return ResumeInfo{}, err
	}
	committed, err := m.store.CommittedChunks(jobID)
	if err != nil {
		return ResumeInfo{}, err
	}

	state := rec.State
	if h, herr := m.handle(jobID); herr == nil {
		state = h.sm.State()
	}
	canResume := !rec.LedgerPurged &&
		(!state.Terminal() || (state == engine.StateFailed && rec.Resumable))

	return ResumeInfo{
		JobID:         jobID,
		CanResume:     canResume,
		MissingChunks: engine.MissingChunks(manifest, committed),
	}, nil
}

// Pause requests a cooperative pause. Valid only from UPLOADING; on a
// terminal job it reports the terminal status without error.
func (m *Manager) Pause(jobID string) (engine.Progress, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return engine.Progress{}, err
	}

	st := h.sm.State()
	switch {
	case st.Terminal():
		return m.Status(jobID)
	case st != engine.StateUploading:
		p, _ := m.Status(jobID)
		return p, fmt.Errorf("pause from %s: %w", st, engine.ErrInvalidTransition)
	}

	m.mu.Lock()
	uploader := h.uploader
	m.mu.Unlock()
	if uploader != nil {
		// Server-driven: workers observe the flag at the next chunk
		// boundary and the run loop records PAUSED.
		uploader.Pause()
	} else if err := m.transition(h, engine.StatePaused); err != nil {
		p, _ := m.Status(jobID)
		return p, err
	}
	return m.Status(jobID)
}

// Resume continues a PAUSED job, transferring only missing chunks.
func (m *Manager) Resume(jobID string) (engine.Progress, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return engine.Progress{}, err
	}

	st := h.sm.State()
	switch {
	case st.Terminal():
		return m.Status(jobID)
	case st != engine.StatePaused:
		p, _ := m.Status(jobID)
		return p, fmt.Errorf("resume from %s: %w", st, engine.ErrInvalidTransition)
	}

	m.mu.Lock()
	h.record.RetryCount++
	m.mu.Unlock()
	m.saveRecord(h)

	if h.record.SourceKind == SourceClient {
		if err := m.transition(h, engine.StateUploading); err != nil {
			p, _ := m.Status(jobID)
			return p, err
		}
		return m.Status(jobID)
	}

	go func() {
		ctx := context.Background()
		if h.record.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.record.Timeout)
			defer cancel()
		}
		src, path, err := m.sources(ctx, h.record.SourceKind, h.record.SourcePath)
		if err != nil {
			m.fail(h, err, false)
			return
		}
		m.uploadRun(ctx, h, src, path)
	}()
	return m.Status(jobID)
}

// Cancel requests cancellation. On a terminal job it is an idempotent no-op
// reporting the terminal status. A cancel that arrives after the upload has
// logically finished (PROCESSING or later) is rejected with
// ErrInvalidTransition.
func (m *Manager) Cancel(jobID string) (engine.Progress, error) {
	h, err := m.handle(jobID)
	if err != nil {
		return engine.Progress{}, err
	}

	st := h.sm.State()
	switch st {
	case engine.StateCompleted, engine.StateFailed, engine.StateCancelled:
		return m.Status(jobID)
	case engine.StateUploading:
		m.mu.Lock()
		uploader := h.uploader
		m.mu.Unlock()
		if uploader != nil {
			// Workers exit at the next chunk boundary; the run loop
			// records CANCELLED once they have.
			uploader.Cancel()
			return m.Status(jobID)
		}
		m.cancelTerminal(h)
		return m.Status(jobID)
	case engine.StatePaused:
		m.cancelTerminal(h)
		return m.Status(jobID)
	default:
		// QUEUED, INITIALIZING, PROCESSING, VERIFYING: the transition
		// table has no cancel edge here. In particular a cancel that
		// lands after the final chunk committed is rejected: the upload
		// is already logically done.
		p, _ := m.Status(jobID)
		return p, fmt.Errorf("cancel from %s: %w", st, engine.ErrInvalidTransition)
	}
}

// resumeExisting re-initiates an upload for a job whose ledger survived,
// using a fresh lifecycle over the committed state.
func (m *Manager) resumeExisting(ctx context.Context, req CreateRequest) (*store.JobRecord, error) {
	jobID := req.ResumeToken

	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	if rec.LedgerPurged {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrLedgerPurged)
	}

	info, err := m.ResumeInfo(jobID)
	if err != nil {
		return nil, err
	}
	if !info.CanResume {
		return nil, fmt.Errorf("job %s cannot resume: %w", jobID, engine.ErrInvalidTransition)
	}
	// If the job is still live in the registry, resume is the state-machine
	// path, not re-initiation.
	if h, herr := m.handle(jobID); herr == nil && !h.sm.State().Terminal() {
		return nil, fmt.Errorf("job %s is still active: %w", jobID, engine.ErrInvalidTransition)
	}

	rec.RetryCount++
	rec.Error = ""
	rec.State = engine.StateQueued
	if err := m.store.SaveJob(rec); err != nil {
		return nil, err
	}

	h := &jobHandle{record: rec, sm: engine.NewStateMachine()}
	m.progress.Register(jobID, rec.SourcePath, rec.TotalBytes)

	m.mu.Lock()
	m.jobs[jobID] = h
	m.mu.Unlock()

	m.log.Info("job resumed", "job_id", jobID, "missing_chunks", len(info.MissingChunks))
	m.armWatchdog(h)

	if rec.SourceKind == SourceClient {
		if err := m.initClientJob(h); err != nil {
			return nil, err
		}
		m.seedFromLedger(h)
		snapshot := *h.record
		return &snapshot, nil
	}

	snapshot := *rec
	go m.run(h)
	return &snapshot, nil
}

// seedFromLedger restores a resumed job's byte count from its committed
// chunks, the source of truth.
func (m *Manager) seedFromLedger(h *jobHandle) {
	committed, err := m.store.CommittedChunks(h.record.ID)
	if err != nil {
		return
	}
	m.mu.Lock()
	manifest := h.manifest
	m.mu.Unlock()

	var seed int64
	for _, c := range manifest {
		if _, ok := committed[c.Index]; ok {
			seed += c.Length
		}
	}
	m.progress.Seed(h.record.ID, seed)
	m.mu.Lock()
	h.record.BytesUploaded = seed
	m.mu.Unlock()
}

// transition moves the state machine and mirrors the new state onto the
// record and the progress snapshot.
func (m *Manager) transition(h *jobHandle, next engine.State) error {
	if err := h.sm.To(next); err != nil {
		return err
	}

	now := time.Now()
	m.mu.Lock()
	h.record.State = next
	if next == engine.StateUploading && h.record.StartedAt.IsZero() {
		h.record.StartedAt = now
	}
	if next.Terminal() {
		h.record.CompletedAt = now
		h.doneAt = now
	}
	m.mu.Unlock()

	m.progress.SetStatus(h.record.ID, next)
	m.saveRecord(h)
	return nil
}

// fail drives a job to FAILED from whatever non-terminal state it is in.
func (m *Manager) fail(h *jobHandle, err error, resumable bool) {
	if h.sm.State().Terminal() {
		return
	}
	// FAILED is reachable from every non-terminal state except QUEUED and
	// PAUSED; those two pass through their next legal step first.
	if terr := h.sm.To(engine.StateFailed); terr != nil {
		switch h.sm.State() {
		case engine.StateQueued:
			_ = h.sm.To(engine.StateInitializing)
		case engine.StatePaused:
			_ = h.sm.To(engine.StateUploading)
		}
		if h.sm.To(engine.StateFailed) != nil {
			return
		}
	}

	now := time.Now()
	m.mu.Lock()
	h.record.State = engine.StateFailed
	h.record.Error = err.Error()
	h.record.Resumable = resumable
	h.record.CompletedAt = now
	h.doneAt = now
	m.mu.Unlock()

	m.progress.Fail(h.record.ID, err)
	m.saveRecord(h)
	m.log.Warn("job failed", "job_id", h.record.ID, "error", err, "resumable", resumable)
}

// cancelTerminal records CANCELLED. Not an error from the caller's side.
func (m *Manager) cancelTerminal(h *jobHandle) {
	if err := m.transition(h, engine.StateCancelled); err != nil {
		return
	}
	m.log.Info("job cancelled", "job_id", h.record.ID)
}

func (m *Manager) saveRecord(h *jobHandle) {
	m.mu.Lock()
	rec := *h.record
	m.mu.Unlock()
	if err := m.store.SaveJob(&rec); err != nil {
		m.log.Error("failed to persist job record", "job_id", rec.ID, "error", err)
	}
}

func (m *Manager) handle(jobID string) (*jobHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return h, nil
}

func (m *Manager) record(jobID string) (*store.JobRecord, error) {
	if h, err := m.handle(jobID); err == nil {
		m.mu.Lock()
		rec := *h.record
		m.mu.Unlock()
		return &rec, nil
	}
	return m.store.GetJob(jobID)
}

// recordProgress rebuilds a well-formed progress snapshot from a persisted
// record for jobs no longer in the aggregator.
func recordProgress(rec *store.JobRecord) engine.Progress {
	pct := float64(100)
	if rec.TotalBytes > 0 {
		pct = float64(rec.BytesUploaded) / float64(rec.TotalBytes) * 100
	}
	updated := rec.CompletedAt
	if updated.IsZero() {
		updated = rec.CreatedAt
	}
	return engine.Progress{
		JobID:         rec.ID,
		Status:        rec.State,
		Percentage:    pct,
		BytesUploaded: rec.BytesUploaded,
		BytesTotal:    rec.TotalBytes,
		CurrentFile:   rec.SourcePath,
		Error:         rec.Error,
		UpdatedAt:     updated,
	}
}

// transientUploadError classifies failures whose ledger state still permits
// a useful resume.
func transientUploadError(err error) bool {
	var cue *engine.ChunkUploadError
	if errors.As(err, &cue) {
		return true
	}
	var ie *engine.IntegrityError
	if errors.As(err, &ie) {
		return false
	}
	var ice *engine.InvalidConfigError
	if errors.As(err, &ice) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, engine.ErrTimeoutExceeded)
}
