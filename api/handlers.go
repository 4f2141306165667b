package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fieldworks/stagefast/engine"
	"github.com/fieldworks/stagefast/service"
	"github.com/fieldworks/stagefast/store"
)

const defaultChunkSizeMB = 16

// Handler serves the upload API on top of the job manager.
type Handler struct {
	manager *service.Manager
	log     *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(m *service.Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{manager: m, log: log}
}

// Initiate handles POST /upload/initiate.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.ChunkSizeMB <= 0 {
		req.ChunkSizeMB = defaultChunkSizeMB
	}

	rec, err := h.manager.Create(r.Context(), service.CreateRequest{
		SourceKind:     req.Source.Kind,
		SourcePath:     req.Source.Location,
		Destination:    req.Destination,
		DatasetID:      req.DatasetID,
		DatasetName:    req.DatasetName,
		Sensor:         req.Sensor,
		UserEmail:      req.UserEmail,
		FolderUUID:     req.FolderUUID,
		TeamUUID:       req.TeamUUID,
		TotalBytes:     req.TotalBytes,
		ChunkSize:      req.ChunkSizeMB * 1024 * 1024,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     time.Duration(req.RetryDelaySeconds) * time.Second,
		Timeout:        time.Duration(req.TimeoutMinutes) * time.Minute,
		AutoConvert:    req.Convert,
		VerifyChecksum: req.VerifyChecksum,
		IsPublic:       req.IsPublic,
		ResumeToken:    req.ResumeToken,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, InitiateResponse{
		JobID:  rec.ID,
		Status: string(rec.State),
	})
}

// PutChunk handles PUT /upload/chunk/{job}/{index}. Safe to call repeatedly
// for the same index.
func (h *Handler) PutChunk(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index: %w", err))
		return
	}

	var declared uint64
	if raw := r.Header.Get(ChecksumHeader); raw != "" {
		declared, err = strconv.ParseUint(raw, 16, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid %s header: %w", ChecksumHeader, err))
			return
		}
	}

	sum, err := h.manager.CommitChunk(r.Context(), jobID, index, declared, r.Body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, ChunkResponse{
		Committed: true,
		Checksum:  strconv.FormatUint(sum, 16),
	})
}

// Status handles GET /upload/status/{job}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	p, err := h.manager.Status(r.PathValue("job"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetResumeInfo handles GET /upload/resume/{job}.
func (h *Handler) GetResumeInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.ResumeInfo(r.PathValue("job"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Resume handles POST /upload/resume/{job}, valid only from PAUSED.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	p, err := h.manager.Resume(r.PathValue("job"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Pause handles POST /upload/pause/{job}, valid only from UPLOADING.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	p, err := h.manager.Pause(r.PathValue("job"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Cancel handles POST /upload/cancel/{job}. Cancelling a terminal job is a
// no-op that reports the terminal status.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.manager.Cancel(r.PathValue("job"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// statusFor maps core errors onto HTTP codes; nothing leaks beyond a mapped
// code and message.
func statusFor(err error) int {
	var ice *engine.InvalidConfigError
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound
	case errors.As(err, &ice):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrLedgerPurged):
		return http.StatusGone
	}
	var ie *engine.IntegrityError
	if errors.As(err, &ie) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
