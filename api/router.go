package api

import "net/http"

// NewRouter wires the upload endpoints and wraps them in the CORS and
// request-log middleware.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload/initiate", h.Initiate)
	mux.HandleFunc("PUT /upload/chunk/{job}/{index}", h.PutChunk)
	mux.HandleFunc("GET /upload/status/{job}", h.Status)
	mux.HandleFunc("GET /upload/resume/{job}", h.GetResumeInfo)
	mux.HandleFunc("POST /upload/resume/{job}", h.Resume)
	mux.HandleFunc("POST /upload/pause/{job}", h.Pause)
	mux.HandleFunc("POST /upload/cancel/{job}", h.Cancel)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return CORSMiddleware(LogMiddleware(h.log)(mux))
}
