package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
	"github.com/cwygoda/harvester/internal/registry"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Server is the HTTP adapter for the download front-end.
type Server struct {
	svc       *domain.JobService
	extractor domain.Extractor
	handles   *registry.Registry
	playlists domain.PlaylistExpander
	mux       *http.ServeMux
	server    *http.Server
}

// NewServer creates a new HTTP server. playlists may be nil, in which case
// playlist expansion is reported as unsupported.
func NewServer(svc *domain.JobService, extractor domain.Extractor, handles *registry.Registry, playlists domain.PlaylistExpander, addr string) *Server {
	s := &Server{
		svc:       svc,
		extractor: extractor,
		handles:   handles,
		playlists: playlists,
		mux:       http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /resolve", s.handleResolve)
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("GET /files/{handle}", s.handleFile)
	s.mux.HandleFunc("GET /downloads", s.handleListDownloads)
	s.mux.HandleFunc("POST /playlists", s.handleExpandPlaylist)
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps a domain error to a status code and a safe message.
func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	var ve *domain.ValidationError
	var ef *domain.ExtractionFailure

	switch {
	case errors.As(err, &ve):
		s.writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, registry.ErrUnknownHandle):
		s.writeError(w, http.StatusNotFound, "unknown or expired handle")
	case errors.Is(err, registry.ErrNotReady):
		s.writeError(w, http.StatusConflict, "file not ready yet")
	case errors.Is(err, domain.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, "job is no longer pending")
	case errors.As(err, &ef):
		log.Printf("%s: %v", op, err)
		status := http.StatusUnprocessableEntity
		if ef.Kind.Retryable() {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, string(ef.Kind)+": "+ef.Reason)
	case domain.IsStorageError(err):
		log.Printf("%s: %v", op, err)
		s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		log.Printf("%s: %v", op, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
