package http

import (
	"log"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
	"github.com/cwygoda/harvester/internal/registry"
)

// localLayout is accepted for not_before values without a zone; they are
// read in the server's local time.
const localLayout = "2006-01-02T15:04:05"

type resolveRequest struct {
	URL string `json:"url"`
}

type variantResponse struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Ext        string `json:"ext,omitempty"`
	ApproxSize int64  `json:"approx_size,omitempty"`
	Kind       string `json:"kind"`
}

type resolveResponse struct {
	HandleID        string            `json:"handle_id"`
	URL             string            `json:"url"`
	Source          string            `json:"source"`
	VideoID         string            `json:"video_id"`
	Title           string            `json:"title"`
	Author          string            `json:"author,omitempty"`
	DurationSeconds int64             `json:"duration_seconds,omitempty"`
	Thumbnail       string            `json:"thumbnail,omitempty"`
	Variants        []variantResponse `json:"variants"`
	ExpiresAt       string            `json:"expires_at"`
}

// jobRequest is the request body for POST /jobs. Either URL or HandleID
// must be set.
type jobRequest struct {
	URL       string `json:"url"`
	HandleID  string `json:"handle_id"`
	Source    string `json:"source"`
	Variant   string `json:"variant"`
	NotBefore string `json:"not_before"`
	Title     string `json:"title"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Source      string `json:"source"`
	VideoID     string `json:"video_id"`
	Title       string `json:"title,omitempty"`
	Variant     string `json:"variant"`
	State       string `json:"state"`
	NotBefore   string `json:"not_before"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
	HandleID    string `json:"handle_id,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type downloadResponse struct {
	ID           int64  `json:"id"`
	JobID        int64  `json:"job_id"`
	VideoID      string `json:"video_id"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Source       string `json:"source"`
	Variant      string `json:"variant"`
	Kind         string `json:"kind"`
	SizeBytes    int64  `json:"size_bytes"`
	DownloadedAt string `json:"downloaded_at"`
}

type playlistEntryResponse struct {
	VideoID string `json:"video_id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
}

type playlistResponse struct {
	ID      string                  `json:"id"`
	URL     string                  `json:"url"`
	Entries []playlistEntryResponse `json:"entries"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := domain.ValidateTargetURL(req.URL); err != nil {
		s.writeFailure(w, "resolve", err)
		return
	}

	meta, err := s.extractor.Resolve(r.Context(), req.URL)
	if err != nil {
		s.writeFailure(w, "resolve", err)
		return
	}

	id := s.handles.Create(*meta)
	entry, err := s.handles.Get(id)
	if err != nil {
		s.writeFailure(w, "resolve", err)
		return
	}

	resp := resolveResponse{
		HandleID:        id,
		URL:             meta.URL,
		Source:          string(meta.Source),
		VideoID:         meta.VideoID,
		Title:           meta.Title,
		Author:          meta.Author,
		DurationSeconds: int64(meta.Duration / time.Second),
		Thumbnail:       meta.Thumbnail,
		Variants:        make([]variantResponse, 0, len(meta.Variants)),
		ExpiresAt:       formatTime(entry.ExpiresAt),
	}
	for _, v := range meta.Variants {
		resp.Variants = append(resp.Variants, variantResponse{
			ID:         v.ID,
			Label:      v.Label,
			Ext:        v.Ext,
			ApproxSize: v.ApproxSize,
			Kind:       string(v.Kind),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !s.decode(w, r, &req) {
		return
	}

	notBefore, err := parseNotBefore(req.NotBefore)
	if err != nil {
		s.writeFailure(w, "schedule", err)
		return
	}

	sr := domain.ScheduleRequest{
		URL:       req.URL,
		Source:    req.Source,
		Variant:   req.Variant,
		NotBefore: notBefore,
		Title:     req.Title,
	}

	if req.HandleID != "" {
		entry, err := s.handles.Get(req.HandleID)
		if err != nil {
			s.writeFailure(w, "schedule", err)
			return
		}
		if sr.URL == "" {
			sr.URL = entry.Metadata.URL
		}
		if sr.URL == entry.Metadata.URL {
			sr.VideoID = entry.Metadata.VideoID
			if sr.Source == "" && entry.Metadata.Source != "" {
				sr.Source = string(entry.Metadata.Source)
			}
		}
		if sr.Title == "" {
			sr.Title = entry.Metadata.Title
		}
		// Only an immediate download delivers into the requester's handle;
		// a delayed job gets a fresh one when it completes.
		if notBefore.IsZero() {
			sr.HandleID = req.HandleID
		}
	} else if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url or handle_id is required")
		return
	}

	job, err := s.svc.Schedule(r.Context(), sr)
	if err != nil {
		s.writeFailure(w, "schedule", err)
		return
	}
	log.Printf("job %d: scheduled %s (%s) not before %s", job.ID, job.URL, job.Variant, formatTime(job.NotBefore))
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter domain.JobFilter

	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := domain.ParseJobState(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid state "+strconv.Quote(raw))
			return
		}
		filter.State = state
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	jobs, err := s.svc.List(r.Context(), filter)
	if err != nil {
		s.writeFailure(w, "list jobs", err)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeFailure(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	job, err := s.svc.Cancel(r.Context(), id)
	if err != nil {
		s.writeFailure(w, "cancel job", err)
		return
	}
	log.Printf("job %d: cancelled", job.ID)
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

// handleFile hands out a resolved artifact exactly once and removes it
// afterwards. HEAD only reports readiness.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("handle")

	if r.Method == http.MethodHead {
		entry, err := s.handles.Get(id)
		switch {
		case err != nil:
			w.WriteHeader(http.StatusNotFound)
		case !entry.Resolved():
			w.WriteHeader(http.StatusConflict)
		default:
			setAttachment(w, entry.Artifact)
			w.Header().Set("Content-Length", strconv.FormatInt(entry.Artifact.Size, 10))
			w.WriteHeader(http.StatusOK)
		}
		return
	}

	artifact, err := s.handles.Consume(id)
	if err != nil {
		s.writeFailure(w, "file", err)
		return
	}
	defer func() {
		if err := registry.Discard(artifact); err != nil {
			log.Printf("file %s: discard: %v", id, err)
		}
	}()

	f, err := os.Open(artifact.Path)
	if err != nil {
		log.Printf("file %s: %v", id, err)
		s.writeError(w, http.StatusGone, "file no longer available")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeFailure(w, "file", err)
		return
	}

	setAttachment(w, artifact)
	http.ServeContent(w, r, artifact.Filename, info.ModTime(), f)
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	downloads, err := s.svc.Downloads(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, "list downloads", err)
		return
	}

	resp := make([]downloadResponse, 0, len(downloads))
	for _, d := range downloads {
		resp = append(resp, downloadResponse{
			ID:           d.ID,
			JobID:        d.JobID,
			VideoID:      d.VideoID,
			Title:        d.Title,
			URL:          d.URL,
			Source:       string(d.Source),
			Variant:      d.Variant,
			Kind:         string(d.Kind),
			SizeBytes:    d.SizeBytes,
			DownloadedAt: formatTime(d.DownloadedAt),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExpandPlaylist(w http.ResponseWriter, r *http.Request) {
	if s.playlists == nil {
		s.writeError(w, http.StatusNotImplemented, "playlist expansion is not configured")
		return
	}

	var req resolveRequest
	if !s.decode(w, r, &req) {
		return
	}

	pl, err := s.playlists.Expand(r.Context(), req.URL)
	if err != nil {
		s.writeFailure(w, "playlist", err)
		return
	}

	resp := playlistResponse{ID: pl.ID, URL: pl.URL, Entries: make([]playlistEntryResponse, 0, len(pl.Entries))}
	for _, e := range pl.Entries {
		resp.Entries = append(resp.Entries, playlistEntryResponse{VideoID: e.VideoID, Title: e.Title, URL: e.URL})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 1000 {
		s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
		return 0, false
	}
	return limit, true
}

// parseNotBefore accepts RFC 3339 or a zone-less local timestamp. An empty
// value means "now".
func parseNotBefore(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(localLayout, raw, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, &domain.ValidationError{Field: "not_before", Reason: "must be RFC 3339 or YYYY-MM-DDTHH:MM:SS"}
}

func setAttachment(w http.ResponseWriter, a *domain.Artifact) {
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func jobToResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:          job.ID,
		URL:         job.URL,
		Source:      string(job.Source),
		VideoID:     job.VideoID,
		Title:       job.Title,
		Variant:     job.Variant,
		State:       string(job.State),
		NotBefore:   formatTime(job.NotBefore),
		Attempts:    job.Attempts,
		Error:       job.Error,
		FailureKind: string(job.FailureKind),
		HandleID:    job.HandleID,
		CreatedAt:   formatTime(job.CreatedAt),
		UpdatedAt:   formatTime(job.UpdatedAt),
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = formatTime(*job.CompletedAt)
	}
	return resp
}
