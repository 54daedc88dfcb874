package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gpupool/controller/internal/blob"
	"github.com/gpupool/controller/internal/dispatch"
	"github.com/gpupool/controller/internal/store"
)

// maxUploadBytes caps submission and result payloads.
const maxUploadBytes = 32 << 20

// handleSubmit accepts a multipart upload and enqueues a new job.
// POST /api/jobs and POST /api/swap are the same endpoint.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	res, err := s.manager.Submit(r.Context(), dispatch.SubmitRequest{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		ClientID:    clientID(r),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		Mode:        r.FormValue("mode"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not accept job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":             res.Job.ID,
		"status":         store.StatusQueued,
		"queue_position": res.QueuePos,
		"priority":       res.Priority,
	})
}

// handleJobList serves the admin listing with optional status and substring
// filters. Pagination happens on the index; filters apply to the page.
func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	offset, limit := pageParams(r, 100)
	jobs, err := s.manager.ListJobs(r.Context(), store.IndexGlobal, "", offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := r.URL.Query().Get("status")
	q := strings.ToLower(r.URL.Query().Get("q"))
	items := make([]*store.Job, 0, len(jobs))
	for _, j := range jobs {
		if status != "" && j.Status != status {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(j.Filename), q) &&
			!strings.Contains(strings.ToLower(j.ID), q) {
			continue
		}
		items = append(items, j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func pageParams(r *http.Request, defLimit int64) (offset, limit int64) {
	limit = defLimit
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("offset"), 10, 64); err == nil && v > 0 {
		offset = v
	}
	return offset, limit
}

// handleJobGet returns the job record with its event tail.
func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.manager.GetJob(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	events, err := s.store.Events(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "job": job, "events": events})
}

// handleJobSignedURL mints a download URL for the job's input or output.
func (s *Server) handleJobSignedURL(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.manager.GetJob(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	s.writeSignedURL(w, r, job)
}

func (s *Server) writeSignedURL(w http.ResponseWriter, r *http.Request, job *store.Job) {
	var url string
	var err error
	switch r.URL.Query().Get("kind") {
	case "input":
		url, err = s.manager.SignedInputURL(r.Context(), job)
	case "output":
		url, err = s.manager.SignedOutputURL(r.Context(), job)
	default:
		writeError(w, http.StatusBadRequest, "kind must be input or output")
		return
	}
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such artifact")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not sign url")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "url": url})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.manager.Cancel(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": job.Status})
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request, id string) {
	clone, err := s.manager.Retry(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeDispatchError(w, err)
			return
		}
		writeError(w, http.StatusConflict, "job is not in a terminal state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "new_job_id": clone.ID})
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.manager.Delete(r.Context(), id); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleMyJobs lists the caller's own submissions, identified by the
// client id cookie or header.
func (s *Server) handleMyJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cid := clientID(r)
	if cid == "" {
		writeError(w, http.StatusBadRequest, "client id is required")
		return
	}
	offset, limit := pageParams(r, 50)
	jobs, err := s.manager.ListJobs(r.Context(), store.IndexClient, cid, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": jobs})
}

// handleMySignedURL is the unauthenticated variant of signed_url, guarded
// by an ownership check against the caller's client id.
func (s *Server) handleMySignedURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cid := clientID(r)
	if cid == "" {
		writeError(w, http.StatusBadRequest, "client id is required")
		return
	}
	id := r.URL.Query().Get("job_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	job, err := s.manager.GetJob(r.Context(), id)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if job.ClientID == "" || job.ClientID != cid {
		writeError(w, http.StatusForbidden, "not your job")
		return
	}
	s.writeSignedURL(w, r, job)
}
