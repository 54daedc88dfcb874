package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gpupool/controller/internal/dispatch"
)

// handleWorkerRegister enrolls a worker and hands back its polling
// endpoints. A worker without an id gets a generated one.
func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		WorkerID  string         `json:"worker_id"`
		Name      string         `json:"name"`
		PublicURL string         `json:"public_url"`
		Capacity  int            `json:"capacity"`
		Tags      map[string]any `json:"tags"`
		GPU       map[string]any `json:"gpu"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		req.WorkerID = newWorkerID()
	}

	res, err := s.manager.RegisterWorker(r.Context(), dispatch.RegisterRequest{
		WorkerID:  req.WorkerID,
		Name:      req.Name,
		PublicURL: req.PublicURL,
		Capacity:  req.Capacity,
		RemoteIP:  clientIP(r),
		Tags:      req.Tags,
		GPU:       req.GPU,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"worker_id": res.Worker.ID,
		"endpoints": map[string]string{
			"lease":     "/api/worker/lease",
			"result":    "/api/worker/result",
			"error":     "/api/worker/error",
			"heartbeat": "/api/worker/heartbeat",
		},
		"heartbeat_interval_sec": res.HeartbeatIntervalSec,
	})
}

// newWorkerID returns a 32-char hex id, same shape as job ids.
func newWorkerID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		WorkerID string         `json:"worker_id"`
		GPU      map[string]any `json:"gpu"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.manager.Heartbeat(r.Context(), req.WorkerID, req.GPU); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWorkerLease is the poll endpoint. Transient dispatch failures are
// answered as an empty lease with a poll-again hint instead of an error so
// workers never break their loop on a hiccup; only an unknown worker id is
// a hard 404.
func (s *Server) handleWorkerLease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		WorkerID string         `json:"worker_id"`
		Wants    int            `json:"wants"`
		Active   int            `json:"active"`
		GPU      map[string]any `json:"gpu"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.manager.AcquireLease(r.Context(), dispatch.LeaseRequest{
		WorkerID:       req.WorkerID,
		Wants:          req.Wants,
		ReportedActive: req.Active,
		RemoteIP:       clientIP(r),
		GPU:            req.GPU,
	})
	if errors.Is(err, dispatch.ErrUnknownWorker) {
		writeDispatchError(w, err)
		return
	}
	if err != nil {
		writeJSON(w, http.StatusOK, dispatch.LeaseResult{WaitSec: 2})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleWorkerResult ingests a finished job's output as multipart upload.
func (s *Server) handleWorkerResult(w http.ResponseWriter, r *http.Request) {
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

	workerID := r.FormValue("worker_id")
	jobID := r.FormValue("job_id")
	if workerID == "" || jobID == "" {
		writeError(w, http.StatusBadRequest, "worker_id and job_id are required")
		return
	}

	job, err := s.manager.Result(r.Context(), jobID, workerID, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"status":        job.Status,
		"processing_ms": job.ProcessingMs,
	})
}

// handleWorkerError ingests a worker-reported job failure.
func (s *Server) handleWorkerError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		WorkerID string `json:"worker_id"`
		JobID    string `json:"job_id"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Error == "" {
		req.Error = "worker reported an error"
	}

	job, err := s.manager.WorkerError(r.Context(), req.JobID, req.WorkerID, req.Error)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"status":  job.Status,
		"retries": job.LeaseRetries,
	})
}
