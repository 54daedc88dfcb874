package server

import (
	"net/http"
	"path"
	"strings"

	"github.com/gpupool/controller/internal/metrics"
)

// RegisterRoutes registers all HTTP routes and applies global middleware.
// This keeps route registration separate from server bootstrap.
func (s *Server) RegisterRoutes() {
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.HandleFunc("/api/health", s.handleHealth)
	s.router.HandleFunc("/api/ping", s.handlePing)

	s.router.HandleFunc("/api/auth/login", s.handleLogin)
	s.router.HandleFunc("/api/auth/me", s.requireAdmin(s.handleMe))

	s.router.HandleFunc("/api/worker/register", s.handleWorkerRegister)
	s.router.HandleFunc("/api/worker/heartbeat", s.handleWorkerHeartbeat)
	s.router.HandleFunc("/api/worker/lease", s.handleWorkerLease)
	s.router.HandleFunc("/api/worker/result", s.handleWorkerResult)
	s.router.HandleFunc("/api/worker/error", s.handleWorkerError)

	s.router.HandleFunc("/api/jobs", s.handleJobs)
	s.router.HandleFunc("/api/swap", s.handleSubmit)
	s.router.HandleFunc("/api/jobs/", s.handleJobSubtree)

	s.router.HandleFunc("/api/my/jobs", s.handleMyJobs)
	s.router.HandleFunc("/api/my/signed_url", s.handleMySignedURL)

	s.router.HandleFunc("/api/gpu_status", s.handleGPUStatus)
	s.router.HandleFunc("/api/wait_time", s.handleWaitTime)
	s.router.HandleFunc("/api/workers", s.requireAdmin(s.handleWorkers))
	s.router.HandleFunc("/api/metrics", s.requireAdmin(s.handleMetricsJSON))

	s.router.HandleFunc("/api/warm_gpu", s.requireAdmin(s.handlePoolStub))
	s.router.HandleFunc("/api/manual_start", s.requireAdmin(s.handlePoolStub))
	s.router.HandleFunc("/api/manual_stop", s.requireAdmin(s.handlePoolStub))

	s.router.HandleFunc("/api/ws/status", s.handleWS)

	// Middleware chain in order: RequestID -> Logger -> CORS.
	s.handler = RequestID(Logger(s.CORS(s.router)))
}

// handleJobs covers the collection endpoints: POST submits, GET lists
// (admin).
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.requireAdmin(s.handleJobList)(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobSubtree dispatches /api/jobs/{id} and its sub-resources. The
// ServeMux cannot carry path parameters, so the suffix is matched by hand.
func (s *Server) handleJobSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if rest == "" || strings.Contains(path.Clean("/"+rest), "..") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	parts := strings.Split(strings.Trim(rest, "/"), "/")
	id := parts[0]

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.requireAdmin(s.jobHandler(id, s.handleJobGet))(w, r)
		case http.MethodDelete:
			s.requireAdmin(s.jobHandler(id, s.handleJobDelete))(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleJobEvents(w, r, id)
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		// Same stream, token accepted as ?token= for EventSource clients.
		s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
			s.handleJobEvents(w, r, id)
		})(w, r)
	case len(parts) == 2 && parts[1] == "signed_url" && r.Method == http.MethodGet:
		s.requireAdmin(s.jobHandler(id, s.handleJobSignedURL))(w, r)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.requireAdmin(s.jobHandler(id, s.handleJobCancel))(w, r)
	case len(parts) == 2 && parts[1] == "retry" && r.Method == http.MethodPost:
		s.requireAdmin(s.jobHandler(id, s.handleJobRetry))(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// jobHandler adapts an id-taking handler to http.HandlerFunc.
func (s *Server) jobHandler(id string, h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(w, r, id)
	}
}
