package server

import (
	"net/http"
	"time"
)

// handleGPUStatus is the public pool chip: how many workers are online and
// whether a submission would start immediately.
func (s *Server) handleGPUStatus(w http.ResponseWriter, r *http.Request) {
	pool, err := s.manager.Pool(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"online_workers": pool.OnlineWorkers,
		"capacity":       pool.Capacity,
		"active":         pool.Active,
		"free":           pool.Free,
		"queued":         pool.QueueP0 + pool.QueueP1,
		"ready":          pool.Free > 0,
	})
}

// handleWaitTime estimates seconds until a new submission would start.
func (s *Server) handleWaitTime(w http.ResponseWriter, r *http.Request) {
	secs, err := s.manager.WaitTime(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "wait_sec": secs})
}

// handleWorkers is the admin view of the full registry, stale entries
// included.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	pool, err := s.manager.Pool(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "workers": pool.Workers})
}

// handleMetricsJSON is the admin diagnostics snapshot. Prometheus counters
// live at /metrics; this endpoint serves the dashboard's quick numbers.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	pool, err := s.manager.Pool(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": time.Now().UnixMilli(),
		"pool": map[string]any{
			"online_workers": pool.OnlineWorkers,
			"capacity":       pool.Capacity,
			"active":         pool.Active,
			"free":           pool.Free,
		},
		"queues": map[string]any{
			"p0": pool.QueueP0,
			"p1": pool.QueueP1,
		},
	})
}

// handlePoolStub answers the legacy pool-management endpoints. Workers join
// by registering themselves, so there is nothing to start or stop here.
func (s *Server) handlePoolStub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"message": "pool is self-managed; workers join by registering",
	})
}
