package server

import (
	"context"
	"net/http"
	"time"
)

// handleHealth returns service liveness plus store connectivity. A failing
// store ping turns the response into a 503 so load balancers drain the
// replica.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		OK     bool   `json:"ok"`
		Status string `json:"status"`
		Store  string `json:"store,omitempty"`
		Error  string `json:"error,omitempty"`
	}

	out := resp{OK: true, Status: "alive"}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			out.OK = false
			out.Status = "degraded"
			out.Store = "disconnected"
			out.Error = "store unreachable"
			writeJSON(w, http.StatusServiceUnavailable, out)
			return
		}
		out.Store = "connected"
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePing is the trivial latency check.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pong": true,
		"ts":   time.Now().UnixMilli(),
	})
}
