package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gpupool/controller/internal/metrics"
	"github.com/gpupool/controller/internal/store"
)

// handleJobEvents streams a job's lifecycle as server-sent events. The
// stored history is replayed first, then the live subscription takes over.
// The stream closes itself once a terminal event goes out.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.manager.GetJob(r.Context(), id); err != nil {
		writeDispatchError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "retry: 1000\n\n")
	flusher.Flush()

	metrics.EventStreams.Inc()
	defer metrics.EventStreams.Dec()

	// Subscribe before replaying history so no event can slip between the
	// snapshot and the live feed. Events appended in that window arrive on
	// both paths; the seam filter drops the live copies.
	sub, err := s.store.SubscribeEvents(r.Context(), id)
	if err != nil {
		return
	}
	defer sub.Close()

	history, err := s.store.Events(r.Context(), id)
	if err != nil {
		return
	}
	seam := newSeamFilter(history)
	for _, ev := range history {
		if !writeSSE(w, flusher, ev) {
			return
		}
		if store.TerminalEvent(ev.Type) {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if seam.replayed(ev) {
				continue
			}
			if !writeSSE(w, flusher, ev) {
				return
			}
			if store.TerminalEvent(ev.Type) {
				return
			}
		}
	}
}

// seamFilter tracks the replayed history so live events that were already
// part of the snapshot go out only once.
type seamFilter struct {
	pending map[string]int
}

func newSeamFilter(history []store.Event) *seamFilter {
	f := &seamFilter{pending: make(map[string]int, len(history))}
	for _, ev := range history {
		f.pending[eventKey(ev)]++
	}
	return f
}

// replayed reports whether ev was already written during the history
// replay, consuming one pending copy per call.
func (f *seamFilter) replayed(ev store.Event) bool {
	key := eventKey(ev)
	if f.pending[key] == 0 {
		return false
	}
	f.pending[key]--
	return true
}

func eventKey(ev store.Event) string {
	progress := -1
	if ev.Progress != nil {
		progress = *ev.Progress
	}
	return fmt.Sprintf("%d|%s|%d|%s", ev.Ts, ev.Type, progress, ev.Message)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev store.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
