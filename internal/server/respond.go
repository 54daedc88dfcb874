package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gpupool/controller/internal/dispatch"
	"github.com/gpupool/controller/internal/store"
)

// writeJSON encodes v with the given status. Encoding failures at this
// point can only be logged; headers are already gone.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends the standard error envelope. Messages stay short and
// never carry internal details.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

// writeDispatchError maps manager errors onto the API's status codes.
func writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatch.ErrUnknownWorker):
		writeError(w, http.StatusNotFound, "unknown worker")
	case errors.Is(err, dispatch.ErrInvalidLease):
		writeError(w, http.StatusConflict, "invalid lease or worker_id")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
