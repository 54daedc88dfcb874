package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeController serves just enough of the API for the worker loop: one
// lease, the input blob, and the result sink.
type fakeController struct {
	mux        *http.ServeMux
	srv        *httptest.Server
	leased     atomic.Bool
	registered atomic.Bool
	resultCh   chan string
	errorCh    chan string
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	fc := &fakeController{
		mux:      http.NewServeMux(),
		resultCh: make(chan string, 1),
		errorCh:  make(chan string, 1),
	}
	fc.srv = httptest.NewServer(fc.mux)
	t.Cleanup(fc.srv.Close)

	fc.mux.HandleFunc("/api/worker/register", func(w http.ResponseWriter, r *http.Request) {
		fc.registered.Store(true)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "worker_id": "w-test", "heartbeat_interval_sec": 1,
		})
	})
	fc.mux.HandleFunc("/api/worker/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})
	fc.mux.HandleFunc("/input", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("input-bytes"))
	})
	fc.mux.HandleFunc("/api/worker/lease", func(w http.ResponseWriter, r *http.Request) {
		if fc.leased.Swap(true) {
			json.NewEncoder(w).Encode(map[string]any{"lease": nil, "wait_sec": 1})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"lease": map[string]any{
				"job_id":                "j1",
				"filename":              "photo.jpg",
				"input_url":             fc.srv.URL + "/input",
				"deadline_ts":           time.Now().Add(time.Minute).UnixMilli(),
				"total_job_timeout_sec": 60,
				"retries":               0,
				"params":                map[string]any{},
			},
		})
	})
	fc.mux.HandleFunc("/api/worker/result", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse result form: %v", err)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("result file: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		fc.resultCh <- string(data)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "status": "completed"})
	})
	fc.mux.HandleFunc("/api/worker/error", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Error string `json:"error"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		fc.errorCh <- req.Error
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "status": "queued"})
	})
	return fc
}

func TestWorkerRunProcessesLease(t *testing.T) {
	fc := newFakeController(t)

	proc := ProcessorFunc(func(ctx context.Context, job *Assignment, input io.Reader) (io.Reader, string, error) {
		data, err := io.ReadAll(input)
		if err != nil {
			return nil, "", err
		}
		if string(data) != "input-bytes" {
			t.Errorf("processor input = %q", data)
		}
		if job.JobID != "j1" {
			t.Errorf("job id = %s", job.JobID)
		}
		return strings.NewReader("processed:" + string(data)), "image/jpeg", nil
	})

	w := NewWorker(testConfig(fc.srv.URL), proc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case got := <-fc.resultCh:
		if got != "processed:input-bytes" {
			t.Fatalf("result payload = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result delivered")
	}
	if !fc.registered.Load() {
		t.Fatal("worker never registered")
	}
}

func TestWorkerReportsProcessorFailure(t *testing.T) {
	fc := newFakeController(t)

	proc := ProcessorFunc(func(ctx context.Context, job *Assignment, input io.Reader) (io.Reader, string, error) {
		return nil, "", io.ErrUnexpectedEOF
	})

	w := NewWorker(testConfig(fc.srv.URL), proc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case msg := <-fc.errorCh:
		if !strings.Contains(msg, "processing failed") {
			t.Fatalf("error message = %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported")
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	fc := newFakeController(t)
	fc.leased.Store(true) // only empty leases

	w := NewWorker(testConfig(fc.srv.URL), ProcessorFunc(func(ctx context.Context, job *Assignment, input io.Reader) (io.Reader, string, error) {
		t.Error("processor should not run")
		return nil, "", nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run returned nil after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
