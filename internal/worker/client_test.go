package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testConfig(apiURL string) *Config {
	return &Config{
		APIURL:         apiURL,
		WorkerID:       "w-test",
		Name:           "test",
		Capacity:       2,
		RetryMinDelay:  time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
}

func TestClientRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/worker/register" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req["worker_id"] != "w-test" || req["capacity"].(float64) != 2 {
			t.Errorf("unexpected register payload: %v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "worker_id": "w-test", "heartbeat_interval_sec": 15,
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	resp, err := c.Register(context.Background(), testConfig(srv.URL), nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if resp.HeartbeatIntervalSec != 15 {
		t.Fatalf("heartbeat interval = %d, want 15", resp.HeartbeatIntervalSec)
	}
}

func TestClientLease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"lease": map[string]any{
				"job_id":                "j1",
				"filename":              "photo.jpg",
				"input_url":             "http://blob/input",
				"deadline_ts":           123456,
				"total_job_timeout_sec": 300,
				"retries":               1,
				"params":                map[string]any{},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	lease, wait, err := c.Lease(context.Background(), 1, 0, nil)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease == nil || lease.JobID != "j1" || lease.TotalTimeoutSec != 300 {
		t.Fatalf("unexpected lease: %+v", lease)
	}
	if wait != 0 {
		t.Fatalf("wait = %v, want 0", wait)
	}
}

func TestClientLeaseEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"lease": nil, "wait_sec": 2})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	lease, wait, err := c.Lease(context.Background(), 1, 0, nil)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if lease != nil {
		t.Fatalf("lease = %+v, want nil", lease)
	}
	if wait != 2*time.Second {
		t.Fatalf("wait = %v, want 2s", wait)
	}
}

func TestClientLeaseUnknownWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "unknown worker"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	if _, _, err := c.Lease(context.Background(), 1, 0, nil); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("err = %v, want ErrUnknownWorker", err)
	}
}

func TestClientHeartbeatUnknownWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "unknown worker"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	if err := c.Heartbeat(context.Background(), nil); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("err = %v, want ErrUnknownWorker", err)
	}
}

func TestClientSubmitResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("worker_id") != "w-test" || r.FormValue("job_id") != "j1" {
			t.Errorf("form values: worker_id=%s job_id=%s", r.FormValue("worker_id"), r.FormValue("job_id"))
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if ct := header.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("content type = %s, want image/jpeg", ct)
		}
		data, _ := io.ReadAll(file)
		if string(data) != "output-bytes" {
			t.Errorf("payload = %q", data)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "status": "completed"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	err := c.SubmitResult(context.Background(), "j1", "image/jpeg", strings.NewReader("output-bytes"))
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
}

func TestClientSubmitResultConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "invalid lease or worker_id"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	err := c.SubmitResult(context.Background(), "j1", "image/jpeg", strings.NewReader("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("err = %v, want 409 APIError", err)
	}
	if !strings.Contains(apiErr.Message, "invalid lease") {
		t.Fatalf("message = %q", apiErr.Message)
	}
}

func TestClientReportError(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "status": "queued"})
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	if err := c.ReportError(context.Background(), "j1", "cuda oom"); err != nil {
		t.Fatalf("ReportError: %v", err)
	}
	if got["job_id"] != "j1" || got["error"] != "cuda oom" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestClientDownloadInput(t *testing.T) {
	blob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("input-bytes"))
	}))
	defer blob.Close()

	c := NewClient(testConfig(blob.URL))
	body, err := c.DownloadInput(context.Background(), blob.URL+"/signed")
	if err != nil {
		t.Fatalf("DownloadInput: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "input-bytes" {
		t.Fatalf("payload = %q", data)
	}
}
