package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"time"
)

// APIError represents a non-2xx response from the controller API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// ErrUnknownWorker is returned when the controller no longer recognizes
// this worker id. The worker must re-register before polling again.
var ErrUnknownWorker = errors.New("worker not registered")

// Client is a small HTTP client for the controller API used by workers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	workerID   string
}

// NewClient constructs a Client from the worker Config.
func NewClient(cfg *Config) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    cfg.APIURL,
		workerID:   cfg.WorkerID,
	}
}

// doRequest performs a JSON request, marshaling reqBody (if not nil) and
// unmarshaling the response into respBody (if not nil). Non-2xx responses
// come back as *APIError.
func (c *Client) doRequest(ctx context.Context, method, p string, reqBody, respBody any) error {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, p)

	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFrom(resp.StatusCode, respBytes)
	}

	if respBody != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, respBody); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func apiErrorFrom(status int, body []byte) error {
	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	msg := envelope.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{StatusCode: status, Message: msg}
}

// RegisterResponse is the enrollment answer, including how often the
// controller expects heartbeats.
type RegisterResponse struct {
	WorkerID             string `json:"worker_id"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
}

// Register enrolls the worker with the controller.
func (c *Client) Register(ctx context.Context, cfg *Config, gpu map[string]any) (*RegisterResponse, error) {
	req := map[string]any{
		"worker_id": c.workerID,
		"name":      cfg.Name,
		"capacity":  cfg.Capacity,
		"gpu":       gpu,
	}
	var resp RegisterResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/worker/register", req, &resp); err != nil {
		return nil, fmt.Errorf("register failed: %w", err)
	}
	if resp.WorkerID != "" {
		c.workerID = resp.WorkerID
	}
	return &resp, nil
}

// Heartbeat keeps the worker marked online between polls.
func (c *Client) Heartbeat(ctx context.Context, gpu map[string]any) error {
	req := map[string]any{"worker_id": c.workerID, "gpu": gpu}
	err := c.doRequest(ctx, http.MethodPost, "/api/worker/heartbeat", req, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return ErrUnknownWorker
	}
	return err
}

// Assignment is one leased job as handed out by the controller.
type Assignment struct {
	JobID           string         `json:"job_id"`
	Filename        string         `json:"filename"`
	InputURL        string         `json:"input_url"`
	DeadlineMs      int64          `json:"deadline_ts"`
	TotalTimeoutSec int            `json:"total_job_timeout_sec"`
	Retries         int            `json:"retries"`
	Params          map[string]any `json:"params"`
}

// Lease polls the controller for work. A nil assignment with a positive
// wait means the queue is empty or the pool is full; poll again after
// waiting.
func (c *Client) Lease(ctx context.Context, wants, active int, gpu map[string]any) (*Assignment, time.Duration, error) {
	req := map[string]any{
		"worker_id": c.workerID,
		"wants":     wants,
		"active":    active,
		"gpu":       gpu,
	}
	var resp struct {
		Lease   *Assignment `json:"lease"`
		WaitSec int         `json:"wait_sec"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/api/worker/lease", req, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, 0, ErrUnknownWorker
		}
		return nil, 0, fmt.Errorf("lease request failed: %w", err)
	}
	return resp.Lease, time.Duration(resp.WaitSec) * time.Second, nil
}

// DownloadInput fetches the job's input payload from its signed URL. The
// caller owns the returned body.
func (c *Client) DownloadInput(ctx context.Context, signedURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download input: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "input download failed"}
	}
	return resp.Body, nil
}

// SubmitResult uploads the finished output as a multipart form. The upload
// gets its own generous timeout since outputs can be large.
func (c *Client) SubmitResult(ctx context.Context, jobID, contentType string, output io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("worker_id", c.workerID); err != nil {
		return fmt.Errorf("build result form: %w", err)
	}
	if err := mw.WriteField("job_id", jobID); err != nil {
		return fmt.Errorf("build result form: %w", err)
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="output"`)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	fw, err := mw.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("build result form: %w", err)
	}
	if _, err := io.Copy(fw, output); err != nil {
		return fmt.Errorf("copy output: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish result form: %w", err)
	}

	base, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = path.Join(base.Path, "/api/worker/result")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	uploadClient := &http.Client{Timeout: 5 * time.Minute}
	resp, err := uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("result upload failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiErrorFrom(resp.StatusCode, respBytes)
	}
	return nil
}

// ReportError tells the controller a leased job failed so it can requeue
// or fail it.
func (c *Client) ReportError(ctx context.Context, jobID, message string) error {
	req := map[string]any{
		"worker_id": c.workerID,
		"job_id":    jobID,
		"error":     message,
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/worker/error", req, nil); err != nil {
		return fmt.Errorf("error report failed: %w", err)
	}
	return nil
}
