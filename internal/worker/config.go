package worker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration values loaded from environment.
type Config struct {
	APIURL   string
	WorkerID string
	Name     string
	// Capacity is how many jobs this worker can run at once.
	Capacity int
	// Retry configuration for the poll loop.
	RetryMinDelay time.Duration
	RetryMaxDelay time.Duration
	// RequestTimeout bounds individual API calls. Result uploads get a
	// separate, larger budget.
	RequestTimeout time.Duration
}

// LoadConfig reads configuration from environment variables and validates
// them. Required env vars:
//
//	WORKER_API_URL
//
// Optional env vars:
//
//	WORKER_ID (auto-generated if empty)
//	WORKER_NAME (defaults to hostname)
//	WORKER_CAPACITY (default: 1)
func LoadConfig() (*Config, error) {
	apiURL := os.Getenv("WORKER_API_URL")
	if apiURL == "" {
		return nil, fmt.Errorf("missing required environment variable WORKER_API_URL")
	}
	if err := validateURL(apiURL); err != nil {
		return nil, fmt.Errorf("invalid WORKER_API_URL: %w", err)
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		id, err := autoGenerateWorkerID()
		if err != nil {
			return nil, fmt.Errorf("failed to auto-generate WORKER_ID: %w", err)
		}
		workerID = id
	}

	name := os.Getenv("WORKER_NAME")
	if name == "" {
		hn, _ := os.Hostname()
		name = sanitizeHostname(hn)
	}

	capacity := 1
	if v := os.Getenv("WORKER_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid WORKER_CAPACITY: %q", v)
		}
		capacity = n
	}

	return &Config{
		APIURL:         apiURL,
		WorkerID:       workerID,
		Name:           name,
		Capacity:       capacity,
		RetryMinDelay:  1 * time.Second,
		RetryMaxDelay:  1 * time.Minute,
		RequestTimeout: 30 * time.Second,
	}, nil
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("url must include scheme and host")
	}
	return nil
}

// autoGenerateWorkerID builds an id using hostname and random bytes.
func autoGenerateWorkerID() (string, error) {
	hn, _ := os.Hostname()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("gpu-%s-%s", sanitizeHostname(hn), hex.EncodeToString(b)), nil
}

// sanitizeHostname keeps hostname safe for use in IDs.
func sanitizeHostname(h string) string {
	if h == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(h))
	for _, r := range h {
		if r == ' ' || r == '/' || r == '\\' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
