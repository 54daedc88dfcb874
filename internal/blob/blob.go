// Package blob stores job payloads (input uploads, worker outputs) and
// issues time-limited signed download URLs for them.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// Store is the blob-store contract. Keys are slash-separated object paths.
type Store interface {
	// Upload writes the object at key, replacing any existing one.
	Upload(ctx context.Context, key, contentType string, body io.Reader) error
	// SignURL returns a GET URL for key valid for ttl.
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Delete removes the object at key. Missing objects are not an error.
	Delete(ctx context.Context, key string) error
}

var unsafeChars = regexp.MustCompile(`[^\w.\-]+`)

// SafeFilename collapses anything outside [A-Za-z0-9_.-] to underscores and
// caps the result at 120 characters so client filenames cannot traverse or
// blow up object keys.
func SafeFilename(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if s == "" {
		s = "upload"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// InputKey is the object key of a job's input payload.
func InputKey(jobID, safeName string) string {
	return fmt.Sprintf("jobs/%s/input/%s", jobID, safeName)
}

// OutputKey is the object key of a job's result.
func OutputKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/output/output.jpg", jobID)
}

// Signing horizons: inputs only need to outlive one lease, outputs are
// fetched by end users long after completion.
const (
	InputURLTTL  = time.Hour
	OutputURLTTL = 24 * time.Hour
)
