// Package store defines the coordination-store interface the dispatcher
// runs against, with a Redis backend for multi-replica deployments and a
// SQLite backend for single-box use and tests. All mutable dispatcher state
// (jobs, queues, workers, leases, event logs) lives behind this interface;
// the dispatcher itself holds no authoritative in-process state.
package store

import (
	"context"
	"errors"
	"time"
)

// Job statuses. The terminal ones are absorbing: a job never leaves them
// (admin retry clones the job under a new id instead).
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
	StatusTimeout    = "timeout"
)

// IsTerminal reports whether status is absorbing.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// Job is the persisted job record. Timestamps are unix milliseconds.
type Job struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Filename      string `json:"filename"`
	InputPath     string `json:"input_path"`
	OutputPath    string `json:"output_path"`
	ClientID      string `json:"client_id"`
	RequestedByIP string `json:"requested_by_ip"`
	UserAgent     string `json:"user_agent"`
	CreatedAtMs   int64  `json:"created_at_ms"`
	StartedAtMs   int64  `json:"started_at_ms"`
	FinishedAtMs  int64  `json:"finished_at_ms"`
	ProcessingMs  int64  `json:"processing_ms"`
	WorkerID      string `json:"worker_id"`
	// LeaseRetries mirrors the retry counter of the job's lease. The lease
	// disappears when its TTL elapses, so this copy is authoritative once
	// the lease is gone. Monotonically non-decreasing per job id.
	LeaseRetries int    `json:"lease_retries"`
	Error        string `json:"error"`
	Mode         string `json:"mode"`
}

// Worker is a registered worker record. Workers are never auto-deleted;
// stale ones are only excluded from capacity summaries.
type Worker struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	PublicURL   string         `json:"public_url"`
	Capacity    int            `json:"capacity"`
	Active      int            `json:"active"`
	LastSeenMs  int64          `json:"last_seen_ms"`
	FirstSeenMs int64          `json:"first_seen_ms"`
	RemoteIP    string         `json:"remote_ip"`
	Tags        map[string]any `json:"tags,omitempty"`
	GPU         map[string]any `json:"gpu,omitempty"`
}

// Event is one entry of a job's rolling event log, also published on the
// job's channel. Ts is the producer's wall clock in unix milliseconds.
type Event struct {
	Ts       int64          `json:"ts"`
	Type     string         `json:"type"`
	Message  string         `json:"message"`
	Progress *int           `json:"progress,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventInfo      = "info"
	EventState     = "state"
	EventError     = "error"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventTimeout   = "timeout"
	EventCanceled  = "canceled"
)

// TerminalEvent reports whether an event type ends the job's stream.
func TerminalEvent(typ string) bool {
	switch typ {
	case EventCompleted, EventFailed, EventTimeout, EventCanceled:
		return true
	}
	return false
}

// Lease grants one worker exclusive right to execute one job until
// DeadlineMs. It is removed on result, error, cancel, or TTL expiry.
type Lease struct {
	JobID      string `json:"job_id"`
	WorkerID   string `json:"worker_id"`
	DeadlineMs int64  `json:"deadline_ms"`
	Retries    int    `json:"retries"`
}

// IndexKind selects one of the job-id index lists (newest first).
type IndexKind int

const (
	IndexGlobal IndexKind = iota
	IndexClient
	IndexIP
)

// Sentinel errors shared by all backends.
var (
	ErrNotFound    = errors.New("not found")
	ErrLeaseExists = errors.New("lease already exists")
)

// Subscription is a live feed of one job's events. The subscription owns a
// dedicated connection (or poller) for its lifetime; Close releases it.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Store is the coordination-store contract. Compound transitions
// (AcquireLease, AdjustWorkerActive) are atomic within a backend so that
// concurrent replicas cannot double-assign a job or corrupt counters.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Jobs.
	PutJob(ctx context.Context, job *Job) error
	PatchJob(ctx context.Context, id string, fields map[string]any) error
	GetJob(ctx context.Context, id string) (*Job, error)
	DeleteJob(ctx context.Context, id string) error
	IndexJob(ctx context.Context, id, clientID, ip string) error
	JobIDs(ctx context.Context, kind IndexKind, key string, offset, limit int64) ([]string, error)

	// Priority queue. Dequeue drains P0 before P1 and returns "" when both
	// queues are empty; the pop is the serialization point for leasing.
	Enqueue(ctx context.Context, id string, priority bool) error
	Dequeue(ctx context.Context) (string, error)
	RemoveFromQueues(ctx context.Context, id string) error
	QueueLens(ctx context.Context) (p0, p1 int64, err error)

	// Workers.
	PutWorker(ctx context.Context, w *Worker) error
	PatchWorker(ctx context.Context, id string, fields map[string]any) error
	GetWorker(ctx context.Context, id string) (*Worker, error)
	Workers(ctx context.Context) ([]*Worker, error)
	// AdjustWorkerActive adds delta to the worker's active count, clamping
	// at zero.
	AdjustWorkerActive(ctx context.Context, id string, delta int) error

	// Leases. AcquireLease atomically writes the lease (failing with
	// ErrLeaseExists when one is present), adds the job to the tracking
	// set, marks the job processing on the worker and increments the
	// worker's active count.
	AcquireLease(ctx context.Context, jobID, workerID string, retries int, ttl time.Duration, nowMs int64) error
	ReadLease(ctx context.Context, jobID string) (*Lease, error)
	// ReleaseLease removes the lease and its tracking entry, returning the
	// removed lease or ErrNotFound if it had already expired.
	ReleaseLease(ctx context.Context, jobID string) (*Lease, error)
	// LeaseJobIDs lists the lease-tracking set: job ids whose lease is or
	// recently was live. The reaper walks this set.
	LeaseJobIDs(ctx context.Context) ([]string, error)
	LeaseExists(ctx context.Context, jobID string) (bool, error)
	RemoveLeaseTracking(ctx context.Context, jobID string) error

	// Events. AppendEvent pushes onto the bounded per-job log (newest
	// first, trimmed to the configured max) and publishes to the job's
	// channel. Events returns the log oldest first.
	AppendEvent(ctx context.Context, jobID string, ev Event) error
	Events(ctx context.Context, jobID string) ([]Event, error)
	SubscribeEvents(ctx context.Context, jobID string) (Subscription, error)
}
