// Package dispatch implements the control plane's job lifecycle: the
// submission gateway, the leased-pull assignment path workers poll, result
// and error ingestion, and the admin operations. All state lives in the
// coordination store; the manager is stateless and safe to run replicated.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gpupool/controller/internal/blob"
	"github.com/gpupool/controller/internal/config"
	"github.com/gpupool/controller/internal/metrics"
	"github.com/gpupool/controller/internal/store"
)

// Errors the HTTP layer maps to status codes.
var (
	// ErrUnknownWorker is returned for worker ids that never registered.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrInvalidLease rejects results or errors whose job/worker pair does
	// not hold the current assignment. Duplicate deliveries land here.
	ErrInvalidLease = errors.New("invalid lease or worker_id")
	// ErrTerminal rejects operations on jobs already in an absorbing state.
	ErrTerminal = errors.New("job already finished")
)

// Progress milestones attached to lifecycle events.
const (
	progressQueued     = 1
	progressRequeued   = 5
	progressProcessing = 40
	progressCompleted  = 100
)

// avgProcessingSec seeds queue-wait estimates before real data exists.
const avgProcessingSec = 30

// Manager encapsulates job dispatch operations over the store and blob
// backends.
type Manager struct {
	cfg   *config.Config
	store store.Store
	blobs blob.Store
}

// New constructs a Manager.
func New(cfg *config.Config, st store.Store, blobs blob.Store) *Manager {
	return &Manager{cfg: cfg, store: st, blobs: blobs}
}

func nowMs() int64 { return time.Now().UnixMilli() }

// newJobID returns a 32-char hex id (UUIDv4 without dashes).
func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SubmitRequest carries one upload into the gateway.
type SubmitRequest struct {
	Filename    string
	ContentType string
	Body        io.Reader
	ClientID    string
	IP          string
	UserAgent   string
	Mode        string
}

// SubmitResult reports the accepted job and its rough queue position.
type SubmitResult struct {
	Job      *store.Job
	Priority bool
	// QueuePos estimates how many jobs run before this one (1 = next).
	QueuePos int64
}

// Submit stores the payload, creates the job record and enqueues it.
// The upload happens before any record exists so a failed blob write
// leaves nothing behind.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	id := newJobID()
	safeName := blob.SafeFilename(req.Filename)
	inputKey := blob.InputKey(id, safeName)

	if err := m.blobs.Upload(ctx, inputKey, req.ContentType, req.Body); err != nil {
		return nil, fmt.Errorf("store input: %w", err)
	}

	priority := m.cfg.IsPriorityIP(req.IP)
	job := &store.Job{
		ID:            id,
		Status:        store.StatusQueued,
		Filename:      safeName,
		InputPath:     inputKey,
		ClientID:      req.ClientID,
		RequestedByIP: req.IP,
		UserAgent:     req.UserAgent,
		CreatedAtMs:   nowMs(),
		Mode:          req.Mode,
	}
	if err := m.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := m.store.IndexJob(ctx, id, req.ClientID, req.IP); err != nil {
		return nil, fmt.Errorf("index job: %w", err)
	}

	pos, capacity, err := m.queuePosition(ctx, priority)
	if err != nil {
		return nil, err
	}

	if err := m.store.Enqueue(ctx, id, priority); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	p := progressQueued
	m.appendEvent(ctx, id, store.Event{
		Ts: nowMs(), Type: store.EventInfo, Message: "queued", Progress: &p,
		Data: map[string]any{
			"queue_position": pos,
			"capacity":       capacity,
			"priority":       priority,
		},
	})

	queue := "p1"
	if priority {
		queue = "p0"
	}
	metrics.JobsSubmitted.WithLabelValues(queue).Inc()

	return &SubmitResult{Job: job, Priority: priority, QueuePos: pos}, nil
}

// queuePosition estimates the number of jobs that run before a new one,
// plus the pool's online capacity. Priority submissions only wait on P0
// and whatever is already running; normal ones wait on both queues.
func (m *Manager) queuePosition(ctx context.Context, priority bool) (int64, int64, error) {
	p0, p1, err := m.store.QueueLens(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("queue lens: %w", err)
	}
	active, capacity, err := m.poolCapacity(ctx)
	if err != nil {
		return 0, 0, err
	}
	if priority {
		return p0 + active + 1, capacity, nil
	}
	return p0 + p1 + active + 1, capacity, nil
}

// poolCapacity sums active and total capacity over online workers.
func (m *Manager) poolCapacity(ctx context.Context) (active, capacity int64, err error) {
	workers, err := m.store.Workers(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list workers: %w", err)
	}
	staleBefore := nowMs() - m.cfg.HeartbeatStale.Milliseconds()
	for _, w := range workers {
		if w.LastSeenMs < staleBefore {
			continue
		}
		active += int64(w.Active)
		capacity += int64(w.Capacity)
	}
	return active, capacity, nil
}

// appendEvent logs the event; event-log failures never fail the operation
// that produced them.
func (m *Manager) appendEvent(ctx context.Context, jobID string, ev store.Event) {
	_ = m.store.AppendEvent(ctx, jobID, ev)
}

// GetJob returns the job record.
func (m *Manager) GetJob(ctx context.Context, id string) (*store.Job, error) {
	return m.store.GetJob(ctx, id)
}

// ListJobs pages through one of the job indexes, newest first. Ids whose
// record was deleted are skipped.
func (m *Manager) ListJobs(ctx context.Context, kind store.IndexKind, key string, offset, limit int64) ([]*store.Job, error) {
	ids, err := m.store.JobIDs(ctx, kind, key, offset, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]*store.Job, 0, len(ids))
	for _, id := range ids {
		job, err := m.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// SignedInputURL returns a short-lived download URL for the job's input.
func (m *Manager) SignedInputURL(ctx context.Context, job *store.Job) (string, error) {
	return m.blobs.SignURL(ctx, job.InputPath, blob.InputURLTTL)
}

// SignedOutputURL returns a long-lived download URL for the job's result.
func (m *Manager) SignedOutputURL(ctx context.Context, job *store.Job) (string, error) {
	if job.OutputPath == "" {
		return "", blob.ErrNotFound
	}
	return m.blobs.SignURL(ctx, job.OutputPath, blob.OutputURLTTL)
}

// Cancel moves a job to canceled: it is pulled from the queues, its lease
// (if any) is released and the worker slot freed. Canceling a job that
// already reached a terminal state is a no-op confirming that state.
func (m *Manager) Cancel(ctx context.Context, id string) (*store.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(job.Status) {
		return job, nil
	}

	if err := m.store.RemoveFromQueues(ctx, id); err != nil {
		return nil, err
	}
	if lease, err := m.store.ReleaseLease(ctx, id); err == nil {
		_ = m.store.AdjustWorkerActive(ctx, lease.WorkerID, -1)
	}
	_ = m.store.RemoveLeaseTracking(ctx, id)

	now := nowMs()
	err = m.store.PatchJob(ctx, id, map[string]any{
		"status":         store.StatusCanceled,
		"finished_at_ms": now,
	})
	if err != nil {
		return nil, err
	}
	m.appendEvent(ctx, id, store.Event{Ts: now, Type: store.EventCanceled, Message: "canceled"})
	metrics.JobsFinished.WithLabelValues(store.StatusCanceled).Inc()

	job.Status = store.StatusCanceled
	job.FinishedAtMs = now
	return job, nil
}

// Retry clones a terminal job into a fresh queued job under a new id. The
// original record is left untouched; terminal states are absorbing.
func (m *Manager) Retry(ctx context.Context, id string) (*store.Job, error) {
	orig, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !store.IsTerminal(orig.Status) {
		return nil, fmt.Errorf("job %s is still %s", id, orig.Status)
	}

	clone := &store.Job{
		ID:            newJobID(),
		Status:        store.StatusQueued,
		Filename:      orig.Filename,
		InputPath:     orig.InputPath,
		ClientID:      orig.ClientID,
		RequestedByIP: orig.RequestedByIP,
		UserAgent:     orig.UserAgent,
		CreatedAtMs:   nowMs(),
		Mode:          orig.Mode,
	}
	if err := m.store.PutJob(ctx, clone); err != nil {
		return nil, fmt.Errorf("create retry job: %w", err)
	}
	if err := m.store.IndexJob(ctx, clone.ID, clone.ClientID, clone.RequestedByIP); err != nil {
		return nil, fmt.Errorf("index retry job: %w", err)
	}
	priority := m.cfg.IsPriorityIP(clone.RequestedByIP)
	if err := m.store.Enqueue(ctx, clone.ID, priority); err != nil {
		return nil, fmt.Errorf("enqueue retry job: %w", err)
	}
	p := progressQueued
	m.appendEvent(ctx, clone.ID, store.Event{
		Ts: nowMs(), Type: store.EventInfo, Message: "queued (retry of " + id + ")", Progress: &p,
	})
	return clone, nil
}

// Delete removes the job record, its events, queue entries, lease and
// blobs. Blob deletion is best effort.
func (m *Manager) Delete(ctx context.Context, id string) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.RemoveFromQueues(ctx, id); err != nil {
		return err
	}
	if lease, err := m.store.ReleaseLease(ctx, id); err == nil {
		_ = m.store.AdjustWorkerActive(ctx, lease.WorkerID, -1)
	}
	_ = m.store.RemoveLeaseTracking(ctx, id)

	if job.InputPath != "" {
		_ = m.blobs.Delete(ctx, job.InputPath)
	}
	if job.OutputPath != "" {
		_ = m.blobs.Delete(ctx, job.OutputPath)
	}
	return m.store.DeleteJob(ctx, id)
}
