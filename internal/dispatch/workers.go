package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gpupool/controller/internal/blob"
	"github.com/gpupool/controller/internal/metrics"
	"github.com/gpupool/controller/internal/store"
)

// RegisterRequest is a worker announcing itself. Re-registration of a known
// id refreshes the record but keeps first_seen and the active counter.
type RegisterRequest struct {
	WorkerID  string
	Name      string
	PublicURL string
	Capacity  int
	RemoteIP  string
	Tags      map[string]any
	GPU       map[string]any
}

// RegisterResult tells the worker how often to heartbeat.
type RegisterResult struct {
	Worker               *store.Worker
	HeartbeatIntervalSec int
}

// RegisterWorker upserts the worker record.
func (m *Manager) RegisterWorker(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	if req.Capacity < 1 {
		req.Capacity = 1
	}

	now := nowMs()
	w := &store.Worker{
		ID:          req.WorkerID,
		Name:        req.Name,
		PublicURL:   req.PublicURL,
		Capacity:    req.Capacity,
		FirstSeenMs: now,
		LastSeenMs:  now,
		RemoteIP:    req.RemoteIP,
		Tags:        req.Tags,
		GPU:         req.GPU,
	}
	if prev, err := m.store.GetWorker(ctx, req.WorkerID); err == nil {
		w.FirstSeenMs = prev.FirstSeenMs
		w.Active = prev.Active
	}
	if err := m.store.PutWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	return &RegisterResult{Worker: w, HeartbeatIntervalSec: m.cfg.HeartbeatIntervalSec()}, nil
}

// Heartbeat refreshes last_seen and optional telemetry for a registered
// worker.
func (m *Manager) Heartbeat(ctx context.Context, workerID string, gpu map[string]any) error {
	fields := map[string]any{"last_seen_ms": nowMs()}
	if gpu != nil {
		fields["gpu"] = gpu
	}
	err := m.store.PatchWorker(ctx, workerID, fields)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownWorker
	}
	return err
}

// LeaseRequest is one poll from a worker. ReportedActive is the worker's
// own count of in-flight jobs and overwrites the registry's copy.
type LeaseRequest struct {
	WorkerID       string
	Wants          int
	ReportedActive int
	RemoteIP       string
	GPU            map[string]any
}

// Lease is one job assignment handed to a polling worker.
type Lease struct {
	JobID           string         `json:"job_id"`
	Filename        string         `json:"filename"`
	InputURL        string         `json:"input_url"`
	DeadlineMs      int64          `json:"deadline_ts"`
	TotalTimeoutSec int            `json:"total_job_timeout_sec"`
	Retries         int            `json:"retries"`
	Params          map[string]any `json:"params"`
}

// LeaseResult is the poll response: at most one lease plus the poll-again
// hint.
type LeaseResult struct {
	Lease   *Lease `json:"lease"`
	WaitSec int    `json:"wait_sec,omitempty"`
}

func noLease() *LeaseResult { return &LeaseResult{WaitSec: 2} }

// AcquireLease pops the next queued job for the worker and leases it, at
// most one per call so assignment stays fair across polling workers. The
// queue pop is the serialization point; blob signing happens between the
// pop and the compound lease write so a signing failure cannot leave a
// half-assigned lease.
func (m *Manager) AcquireLease(ctx context.Context, req LeaseRequest) (*LeaseResult, error) {
	w, err := m.store.GetWorker(ctx, req.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownWorker
	}
	if err != nil {
		return nil, err
	}

	// The worker's own active count is the truth; a crash-restarted worker
	// resets the registry's stale counter here.
	fields := map[string]any{
		"last_seen_ms": nowMs(),
		"active":       req.ReportedActive,
	}
	if req.RemoteIP != "" {
		fields["remote_ip"] = req.RemoteIP
	}
	if req.GPU != nil {
		fields["gpu"] = req.GPU
	}
	if err := m.store.PatchWorker(ctx, req.WorkerID, fields); err != nil {
		return nil, err
	}

	free := w.Capacity - req.ReportedActive
	if free < 0 {
		free = 0
	}
	grant := req.Wants
	if grant > free {
		grant = free
	}
	if grant > 1 {
		grant = 1
	}
	if grant < 1 {
		return noLease(), nil
	}

	jobID, err := m.store.Dequeue(ctx)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return noLease(), nil
	}

	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return noLease(), nil // deleted while queued
	}
	if err != nil {
		return nil, err
	}
	if job.Status != store.StatusQueued {
		return noLease(), nil // canceled while queued
	}
	if job.InputPath == "" {
		m.failJob(ctx, job, "job has no input payload")
		return noLease(), nil
	}

	inputURL, err := m.blobs.SignURL(ctx, job.InputPath, blob.InputURLTTL)
	if err != nil {
		m.failJob(ctx, job, "could not sign input url")
		return noLease(), nil
	}

	now := nowMs()
	err = m.store.AcquireLease(ctx, jobID, req.WorkerID, job.LeaseRetries, m.cfg.LeaseTimeout, now)
	if errors.Is(err, store.ErrLeaseExists) {
		// Another replica won the race for this id.
		return noLease(), nil
	}
	if err != nil {
		return nil, err
	}

	p := progressProcessing
	m.appendEvent(ctx, jobID, store.Event{
		Ts: now, Type: store.EventState, Message: "processing on " + req.WorkerID, Progress: &p,
		Data: map[string]any{"worker_id": req.WorkerID},
	})
	metrics.LeasesGranted.Inc()

	return &LeaseResult{Lease: &Lease{
		JobID:           jobID,
		Filename:        job.Filename,
		InputURL:        inputURL,
		DeadlineMs:      now + m.cfg.LeaseTimeout.Milliseconds(),
		TotalTimeoutSec: int(m.cfg.TotalJobTimeout.Seconds()),
		Retries:         job.LeaseRetries,
		Params:          map[string]any{},
	}}, nil
}

// failJob moves a job straight to failed, outside the retry policy. Used
// for jobs that can never run (no input, unsignable input).
func (m *Manager) failJob(ctx context.Context, job *store.Job, message string) {
	now := nowMs()
	_ = m.store.PatchJob(ctx, job.ID, map[string]any{
		"status":         store.StatusFailed,
		"finished_at_ms": now,
		"error":          message,
	})
	m.appendEvent(ctx, job.ID, store.Event{Ts: now, Type: store.EventFailed, Message: message})
	metrics.JobsFinished.WithLabelValues(store.StatusFailed).Inc()
}

// validateAssignment checks that (jobID, workerID) holds the current
// assignment. The live lease is authoritative; if it already expired but
// the reaper has not intervened, a processing job still assigned to the
// worker is accepted.
func (m *Manager) validateAssignment(ctx context.Context, job *store.Job, workerID string) error {
	lease, err := m.store.ReadLease(ctx, job.ID)
	if err == nil {
		if lease.WorkerID != workerID {
			return ErrInvalidLease
		}
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if job.Status == store.StatusProcessing && job.WorkerID == workerID {
		return nil
	}
	return ErrInvalidLease
}

// releaseAssignment drops the lease, its tracking entry and the worker's
// slot after a result, error or cancel.
func (m *Manager) releaseAssignment(ctx context.Context, jobID, workerID string) error {
	if _, err := m.store.ReleaseLease(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	_ = m.store.RemoveLeaseTracking(ctx, jobID)
	_ = m.store.AdjustWorkerActive(ctx, workerID, -1)
	return nil
}

// Result ingests a finished job's output.
func (m *Manager) Result(ctx context.Context, jobID, workerID, contentType string, body io.Reader) (*store.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(job.Status) {
		return nil, ErrInvalidLease
	}
	if err := m.validateAssignment(ctx, job, workerID); err != nil {
		return nil, err
	}

	outputKey := blob.OutputKey(jobID)
	if err := m.blobs.Upload(ctx, outputKey, contentType, body); err != nil {
		// The assignment is spent either way. The terminal patch lands
		// before the lease drops; a sweeper that finds the lease gone
		// trusts the job status.
		m.failJob(ctx, job, "output upload failed")
		if relErr := m.releaseAssignment(ctx, jobID, workerID); relErr != nil {
			return nil, relErr
		}
		return nil, fmt.Errorf("store output: %w", err)
	}

	now := nowMs()
	processingMs := int64(0)
	if job.StartedAtMs > 0 {
		processingMs = now - job.StartedAtMs
	}
	// Completed patch before the lease release, same ordering as above.
	err = m.store.PatchJob(ctx, jobID, map[string]any{
		"status":         store.StatusCompleted,
		"finished_at_ms": now,
		"processing_ms":  processingMs,
		"output_path":    outputKey,
	})
	if err != nil {
		return nil, err
	}

	if err := m.releaseAssignment(ctx, jobID, workerID); err != nil {
		return nil, err
	}

	p := progressCompleted
	ev := store.Event{Ts: now, Type: store.EventCompleted, Message: "completed", Progress: &p}
	// Best effort: the event still fires without the URL.
	if url, err := m.blobs.SignURL(ctx, outputKey, blob.OutputURLTTL); err == nil {
		ev.Data = map[string]any{"output_url": url}
	}
	m.appendEvent(ctx, jobID, ev)

	metrics.JobsFinished.WithLabelValues(store.StatusCompleted).Inc()
	metrics.ProcessingSeconds.Observe(float64(processingMs) / 1000)

	job.Status = store.StatusCompleted
	job.FinishedAtMs = now
	job.ProcessingMs = processingMs
	job.OutputPath = outputKey
	return job, nil
}

// WorkerError ingests a worker-reported failure. The job is requeued while
// it has retry budget left, otherwise failed.
func (m *Manager) WorkerError(ctx context.Context, jobID, workerID, message string) (*store.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if store.IsTerminal(job.Status) {
		return nil, ErrInvalidLease
	}
	if err := m.validateAssignment(ctx, job, workerID); err != nil {
		return nil, err
	}
	if err := m.releaseAssignment(ctx, jobID, workerID); err != nil {
		return nil, err
	}
	return m.requeueOrFail(ctx, job, "worker_error", message)
}

// requeueOrFail applies the shared retry policy. Each failed attempt bumps
// the mirrored counter; the job goes back to its queue until the bumped
// value reaches MaxRetries, at which point it fails carrying the counter.
func (m *Manager) requeueOrFail(ctx context.Context, job *store.Job, reason, message string) (*store.Job, error) {
	now := nowMs()
	retries := job.LeaseRetries + 1

	if retries < m.cfg.MaxRetries {
		err := m.store.PatchJob(ctx, job.ID, map[string]any{
			"status":        store.StatusQueued,
			"lease_retries": retries,
			"worker_id":     "",
			"error":         "",
		})
		if err != nil {
			return nil, err
		}
		if err := m.store.Enqueue(ctx, job.ID, m.cfg.IsPriorityIP(job.RequestedByIP)); err != nil {
			return nil, fmt.Errorf("requeue job: %w", err)
		}
		p := progressRequeued
		msg := "requeued after error"
		if reason == "lease_expired" {
			msg = "lease expired; requeued"
		}
		m.appendEvent(ctx, job.ID, store.Event{
			Ts: now, Type: store.EventInfo, Message: msg, Progress: &p,
			Data: map[string]any{"retries": retries},
		})
		metrics.JobsRequeued.WithLabelValues(reason).Inc()

		job.Status = store.StatusQueued
		job.LeaseRetries = retries
		job.WorkerID = ""
		job.Error = ""
		return job, nil
	}

	err := m.store.PatchJob(ctx, job.ID, map[string]any{
		"status":         store.StatusFailed,
		"lease_retries":  retries,
		"finished_at_ms": now,
		"error":          message,
	})
	if err != nil {
		return nil, err
	}
	m.appendEvent(ctx, job.ID, store.Event{Ts: now, Type: store.EventFailed, Message: message})
	metrics.JobsFinished.WithLabelValues(store.StatusFailed).Inc()

	job.Status = store.StatusFailed
	job.LeaseRetries = retries
	job.FinishedAtMs = now
	job.Error = message
	return job, nil
}

// WorkerStatus is one worker in the pool summary.
type WorkerStatus struct {
	*store.Worker
	Online bool `json:"online"`
}

// PoolStatus is the capacity snapshot served to dashboards.
type PoolStatus struct {
	Workers       []WorkerStatus `json:"workers"`
	OnlineWorkers int            `json:"online_workers"`
	Capacity      int64          `json:"capacity"`
	Active        int64          `json:"active"`
	Free          int64          `json:"free"`
	QueueP0       int64          `json:"queue_p0"`
	QueueP1       int64          `json:"queue_p1"`
}

// Pool summarizes workers and queues. Stale workers are listed but do not
// count toward capacity.
func (m *Manager) Pool(ctx context.Context) (*PoolStatus, error) {
	workers, err := m.store.Workers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	p0, p1, err := m.store.QueueLens(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue lens: %w", err)
	}

	st := &PoolStatus{Workers: make([]WorkerStatus, 0, len(workers)), QueueP0: p0, QueueP1: p1}
	staleBefore := nowMs() - m.cfg.HeartbeatStale.Milliseconds()
	for _, w := range workers {
		online := w.LastSeenMs >= staleBefore
		st.Workers = append(st.Workers, WorkerStatus{Worker: w, Online: online})
		if online {
			st.OnlineWorkers++
			st.Capacity += int64(w.Capacity)
			st.Active += int64(w.Active)
		}
	}
	st.Free = st.Capacity - st.Active
	if st.Free < 0 {
		st.Free = 0
	}
	return st, nil
}

// WaitTime estimates seconds until a newly submitted job would start,
// using the average processing time of recent completions (seeded at
// avgProcessingSec until real data exists).
func (m *Manager) WaitTime(ctx context.Context) (int64, error) {
	p0, p1, err := m.store.QueueLens(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue lens: %w", err)
	}
	active, capacity, err := m.poolCapacity(ctx)
	if err != nil {
		return 0, err
	}
	if capacity < 1 {
		capacity = 1
	}
	ahead := p0 + p1 + active
	// Ceil division: a partially full round still costs a full slot turn.
	rounds := (ahead + capacity - 1) / capacity
	return rounds * m.recentProcessingSec(ctx), nil
}

// recentProcessingSec averages processing_ms over the last completed jobs
// in the global index, capped at a small sample.
func (m *Manager) recentProcessingSec(ctx context.Context) int64 {
	ids, err := m.store.JobIDs(ctx, store.IndexGlobal, "", 0, 50)
	if err != nil {
		return avgProcessingSec
	}
	var sumMs, n int64
	for _, id := range ids {
		job, err := m.store.GetJob(ctx, id)
		if err != nil || job.Status != store.StatusCompleted || job.ProcessingMs <= 0 {
			continue
		}
		sumMs += job.ProcessingMs
		n++
		if n >= 20 {
			break
		}
	}
	if n == 0 {
		return avgProcessingSec
	}
	sec := sumMs / n / 1000
	if sec < 1 {
		sec = 1
	}
	return sec
}
