package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gpupool/controller/internal/blob"
	"github.com/gpupool/controller/internal/config"
	"github.com/gpupool/controller/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatStale:  30 * time.Second,
		LeaseTimeout:    time.Minute,
		TotalJobTimeout: 5 * time.Minute,
		SweepInterval:   10 * time.Millisecond,
		MaxRetries:      3,
		EventsMax:       50,
		P0Enabled:       true,
		PriorityIPs:     map[string]struct{}{"9.9.9.9": {}},
	}
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *blob.MemoryStore) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	st, err := store.NewSQLite(context.Background(), ":memory:", cfg.EventsMax)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	blobs := blob.NewMemory()
	return New(cfg, st, blobs), blobs
}

func registerWorker(t *testing.T, m *Manager, id string, capacity int) {
	t.Helper()
	_, err := m.RegisterWorker(context.Background(), RegisterRequest{
		WorkerID: id, Name: id, Capacity: capacity, RemoteIP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}

func submitJob(t *testing.T, m *Manager, ip string) *store.Job {
	t.Helper()
	res, err := m.Submit(context.Background(), SubmitRequest{
		Filename:    "photo.jpg",
		ContentType: "image/jpeg",
		Body:        strings.NewReader("input-bytes"),
		ClientID:    "client-1",
		IP:          ip,
		UserAgent:   "test",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return res.Job
}

// leaseOne polls once as an honest worker reporting its registry active
// count, and fails the test unless exactly one lease comes back.
func leaseOne(t *testing.T, m *Manager, workerID string) *Lease {
	t.Helper()
	ctx := context.Background()
	w, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	res, err := m.AcquireLease(ctx, LeaseRequest{
		WorkerID: workerID, Wants: 1, ReportedActive: w.Active,
	})
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if res.Lease == nil {
		t.Fatalf("expected a lease, got none (wait %d)", res.WaitSec)
	}
	return res.Lease
}

func TestSubmitQueuesJob(t *testing.T) {
	ctx := context.Background()
	m, blobs := newTestManager(t, nil)

	res, err := m.Submit(ctx, SubmitRequest{
		Filename:    "my photo.jpg",
		ContentType: "image/jpeg",
		Body:        strings.NewReader("input-bytes"),
		ClientID:    "client-1",
		IP:          "1.2.3.4",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Priority {
		t.Errorf("unexpected priority for unlisted IP")
	}
	if res.QueuePos != 1 {
		t.Errorf("expected queue position 1, got %d", res.QueuePos)
	}
	if res.Job.Status != store.StatusQueued {
		t.Errorf("expected queued, got %s", res.Job.Status)
	}
	if res.Job.Filename != "my_photo.jpg" {
		t.Errorf("expected sanitized filename, got %q", res.Job.Filename)
	}

	if _, ok := blobs.Get(res.Job.InputPath); !ok {
		t.Errorf("input payload not stored at %s", res.Job.InputPath)
	}

	evs, err := m.store.Events(ctx, res.Job.ID)
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected one event, got %v, %v", evs, err)
	}
	if evs[0].Type != store.EventInfo || evs[0].Progress == nil || *evs[0].Progress != 1 {
		t.Errorf("unexpected queued event: %+v", evs[0])
	}
}

func TestLeaseGrantsJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	l := leaseOne(t, m, "w1")
	if l.JobID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, l.JobID)
	}
	if l.InputURL == "" || l.Retries != 0 {
		t.Errorf("unexpected lease: %+v", l)
	}
	if l.TotalTimeoutSec != 300 {
		t.Errorf("expected advisory timeout 300, got %d", l.TotalTimeoutSec)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusProcessing || got.WorkerID != "w1" {
		t.Errorf("job not processing: %+v", got)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 1 {
		t.Errorf("expected active 1, got %d", w.Active)
	}

	// Capacity exhausted: the next honest poll gets no lease.
	res, err := m.AcquireLease(ctx, LeaseRequest{WorkerID: "w1", Wants: 1, ReportedActive: 1})
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if res.Lease != nil || res.WaitSec != 2 {
		t.Errorf("expected no lease with wait 2, got %+v", res)
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)

	res, err := m.AcquireLease(context.Background(), LeaseRequest{WorkerID: "w1", Wants: 1})
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if res.Lease != nil || res.WaitSec != 2 {
		t.Errorf("expected no lease with wait 2, got %+v", res)
	}
}

func TestLeaseUnknownWorker(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.AcquireLease(context.Background(), LeaseRequest{WorkerID: "ghost", Wants: 1})
	if !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestLeaseResetsActiveFromWorkerReport(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 2)
	submitJob(t, m, "1.2.3.4")

	// Simulate a stale registry counter left by a crashed worker run.
	if err := m.store.PatchWorker(ctx, "w1", map[string]any{"active": 2}); err != nil {
		t.Fatalf("PatchWorker: %v", err)
	}

	// The restarted worker truthfully reports zero in-flight jobs.
	res, err := m.AcquireLease(ctx, LeaseRequest{WorkerID: "w1", Wants: 1, ReportedActive: 0})
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if res.Lease == nil {
		t.Fatalf("expected lease after active reset")
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 1 {
		t.Errorf("expected active 1 after reset plus grant, got %d", w.Active)
	}
}

func TestPriorityDrainsFirst(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 2)

	normal := submitJob(t, m, "1.2.3.4")
	prio := submitJob(t, m, "9.9.9.9")

	first := leaseOne(t, m, "w1")
	if first.JobID != prio.ID {
		t.Fatalf("expected priority job first, got %s", first.JobID)
	}
	second := leaseOne(t, m, "w1")
	if second.JobID != normal.ID {
		t.Fatalf("expected normal job second, got %s", second.JobID)
	}
}

func TestLeaseSkipsCanceledJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res, err := m.AcquireLease(ctx, LeaseRequest{WorkerID: "w1", Wants: 1})
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if res.Lease != nil {
		t.Fatalf("expected no lease for canceled job, got %+v", res.Lease)
	}
}

func TestResultCompletesJob(t *testing.T) {
	ctx := context.Background()
	m, blobs := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	got, err := m.Result(ctx, job.ID, "w1", "image/jpeg", strings.NewReader("output-bytes"))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.OutputPath != blob.OutputKey(job.ID) {
		t.Errorf("unexpected output path %q", got.OutputPath)
	}
	if data, ok := blobs.Get(blob.OutputKey(job.ID)); !ok || string(data) != "output-bytes" {
		t.Errorf("output not stored")
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 0 {
		t.Errorf("expected slot freed, got active %d", w.Active)
	}

	evs, _ := m.store.Events(ctx, job.ID)
	last := evs[len(evs)-1]
	if last.Type != store.EventCompleted || last.Progress == nil || *last.Progress != 100 {
		t.Errorf("unexpected terminal event: %+v", last)
	}
	if last.Data["output_url"] == nil {
		t.Errorf("expected signed output url on terminal event")
	}
}

func TestDuplicateResultRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	if _, err := m.Result(ctx, job.ID, "w1", "image/jpeg", strings.NewReader("one")); err != nil {
		t.Fatalf("Result: %v", err)
	}
	if _, err := m.Result(ctx, job.ID, "w1", "image/jpeg", strings.NewReader("two")); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease on duplicate result, got %v", err)
	}
}

func TestResultFromWrongWorkerRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	registerWorker(t, m, "w2", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	if _, err := m.Result(ctx, job.ID, "w2", "image/jpeg", strings.NewReader("x")); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease for wrong worker, got %v", err)
	}
	// The record is untouched.
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusProcessing || got.WorkerID != "w1" {
		t.Errorf("rejected result mutated the job: %+v", got)
	}
}

func TestWorkerErrorRequeues(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	got, err := m.WorkerError(ctx, job.ID, "w1", "cuda out of memory")
	if err != nil {
		t.Fatalf("WorkerError: %v", err)
	}
	if got.Status != store.StatusQueued || got.LeaseRetries != 1 {
		t.Errorf("expected requeue with retries 1, got %+v", got)
	}
	if got.Error != "" {
		t.Errorf("expected error cleared on requeue, got %q", got.Error)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 0 {
		t.Errorf("expected slot freed, got active %d", w.Active)
	}

	// The requeued job is leasable again and carries its retry count.
	l := leaseOne(t, m, "w1")
	if l.JobID != job.ID || l.Retries != 1 {
		t.Errorf("expected re-lease with retries 1, got %+v", l)
	}
}

func TestWorkerErrorExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxRetries = 2
	m, _ := newTestManager(t, cfg)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	leaseOne(t, m, "w1")
	if _, err := m.WorkerError(ctx, job.ID, "w1", "first failure"); err != nil {
		t.Fatalf("WorkerError: %v", err)
	}

	leaseOne(t, m, "w1")
	got, err := m.WorkerError(ctx, job.ID, "w1", "second failure")
	if err != nil {
		t.Fatalf("WorkerError: %v", err)
	}
	if got.Status != store.StatusFailed || got.Error != "second failure" || got.LeaseRetries != 2 {
		t.Errorf("expected failed job with retries 2, got %+v", got)
	}

	evs, _ := m.store.Events(ctx, job.ID)
	if evs[len(evs)-1].Type != store.EventFailed {
		t.Errorf("expected failed terminal event, got %+v", evs[len(evs)-1])
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	got, err := m.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != store.StatusCanceled {
		t.Errorf("expected canceled, got %s", got.Status)
	}

	// Canceling again confirms the state without changes.
	again, err := m.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel (terminal): %v", err)
	}
	if again.Status != store.StatusCanceled {
		t.Errorf("expected canceled on repeat, got %s", again.Status)
	}

	if _, err := m.Cancel(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelProcessingFreesSlot(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 0 {
		t.Errorf("expected slot freed on cancel, got active %d", w.Active)
	}
	// The worker's late result is rejected.
	if _, err := m.Result(ctx, job.ID, "w1", "image/jpeg", strings.NewReader("x")); !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("expected ErrInvalidLease after cancel, got %v", err)
	}
}

func TestRetryClonesJob(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	if _, err := m.Retry(ctx, job.ID); err == nil {
		t.Fatalf("expected error retrying non-terminal job")
	}

	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	clone, err := m.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if clone.ID == job.ID {
		t.Errorf("expected new id for retry clone")
	}
	if clone.Status != store.StatusQueued || clone.InputPath != job.InputPath || clone.LeaseRetries != 0 {
		t.Errorf("unexpected clone: %+v", clone)
	}

	l := leaseOne(t, m, "w1")
	if l.JobID != clone.ID {
		t.Errorf("expected clone leased, got %s", l.JobID)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	m, blobs := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	if err := m.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.GetJob(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected job gone, got %v", err)
	}
	if _, ok := blobs.Get(job.InputPath); ok {
		t.Errorf("expected input blob deleted")
	}
	if err := m.Delete(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}

	// Listing skips the deleted id left in the index.
	jobs, err := m.ListJobs(ctx, store.IndexGlobal, "", 0, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected empty listing, got %d", len(jobs))
	}
}

func TestPoolAndWaitTime(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 2)
	submitJob(t, m, "1.2.3.4")
	submitJob(t, m, "1.2.3.4")

	pool, err := m.Pool(ctx)
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if pool.OnlineWorkers != 1 || pool.Capacity != 2 || pool.Free != 2 || pool.QueueP1 != 2 {
		t.Errorf("unexpected pool status: %+v", pool)
	}

	wait, err := m.WaitTime(ctx)
	if err != nil {
		t.Fatalf("WaitTime: %v", err)
	}
	// Two queued jobs over two slots is one full round.
	if wait != avgProcessingSec {
		t.Errorf("expected wait %d, got %d", avgProcessingSec, wait)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)

	if err := m.Heartbeat(ctx, "w1", map[string]any{"temp_c": 61}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.GPU["temp_c"] == nil {
		t.Errorf("expected gpu telemetry stored, got %+v", w.GPU)
	}

	if err := m.Heartbeat(ctx, "ghost", nil); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestRegisterPreservesFirstSeenAndActive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	registerWorker(t, m, "w1", 1)
	submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	before, _ := m.store.GetWorker(ctx, "w1")
	res, err := m.RegisterWorker(ctx, RegisterRequest{WorkerID: "w1", Name: "renamed", Capacity: 4})
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if res.Worker.FirstSeenMs != before.FirstSeenMs {
		t.Errorf("first_seen changed on re-register")
	}
	if res.Worker.Active != 1 {
		t.Errorf("active counter lost on re-register: %d", res.Worker.Active)
	}
	if res.Worker.Capacity != 4 || res.Worker.Name != "renamed" {
		t.Errorf("re-register did not refresh fields: %+v", res.Worker)
	}
	if res.HeartbeatIntervalSec != 15 {
		t.Errorf("expected heartbeat interval 15, got %d", res.HeartbeatIntervalSec)
	}
}

// terminalAtReleaseStore fails the test if a lease is released while its
// job record is still in a non-terminal state.
type terminalAtReleaseStore struct {
	store.Store
	t *testing.T
}

func (s *terminalAtReleaseStore) ReleaseLease(ctx context.Context, jobID string) (*store.Lease, error) {
	job, err := s.Store.GetJob(ctx, jobID)
	if err == nil && !store.IsTerminal(job.Status) {
		s.t.Errorf("lease released while job still %s", job.Status)
	}
	return s.Store.ReleaseLease(ctx, jobID)
}

type failingOutputBlobs struct {
	blob.Store
}

func (b *failingOutputBlobs) Upload(ctx context.Context, key, contentType string, body io.Reader) error {
	if strings.Contains(key, "/output/") {
		return errors.New("blob backend down")
	}
	return b.Store.Upload(ctx, key, contentType, body)
}

func TestResultSettlesJobBeforeReleasingLease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil)
	m.store = &terminalAtReleaseStore{Store: m.store, t: t}
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	got, err := m.Result(ctx, job.ID, "w1", "image/jpeg", strings.NewReader("output-bytes"))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 0 {
		t.Errorf("expected slot freed, got active %d", w.Active)
	}
}

func TestResultUploadFailureSettlesJobBeforeReleasingLease(t *testing.T) {
	ctx := context.Background()
	m, blobs := newTestManager(t, nil)
	m.store = &terminalAtReleaseStore{Store: m.store, t: t}
	m.blobs = &failingOutputBlobs{Store: blobs}
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	if _, err := m.Result(ctx, job.ID, "w1", "image/jpeg", strings.NewReader("x")); err == nil {
		t.Fatalf("expected error from failed output upload")
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusFailed || got.Error != "output upload failed" {
		t.Errorf("expected failed job, got %+v", got)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 0 {
		t.Errorf("expected slot freed, got active %d", w.Active)
	}
}
