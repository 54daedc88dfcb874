package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gpupool/controller/internal/store"
)

func TestSweepRequeuesExpiredLease(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LeaseTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	// Nothing to do while the lease is live.
	if n, err := m.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected idle sweep, got %d, %v", n, err)
	}

	time.Sleep(60 * time.Millisecond)

	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one orphan handled, got %d", n)
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusQueued || got.LeaseRetries != 1 {
		t.Errorf("expected requeue with retries 1, got %+v", got)
	}
	w, _ := m.store.GetWorker(ctx, "w1")
	if w.Active != 0 {
		t.Errorf("expected slot freed, got active %d", w.Active)
	}
	ids, _ := m.store.LeaseJobIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("expected tracking cleared, got %v", ids)
	}

	evs, _ := m.store.Events(ctx, job.ID)
	last := evs[len(evs)-1]
	if last.Type != store.EventInfo || last.Message != "lease expired; requeued" {
		t.Errorf("unexpected requeue event: %+v", last)
	}

	// A second sweep finds nothing.
	if n, err := m.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected idle sweep after requeue, got %d, %v", n, err)
	}
}

func TestSweepFailsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LeaseTimeout = 30 * time.Millisecond
	cfg.MaxRetries = 2
	m, _ := newTestManager(t, cfg)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")

	// Two successive dead workers burn the whole retry budget.
	for i := 0; i < 2; i++ {
		leaseOne(t, m, "w1")
		time.Sleep(60 * time.Millisecond)
		if _, err := m.Sweep(ctx); err != nil {
			t.Fatalf("Sweep: %v", err)
		}
	}

	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusFailed || got.Error != "lease expired" || got.LeaseRetries != 2 {
		t.Fatalf("expected failed with retries 2, got %+v", got)
	}

	evs, _ := m.store.Events(ctx, job.ID)
	if evs[len(evs)-1].Type != store.EventFailed {
		t.Errorf("expected failed terminal event, got %+v", evs[len(evs)-1])
	}

	// A dead job never re-enters the queue.
	res, err := m.AcquireLease(ctx, LeaseRequest{WorkerID: "w1", Wants: 1})
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if res.Lease != nil {
		t.Errorf("expected no lease after exhaustion, got %+v", res.Lease)
	}
}

func TestSweepIgnoresFinishedJobs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LeaseTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")

	if _, err := m.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n, err := m.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected sweep to skip canceled job, got %d, %v", n, err)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusCanceled {
		t.Errorf("sweep changed a terminal job: %s", got.Status)
	}
}

// requeuePatchFailStore rejects the next requeue patch, standing in for a
// sweeper that dies between freeing the slot and settling the job.
type requeuePatchFailStore struct {
	store.Store
	failures int
}

func (s *requeuePatchFailStore) PatchJob(ctx context.Context, id string, fields map[string]any) error {
	if s.failures > 0 {
		if status, _ := fields["status"].(string); status == store.StatusQueued {
			s.failures--
			return errors.New("store unavailable")
		}
	}
	return s.Store.PatchJob(ctx, id, fields)
}

func TestSweepRetainsTrackingUntilJobSettled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.LeaseTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	registerWorker(t, m, "w1", 1)
	job := submitJob(t, m, "1.2.3.4")
	leaseOne(t, m, "w1")
	time.Sleep(60 * time.Millisecond)

	m.store = &requeuePatchFailStore{Store: m.store, failures: 1}

	if _, err := m.Sweep(ctx); err == nil {
		t.Fatalf("expected sweep error from rejected requeue patch")
	}
	ids, _ := m.store.LeaseJobIDs(ctx)
	if len(ids) != 1 || ids[0] != job.ID {
		t.Fatalf("expected tracking retained after interrupted sweep, got %v", ids)
	}
	got, _ := m.GetJob(ctx, job.ID)
	if got.Status != store.StatusProcessing {
		t.Fatalf("interrupted sweep left status %s", got.Status)
	}

	// The next pass finds the orphan again and finishes the job off.
	n, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one orphan handled, got %d", n)
	}
	got, _ = m.GetJob(ctx, job.ID)
	if got.Status != store.StatusQueued || got.LeaseRetries != 1 {
		t.Errorf("expected requeue with retries 1, got %+v", got)
	}
	if ids, _ := m.store.LeaseJobIDs(ctx); len(ids) != 0 {
		t.Errorf("expected tracking cleared after requeue, got %v", ids)
	}
}
