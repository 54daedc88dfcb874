package dispatch

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gpupool/controller/internal/store"
)

// Sweep walks the lease-tracking set and handles every job whose lease
// expired without a result: the worker slot is freed and the job is
// requeued, or failed once its retry budget is spent. Returns how many
// orphans were handled.
//
// Sweep is idempotent and safe to run from several replicas; the tracking
// removal and the status patch converge even when two sweepers race.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.LeaseJobIDs(ctx)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, id := range ids {
		live, err := m.store.LeaseExists(ctx, id)
		if err != nil {
			return handled, err
		}
		if live {
			continue
		}

		// Lease is gone but the tracking entry remains: an orphan. The
		// tracking id is dropped only after the job is settled; an
		// interrupted sweep leaves it for the next pass.
		job, err := m.store.GetJob(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			_ = m.store.RemoveLeaseTracking(ctx, id)
			continue
		}
		if err != nil {
			return handled, err
		}
		if job.Status != store.StatusProcessing {
			// Finished or canceled through the normal paths.
			_ = m.store.RemoveLeaseTracking(ctx, id)
			continue
		}

		if job.WorkerID != "" {
			_ = m.store.AdjustWorkerActive(ctx, job.WorkerID, -1)
		}
		if _, err := m.requeueOrFail(ctx, job, "lease_expired", "lease expired"); err != nil {
			return handled, err
		}
		_ = m.store.RemoveLeaseTracking(ctx, id)
		handled++
	}
	return handled, nil
}

// RunSweeper runs Sweep on the configured interval until ctx is canceled.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("lease sweeper started (interval %s)", m.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("lease sweeper stopped")
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				log.Printf("lease sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("lease sweep recovered %d job(s)", n)
			}
		}
	}
}
