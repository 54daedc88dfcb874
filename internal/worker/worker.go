package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"
)

// Processor runs one leased job. Implementations read the input payload
// and return the output stream plus its content type. The context carries
// the job's deadline; implementations must stop when it fires.
type Processor interface {
	Process(ctx context.Context, job *Assignment, input io.Reader) (output io.Reader, contentType string, err error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *Assignment, input io.Reader) (io.Reader, string, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, job *Assignment, input io.Reader) (io.Reader, string, error) {
	return f(ctx, job, input)
}

// GPUInfo supplies the telemetry blob attached to registration, leases and
// heartbeats. May be nil.
type GPUInfo func() map[string]any

// Worker orchestrates registration, lease polling, processing and result
// delivery against the controller API.
type Worker struct {
	client    *Client
	config    *Config
	processor Processor
	gpuInfo   GPUInfo
	active    int32
}

// NewWorker constructs a Worker around a processor.
func NewWorker(cfg *Config, proc Processor, gpu GPUInfo) *Worker {
	return &Worker{
		client:    NewClient(cfg),
		config:    cfg,
		processor: proc,
		gpuInfo:   gpu,
	}
}

func (w *Worker) gpu() map[string]any {
	if w.gpuInfo == nil {
		return nil
	}
	return w.gpuInfo()
}

// Run starts the main worker loop. It registers, spawns the heartbeat
// goroutine, then polls for leases until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("worker %s: starting (capacity %d)", w.config.WorkerID, w.config.Capacity)
	backoff := NewBackoff(w.config.RetryMinDelay, w.config.RetryMaxDelay)

	reg, err := w.register(ctx, backoff)
	if err != nil {
		return err
	}
	backoff.Reset()

	hbInterval := time.Duration(reg.HeartbeatIntervalSec) * time.Second
	if hbInterval <= 0 {
		hbInterval = 15 * time.Second
	}
	go w.heartbeatLoop(ctx, hbInterval)

	for {
		select {
		case <-ctx.Done():
			log.Println("worker: context cancelled, shutting down")
			return fmt.Errorf("worker: %w", ctx.Err())
		default:
		}

		active := int(atomic.LoadInt32(&w.active))
		wants := w.config.Capacity - active
		if wants < 1 {
			// Slots are full; check back once something finishes.
			select {
			case <-time.After(time.Second):
				continue
			case <-ctx.Done():
				return fmt.Errorf("worker: %w", ctx.Err())
			}
		}

		lease, wait, err := w.client.Lease(ctx, wants, active, w.gpu())
		if errors.Is(err, ErrUnknownWorker) {
			// The registry forgot us; enroll again and retry.
			log.Println("worker: controller lost our registration, re-registering")
			if _, err := w.register(ctx, backoff); err != nil {
				return err
			}
			backoff.Reset()
			continue
		}
		if err != nil {
			delay := backoff.Next()
			log.Printf("worker: lease poll failed: %v; waiting %v", err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("worker: %w", ctx.Err())
			}
		}
		backoff.Reset()

		if lease == nil {
			if wait <= 0 {
				wait = 2 * time.Second
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return fmt.Errorf("worker: %w", ctx.Err())
			}
		}

		atomic.AddInt32(&w.active, 1)
		go func(job *Assignment) {
			defer atomic.AddInt32(&w.active, -1)
			w.runJob(ctx, job)
		}(lease)
	}
}

// register enrolls with the controller, retrying transport failures with
// backoff until ctx is cancelled.
func (w *Worker) register(ctx context.Context, backoff *Backoff) (*RegisterResponse, error) {
	for {
		reg, err := w.client.Register(ctx, w.config, w.gpu())
		if err == nil {
			log.Printf("worker: registered as %s (heartbeat every %ds)", reg.WorkerID, reg.HeartbeatIntervalSec)
			return reg, nil
		}
		delay := backoff.Next()
		log.Printf("worker: register failed: %v; retrying in %v", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("worker: %w", ctx.Err())
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Heartbeat(ctx, w.gpu()); err != nil && !errors.Is(err, ErrUnknownWorker) {
				log.Printf("worker: heartbeat failed: %v", err)
			}
		}
	}
}

// runJob downloads the input, runs the processor under the lease deadline
// and delivers the result. Failures are reported so the controller can
// requeue.
func (w *Worker) runJob(ctx context.Context, job *Assignment) {
	log.Printf("worker: leased job %s file=%s deadline=%d retries=%d",
		job.JobID, job.Filename, job.DeadlineMs, job.Retries)
	start := time.Now()

	jobCtx := ctx
	var cancel context.CancelFunc
	if job.TotalTimeoutSec > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TotalTimeoutSec)*time.Second)
		defer cancel()
	}

	input, err := w.client.DownloadInput(jobCtx, job.InputURL)
	if err != nil {
		w.reportFailure(ctx, job.JobID, fmt.Sprintf("input download failed: %v", err))
		return
	}
	defer input.Close()

	output, contentType, err := w.processor.Process(jobCtx, job, input)
	if err != nil {
		w.reportFailure(ctx, job.JobID, fmt.Sprintf("processing failed: %v", err))
		return
	}

	if err := w.client.SubmitResult(jobCtx, job.JobID, contentType, output); err != nil {
		// A rejected upload usually means the lease expired under us; the
		// controller has already requeued, so just log it.
		log.Printf("worker: result upload for job %s rejected: %v", job.JobID, err)
		return
	}
	log.Printf("worker: completed job %s in %s", job.JobID, time.Since(start).Round(time.Millisecond))
}

// reportFailure sends the error report on a fresh timeout so a cancelled
// job context cannot swallow it.
func (w *Worker) reportFailure(ctx context.Context, jobID, message string) {
	log.Printf("worker: job %s failed: %s", jobID, message)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.client.ReportError(rctx, jobID, message); err != nil {
		log.Printf("worker: error report for job %s failed: %v", jobID, err)
	}
}
