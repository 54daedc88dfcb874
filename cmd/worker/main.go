package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gpupool/controller/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("GPU worker starting...")

	cfg, err := worker.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  API URL: %s", cfg.APIURL)
	log.Printf("  Worker ID: %s", cfg.WorkerID)
	log.Printf("  Capacity: %d", cfg.Capacity)

	proc, err := buildProcessor()
	if err != nil {
		log.Fatalf("failed to build processor: %v", err)
	}

	w := worker.NewWorker(cfg, proc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()

	log.Println("Worker started, waiting for jobs...")
	if err := w.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Println("Worker stopped gracefully")
			os.Exit(0)
		}
		log.Fatalf("Worker failed: %v", err)
	}

	log.Println("Worker stopped gracefully")
}

// buildProcessor wires the processing pipeline. WORKER_CMD names an
// executable that reads the input on stdin and writes the output on
// stdout; without one the worker echoes the input back, which is only
// useful for smoke-testing a pool.
func buildProcessor() (worker.Processor, error) {
	cmdline := strings.Fields(os.Getenv("WORKER_CMD"))
	contentType := os.Getenv("WORKER_OUTPUT_CONTENT_TYPE")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if len(cmdline) == 0 {
		log.Println("WORKER_CMD not set, running in echo mode")
		return worker.ProcessorFunc(func(ctx context.Context, job *worker.Assignment, input io.Reader) (io.Reader, string, error) {
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, input); err != nil {
				return nil, "", fmt.Errorf("read input: %w", err)
			}
			return &buf, contentType, nil
		}), nil
	}

	if _, err := exec.LookPath(cmdline[0]); err != nil {
		return nil, fmt.Errorf("WORKER_CMD %q: %w", cmdline[0], err)
	}

	return worker.ProcessorFunc(func(ctx context.Context, job *worker.Assignment, input io.Reader) (io.Reader, string, error) {
		cmd := exec.CommandContext(ctx, cmdline[0], cmdline[1:]...)
		cmd.Stdin = input
		cmd.Env = append(os.Environ(),
			"JOB_ID="+job.JobID,
			"JOB_FILENAME="+job.Filename,
		)

		var out bytes.Buffer
		var stderr bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return nil, "", fmt.Errorf("%s: %s", err, msg)
			}
			return nil, "", fmt.Errorf("run processor command: %w", err)
		}
		return &out, contentType, nil
	}), nil
}
