// Package scanrunner claims queued scan jobs and drives them through the
// scan state machine on a fixed pool of workers.
package scanrunner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

// Executor runs one claimed job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) error
}

var _ Executor = (*Machine)(nil)

// Run starts a dispatcher that claims jobs every pollInterval and
// concurrency workers that execute them. A job runs wholly on one worker.
// The returned channel is closed once every worker has exited after ctx is
// done.
func Run(ctx context.Context, repo ports.JobRepository, exec Executor, concurrency int, pollInterval time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	if concurrency < 1 {
		close(done)
		return done
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	jobsCh := make(chan domain.Job, concurrency)

	// dispatcher loop
	go func() {
		defer close(jobsCh)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for {
				job, found, err := repo.ClaimNext(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Error("job claim failed", "error", err)
					}
					break
				}
				if !found {
					break
				}
				select {
				case jobsCh <- job:
				case <-ctx.Done():
					// claimed but never started; fail it so the brand is not stuck
					_ = repo.MarkFailed(context.WithoutCancel(ctx), job.ID, "worker shutting down")
					return
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for job := range jobsCh {
				if err := exec.Execute(ctx, job); err != nil {
					logger.Warn("job failed", "worker", idx, "job_id", job.ID, "scan_id", job.ScanID, "error", err)
				}
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// ProcessInline starts the queued job of a specific scan and runs it
// synchronously with the same executor the background workers use.
func ProcessInline(ctx context.Context, repo ports.JobRepository, exec Executor, scanID string) error {
	job, err := repo.StartJobForScan(ctx, scanID)
	if err != nil {
		return err
	}
	return exec.Execute(ctx, job)
}
