package ports

import (
	"context"

	"brandwatch/internal/domain"
)

// JobRepository supports claiming and driving scan jobs. Every write that
// moves a scan forward is conditional on the scan still running, so a
// cancelled or finished scan is never revived.
type JobRepository interface {
	ClaimNext(ctx context.Context) (job domain.Job, found bool, err error)
	StartJobForScan(ctx context.Context, scanID string) (job domain.Job, err error)
	// UpdateProgress records step progress; overall progress never decreases.
	UpdateProgress(ctx context.Context, scanID string, p domain.Progress) error
	AddCounters(ctx context.Context, scanID string, c domain.Counters) error
	IncrementRetry(ctx context.Context, scanID string) error
	// ScanStatus is the cheap check made at every step boundary.
	ScanStatus(ctx context.Context, scanID string) (domain.ScanStatus, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, reason string) error
	// MarkCancelled finalizes a job whose scan was cancelled while running.
	MarkCancelled(ctx context.Context, jobID string) error
}
