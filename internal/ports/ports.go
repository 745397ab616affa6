package ports

import (
	"context"

	"brandwatch/internal/domain"
)

// Scanner is the public scan entry point used by the HTTP adapter and the
// automated scheduler.
type Scanner interface {
	RequestScan(ctx context.Context, brandID string, scanType domain.ScanType, by domain.Requester) (scanID, jobID string, err error)
	CancelScan(ctx context.Context, scanID string) error
	Status(ctx context.Context, scanID string) (domain.Scan, error)
}

// FeedBatch is one bounded chunk of candidate domains. Watermark is the
// position to persist once the batch is fully processed.
type FeedBatch struct {
	Domains   []string
	Watermark string
	Done      bool // no more data until the next poll
}

// FeedSource yields candidate domains after a watermark, at most limit per
// batch.
type FeedSource interface {
	Name() string
	Next(ctx context.Context, watermark string, limit int) (FeedBatch, error)
}

// Evidence is the external visual-similarity capability. Confidence is in
// [0, 1].
type Evidence interface {
	Analyze(ctx context.Context, url string) (confidence float64, err error)
}

// Notifier is told about every threat the core creates.
type Notifier interface {
	Notify(ctx context.Context, t domain.Threat) error
}

// Resolver reports whether a domain is registered and resolving.
type Resolver interface {
	Registered(ctx context.Context, domain string) (bool, error)
}

// SocialChecker reports whether a handle exists on a platform and its
// profile URL.
type SocialChecker interface {
	Exists(ctx context.Context, platform, handle string) (exists bool, profileURL string, err error)
}

// PageFetcher retrieves a page for the web step.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (status int, body string, err error)
}
