package ports

import (
	"context"
	"time"

	"brandwatch/internal/domain"
)

// BrandRepository is the brand store the core consumes. Brand CRUD lives
// elsewhere; the core only reads brands and bumps two fields.
type BrandRepository interface {
	ListActiveBrands(ctx context.Context) ([]domain.Brand, error)
	GetBrand(ctx context.Context, brandID string) (domain.Brand, error)
	// IncrementThreatCount must be a single atomic increment.
	IncrementThreatCount(ctx context.Context, brandID string) error
	MarkScanned(ctx context.Context, brandID string, at time.Time) error
}

type AccountRepository interface {
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
}

// QuotaUsage is the manual-scan counter of one user.
type QuotaUsage struct {
	Used        int
	PeriodStart time.Time
}

// QuotaRepository tracks rolling manual-scan quotas.
type QuotaRepository interface {
	// ConsumeManualScan resets the counter to 1 when the period has elapsed,
	// otherwise increments it if still under limit. The check and the write
	// are a single atomic update. allowed is false when the limit is reached;
	// usage always reflects the stored state after the call.
	ConsumeManualScan(ctx context.Context, userID string, limit int, period time.Duration, now time.Time) (usage QuotaUsage, allowed bool, err error)
	// RefundManualScan undoes one consumption, used when admission loses the
	// race at insert time.
	RefundManualScan(ctx context.Context, userID string) error
}

// MatchRepository stores at most one record per (brand, domain). A record
// is inserted unprocessed and marked processed once its escalation has
// been settled.
type MatchRepository interface {
	GetMatchRecord(ctx context.Context, brandID, domain string) (domain.MatchRecord, bool, error)
	// UpsertMatch inserts a record or, on conflict, raises the stored score
	// and type only if the new observation is stronger. It never changes
	// processed. created reports whether a new row was inserted.
	UpsertMatch(ctx context.Context, m domain.Match) (rec domain.MatchRecord, created bool, err error)
	// ListMatchRecords returns the brand's records ordered by domain.
	ListMatchRecords(ctx context.Context, brandID string) ([]domain.MatchRecord, error)
	// LinkThreat records the threat a match escalated to and marks it
	// processed.
	LinkThreat(ctx context.Context, matchID, threatID string) error
	// MarkProcessed settles a record that needs no threat.
	MarkProcessed(ctx context.Context, matchID string) error
	// RaiseScore lifts the stored score to at least score; never lowers it.
	RaiseScore(ctx context.Context, brandID, domain string, score int) error
}

// ThreatRepository stores at most one threat per (brand, source).
type ThreatRepository interface {
	FindThreat(ctx context.Context, brandID, source string) (domain.Threat, bool, error)
	// CreateThreat inserts unless a threat for (brand, source) exists;
	// created is false in that case and the existing threat is returned.
	CreateThreat(ctx context.Context, t domain.Threat) (threat domain.Threat, created bool, err error)
	ListThreats(ctx context.Context, brandID string) ([]domain.Threat, error)
}

// ScanRepository manages scan records, their jobs and the polling read
// model.
type ScanRepository interface {
	// CreateScanWithJob inserts a scan and its queued job only if the brand
	// has no job in queued or running. It returns domain.ErrAlreadyRunning
	// otherwise. Check and insert are atomic.
	CreateScanWithJob(ctx context.Context, scan domain.Scan, job domain.Job) (scanID, jobID string, err error)
	HasActiveJob(ctx context.Context, brandID string) (bool, error)
	GetScan(ctx context.Context, scanID string) (domain.Scan, error)
	// CancelScan moves a queued or running scan to cancelled. A queued job
	// is cancelled with it; a running job keeps running until its worker
	// observes the cancellation at the next step boundary, so the brand
	// cannot be re-queued underneath it. Any other status yields
	// domain.ErrNotCancellable.
	CancelScan(ctx context.Context, scanID string) error
}

// FeedWatermarks persists how far each feed has been consumed.
type FeedWatermarks interface {
	GetWatermark(ctx context.Context, feed string) (string, error)
	SetWatermark(ctx context.Context, feed, watermark string) error
}
