// Package autoscan periodically asks the scheduler for an automated scan of
// every active brand. The scheduler decides which ones are due.
package autoscan

import (
	"context"
	"io"
	"log/slog"
	"time"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

type Loop struct {
	brands  ports.BrandRepository
	scanner ports.Scanner
	logger  *slog.Logger
}

func New(brands ports.BrandRepository, scanner ports.Scanner, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{brands: brands, scanner: scanner, logger: logger}
}

// Tick requests one automated scan per active brand and returns how many
// were queued. A failure for one brand does not stop the others.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	brands, err := l.brands.ListActiveBrands(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, b := range brands {
		if ctx.Err() != nil {
			return queued, ctx.Err()
		}
		scanID, _, err := l.scanner.RequestScan(ctx, b.ID, domain.ScanAutomated, domain.Requester{Trigger: domain.TriggerAutomated})
		if err != nil {
			if d, ok := domain.AsDenial(err); ok {
				l.logger.Debug("automated scan not admitted", "brand_id", b.ID, "reason", d.Reason)
				continue
			}
			l.logger.Warn("automated scan request failed", "brand_id", b.ID, "error", err)
			continue
		}
		l.logger.Debug("automated scan queued", "brand_id", b.ID, "scan_id", scanID)
		queued++
	}
	return queued, nil
}

// Run calls Tick every interval until ctx is done.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Tick(ctx)
			if err != nil && ctx.Err() == nil {
				l.logger.Error("autoscan tick failed", "error", err)
			} else if n > 0 {
				l.logger.Info("automated scans queued", "count", n)
			}
		}
	}
}
