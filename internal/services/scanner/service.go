// Package scanner admits scan requests against tier policy and quotas and
// exposes the scan read model.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"brandwatch/internal/config"
	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

const (
	PriorityManual    = 10
	PriorityAutomated = 0

	// SystemRequester is recorded as requested_by for automated scans.
	SystemRequester = "system"
)

var ErrInvalidScanType = errors.New("invalid scan type")

type Service struct {
	brands   ports.BrandRepository
	accounts ports.AccountRepository
	quotas   ports.QuotaRepository
	scans    ports.ScanRepository
	policy   config.Policy
	now      func() time.Time
	logger   *slog.Logger
}

var _ ports.Scanner = (*Service)(nil)

func New(brands ports.BrandRepository, accounts ports.AccountRepository, quotas ports.QuotaRepository, scans ports.ScanRepository, policy config.Policy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		brands:   brands,
		accounts: accounts,
		quotas:   quotas,
		scans:    scans,
		policy:   policy,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock replaces the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RequestScan runs the admission checks in order and queues a scan. Policy
// rejections are returned as *domain.Denial.
func (s *Service) RequestScan(ctx context.Context, brandID string, scanType domain.ScanType, by domain.Requester) (string, string, error) {
	if !scanType.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidScanType, scanType)
	}
	if by.Trigger == "" {
		by.Trigger = domain.TriggerManual
	}
	brand, err := s.brands.GetBrand(ctx, brandID)
	if err != nil {
		return "", "", fmt.Errorf("get brand: %w", err)
	}
	account, err := s.accounts.GetAccount(ctx, brand.OwnerID)
	if err != nil {
		return "", "", fmt.Errorf("get account: %w", err)
	}

	tier, ok := s.policy.Tier(account.Tier)
	if !ok || !tier.Scanning {
		return "", "", &domain.Denial{Reason: domain.DenyTierIneligible, Tier: account.Tier}
	}

	active, err := s.scans.HasActiveJob(ctx, brand.ID)
	if err != nil {
		return "", "", fmt.Errorf("check active job: %w", err)
	}
	if active {
		return "", "", &domain.Denial{Reason: domain.DenyAlreadyRunning, Tier: account.Tier}
	}

	now := s.now().UTC()
	if by.Trigger == domain.TriggerAutomated && tier.ScanFrequency > 0 && brand.LastScannedAt != nil {
		eligible := brand.LastScannedAt.Add(tier.ScanFrequency)
		if now.Before(eligible) {
			return "", "", &domain.Denial{Reason: domain.DenyNotDue, Tier: account.Tier, EligibleAt: eligible}
		}
	}

	consumed := false
	if by.Trigger == domain.TriggerManual && by.Role != domain.RoleAdmin {
		usage, allowed, err := s.quotas.ConsumeManualScan(ctx, by.UserID, tier.ManualScanLimit, s.policy.QuotaPeriod, now)
		if err != nil {
			return "", "", fmt.Errorf("consume manual quota: %w", err)
		}
		if !allowed {
			return "", "", &domain.Denial{
				Reason:   domain.DenyQuotaExceeded,
				Tier:     account.Tier,
				Limit:    tier.ManualScanLimit,
				Used:     usage.Used,
				ResetsAt: usage.PeriodStart.Add(s.policy.QuotaPeriod),
			}
		}
		consumed = true
	}

	payload := payloadFor(tier, scanType)
	if err := payload.Validate(); err != nil {
		s.refund(ctx, consumed, by.UserID)
		return "", "", err
	}

	requestedBy, priority := by.UserID, PriorityManual
	if by.Trigger == domain.TriggerAutomated {
		requestedBy, priority = SystemRequester, PriorityAutomated
	}
	scanID, jobID, err := s.scans.CreateScanWithJob(ctx,
		domain.Scan{BrandID: brand.ID, Type: scanType, RequestedBy: requestedBy},
		domain.Job{BrandID: brand.ID, Priority: priority, ScheduledAt: now, Payload: payload},
	)
	if err != nil {
		s.refund(ctx, consumed, by.UserID)
		if errors.Is(err, domain.ErrAlreadyRunning) {
			return "", "", &domain.Denial{Reason: domain.DenyAlreadyRunning, Tier: account.Tier}
		}
		return "", "", fmt.Errorf("create scan: %w", err)
	}
	s.logger.Info("scan queued",
		"scan_id", scanID, "job_id", jobID, "brand_id", brand.ID, "type", scanType, "trigger", by.Trigger)
	return scanID, jobID, nil
}

func (s *Service) refund(ctx context.Context, consumed bool, userID string) {
	if !consumed {
		return
	}
	if err := s.quotas.RefundManualScan(ctx, userID); err != nil {
		s.logger.Warn("manual quota refund failed", "user_id", userID, "error", err)
	}
}

// payloadFor derives job limits from the tier. Quick scans get half the
// variation budget.
func payloadFor(tier config.Tier, scanType domain.ScanType) domain.JobPayload {
	p := domain.JobPayload{Version: domain.PayloadVersion}
	if tier.VariationLimit > 0 {
		limit := tier.VariationLimit
		if scanType == domain.ScanQuick {
			limit = max(limit/2, 1)
		}
		p.VariationLimit = &limit
	}
	if len(tier.Platforms) > 0 {
		p.Platforms = append([]string(nil), tier.Platforms...)
	}
	return p
}

func (s *Service) CancelScan(ctx context.Context, scanID string) error {
	if err := s.scans.CancelScan(ctx, scanID); err != nil {
		return err
	}
	s.logger.Info("scan cancelled", "scan_id", scanID)
	return nil
}

// Status is the polling read model. It has no side effects.
func (s *Service) Status(ctx context.Context, scanID string) (domain.Scan, error) {
	return s.scans.GetScan(ctx, scanID)
}
