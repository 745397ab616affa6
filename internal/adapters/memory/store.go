// Package memory is an in-process implementation of every repository port.
// A single mutex serializes writes, which gives the same atomicity the
// Postgres adapter gets from constraints and conditional updates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

type Store struct {
	mu sync.RWMutex

	brands     map[string]domain.Brand
	accounts   map[string]domain.Account
	quotas     map[string]ports.QuotaUsage
	matches    map[domain.MatchKey]domain.MatchRecord
	threats    map[string]domain.Threat // id -> threat
	scans      map[string]domain.Scan
	jobs       map[string]domain.Job
	watermarks map[string]string

	now func() time.Time
}

var (
	_ ports.BrandRepository   = (*Store)(nil)
	_ ports.AccountRepository = (*Store)(nil)
	_ ports.QuotaRepository   = (*Store)(nil)
	_ ports.MatchRepository   = (*Store)(nil)
	_ ports.ThreatRepository  = (*Store)(nil)
	_ ports.ScanRepository    = (*Store)(nil)
	_ ports.JobRepository     = (*Store)(nil)
	_ ports.FeedWatermarks    = (*Store)(nil)
)

func New() *Store {
	return &Store{
		brands:     make(map[string]domain.Brand),
		accounts:   make(map[string]domain.Account),
		quotas:     make(map[string]ports.QuotaUsage),
		matches:    make(map[domain.MatchKey]domain.MatchRecord),
		threats:    make(map[string]domain.Threat),
		scans:      make(map[string]domain.Scan),
		jobs:       make(map[string]domain.Job),
		watermarks: make(map[string]string),
		now:        time.Now,
	}
}

// SetClock replaces the store's clock; tests use it to pin timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// PutBrand inserts or replaces a brand; the domain is normalized on write.
func (s *Store) PutBrand(b domain.Brand) domain.Brand {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = domain.BrandActive
	}
	b.Domain = domain.NormalizeDomain(b.Domain)
	s.brands[b.ID] = b
	return b
}

func (s *Store) PutAccount(a domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// SetQuota seeds a user's manual-scan counter.
func (s *Store) SetQuota(userID string, u ports.QuotaUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[userID] = u
}

func (s *Store) Quota(userID string) ports.QuotaUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotas[userID]
}

// Brands

func (s *Store) ListActiveBrands(ctx context.Context) ([]domain.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Brand
	for _, b := range s.brands {
		if b.Status == domain.BrandActive {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetBrand(ctx context.Context, brandID string) (domain.Brand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.brands[brandID]
	if !ok {
		return domain.Brand{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *Store) IncrementThreatCount(ctx context.Context, brandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.brands[brandID]
	if !ok {
		return domain.ErrNotFound
	}
	b.ThreatCount++
	s.brands[brandID] = b
	return nil
}

func (s *Store) MarkScanned(ctx context.Context, brandID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.brands[brandID]
	if !ok {
		return domain.ErrNotFound
	}
	b.LastScannedAt = &at
	s.brands[brandID] = b
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return a, nil
}

// Quotas

func (s *Store) ConsumeManualScan(ctx context.Context, userID string, limit int, period time.Duration, now time.Time) (ports.QuotaUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.quotas[userID]
	if limit <= 0 {
		return u, false, nil
	}
	if !ok || !now.Before(u.PeriodStart.Add(period)) {
		u = ports.QuotaUsage{Used: 1, PeriodStart: now}
		s.quotas[userID] = u
		return u, true, nil
	}
	if u.Used >= limit {
		return u, false, nil
	}
	u.Used++
	s.quotas[userID] = u
	return u, true, nil
}

func (s *Store) RefundManualScan(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.quotas[userID]; ok && u.Used > 0 {
		u.Used--
		s.quotas[userID] = u
	}
	return nil
}

// Watermarks

func (s *Store) GetWatermark(ctx context.Context, feed string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[feed], nil
}

func (s *Store) SetWatermark(ctx context.Context, feed, watermark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[feed] = watermark
	return nil
}
