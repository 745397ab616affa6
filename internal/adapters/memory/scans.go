package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"brandwatch/internal/domain"
)

// Matches

func (s *Store) GetMatchRecord(ctx context.Context, brandID, d string) (domain.MatchRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.matches[domain.MatchKey{BrandID: brandID, Domain: d}]
	return rec, ok, nil
}

func (s *Store) UpsertMatch(ctx context.Context, m domain.Match) (domain.MatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	k := m.Key()
	if rec, ok := s.matches[k]; ok {
		if m.Type.Priority() > rec.Type.Priority() {
			rec.Type, rec.MatchedKeyword = m.Type, m.MatchedKeyword
		}
		if m.Score > rec.Score {
			rec.Score = m.Score
		}
		rec.UpdatedAt = now
		s.matches[k] = rec
		return rec, false, nil
	}
	rec := domain.MatchRecord{
		ID:             uuid.NewString(),
		BrandID:        m.BrandID,
		Domain:         m.Domain,
		Type:           m.Type,
		MatchedKeyword: m.MatchedKeyword,
		Score:          m.Score,
		DiscoveredAt:   m.DiscoveredAt,
		UpdatedAt:      now,
	}
	s.matches[k] = rec
	return rec, true, nil
}

func (s *Store) LinkThreat(ctx context.Context, matchID, threatID string) error {
	return s.updateMatch(matchID, func(rec *domain.MatchRecord) {
		id := threatID
		rec.ThreatID = &id
		rec.Processed = true
	})
}

func (s *Store) MarkProcessed(ctx context.Context, matchID string) error {
	return s.updateMatch(matchID, func(rec *domain.MatchRecord) { rec.Processed = true })
}

func (s *Store) updateMatch(matchID string, fn func(*domain.MatchRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.matches {
		if rec.ID == matchID {
			fn(&rec)
			rec.UpdatedAt = s.now().UTC()
			s.matches[k] = rec
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *Store) RaiseScore(ctx context.Context, brandID, d string, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := domain.MatchKey{BrandID: brandID, Domain: d}
	rec, ok := s.matches[k]
	if !ok {
		return domain.ErrNotFound
	}
	if score > rec.Score {
		rec.Score = score
		rec.UpdatedAt = s.now().UTC()
		s.matches[k] = rec
	}
	return nil
}

func (s *Store) ListMatchRecords(ctx context.Context, brandID string) ([]domain.MatchRecord, error) {
	return s.MatchRecords(brandID), nil
}

// MatchRecords lists stored records for a brand sorted by domain.
func (s *Store) MatchRecords(brandID string) []domain.MatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.MatchRecord
	for _, rec := range s.matches {
		if rec.BrandID == brandID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Threats

func (s *Store) FindThreat(ctx context.Context, brandID, source string) (domain.Threat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.findThreat(brandID, source)
	return t, ok, nil
}

func (s *Store) findThreat(brandID, source string) (domain.Threat, bool) {
	for _, t := range s.threats {
		if t.BrandID == brandID && t.Source == source {
			return t, true
		}
	}
	return domain.Threat{}, false
}

func (s *Store) CreateThreat(ctx context.Context, t domain.Threat) (domain.Threat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.findThreat(t.BrandID, t.Source); ok {
		return existing, false, nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.ThreatNew
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = s.now().UTC()
	}
	s.threats[t.ID] = t
	return t, true, nil
}

func (s *Store) ListThreats(ctx context.Context, brandID string) ([]domain.Threat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Threat
	for _, t := range s.threats {
		if t.BrandID == brandID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

// Scans

func (s *Store) activeJob(brandID string) (domain.Job, bool) {
	for _, j := range s.jobs {
		if j.BrandID == brandID && j.Status.Active() {
			return j, true
		}
	}
	return domain.Job{}, false
}

func (s *Store) CreateScanWithJob(ctx context.Context, scan domain.Scan, job domain.Job) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeJob(scan.BrandID); ok {
		return "", "", domain.ErrAlreadyRunning
	}
	now := s.now().UTC()
	scan.ID = uuid.NewString()
	scan.Status = domain.StatusQueued
	scan.CreatedAt = now
	s.scans[scan.ID] = scan

	job.ID = uuid.NewString()
	job.ScanID = scan.ID
	job.BrandID = scan.BrandID
	job.Status = domain.StatusQueued
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	s.jobs[job.ID] = job
	return scan.ID, job.ID, nil
}

func (s *Store) HasActiveJob(ctx context.Context, brandID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.activeJob(brandID)
	return ok, nil
}

func (s *Store) GetScan(ctx context.Context, scanID string) (domain.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return domain.Scan{}, domain.ErrNotFound
	}
	return sc, nil
}

func (s *Store) CancelScan(ctx context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return domain.ErrNotFound
	}
	if !sc.Status.Active() {
		return domain.ErrNotCancellable
	}
	now := s.now().UTC()
	sc.Status = domain.StatusCancelled
	sc.FinishedAt = &now
	s.scans[scanID] = sc
	for id, j := range s.jobs {
		if j.ScanID == scanID && j.Status == domain.StatusQueued {
			j.Status = domain.StatusCancelled
			s.jobs[id] = j
		}
	}
	return nil
}

// Jobs

func (s *Store) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var queued []domain.Job
	for _, j := range s.jobs {
		if j.Status == domain.StatusQueued && !j.ScheduledAt.After(now) {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return domain.Job{}, false, nil
	}
	sort.Slice(queued, func(a, b int) bool {
		if queued[a].Priority != queued[b].Priority {
			return queued[a].Priority > queued[b].Priority
		}
		return queued[a].ScheduledAt.Before(queued[b].ScheduledAt)
	})
	j := s.start(queued[0], now)
	return j, true, nil
}

func (s *Store) start(j domain.Job, now time.Time) domain.Job {
	j.Status = domain.StatusRunning
	j.Attempts++
	s.jobs[j.ID] = j
	sc := s.scans[j.ScanID]
	sc.Status = domain.StatusRunning
	if sc.StartedAt == nil {
		sc.StartedAt = &now
	}
	s.scans[j.ScanID] = sc
	return j
}

func (s *Store) StartJobForScan(ctx context.Context, scanID string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ScanID == scanID && j.Status == domain.StatusQueued {
			return s.start(j, s.now().UTC()), nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (s *Store) UpdateProgress(ctx context.Context, scanID string, p domain.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return domain.ErrNotFound
	}
	if sc.Status != domain.StatusRunning {
		return nil
	}
	sc.CurrentStep = p.Step
	sc.StepProgress = p.StepProgress
	sc.StepTotal = p.StepTotal
	if p.Overall > sc.OverallProgress {
		sc.OverallProgress = min(p.Overall, 100)
	}
	s.scans[scanID] = sc
	return nil
}

func (s *Store) AddCounters(ctx context.Context, scanID string, c domain.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return domain.ErrNotFound
	}
	sc.DomainsChecked += c.DomainsChecked
	sc.PagesScanned += c.PagesScanned
	sc.ThreatsFound += c.ThreatsFound
	s.scans[scanID] = sc
	return nil
}

func (s *Store) IncrementRetry(ctx context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return domain.ErrNotFound
	}
	if sc.Status == domain.StatusRunning {
		sc.RetryCount++
		s.scans[scanID] = sc
	}
	return nil
}

func (s *Store) ScanStatus(ctx context.Context, scanID string) (domain.ScanStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[scanID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return sc.Status, nil
}

// finish moves a running job and its scan to a terminal status. A scan that
// already left running (cancelled) keeps its status.
func (s *Store) finish(jobID string, status domain.ScanStatus, reason string) error {
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	s.jobs[jobID] = j
	sc := s.scans[j.ScanID]
	if sc.Status != domain.StatusRunning {
		return nil
	}
	now := s.now().UTC()
	sc.Status = status
	sc.FinishedAt = &now
	if status == domain.StatusCompleted {
		sc.OverallProgress = 100
		sc.CurrentStep = domain.StepFinalizing
	}
	if status == domain.StatusFailed {
		sc.Error = reason
	}
	s.scans[j.ScanID] = sc
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish(jobID, domain.StatusCompleted, "")
}

func (s *Store) MarkFailed(ctx context.Context, jobID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish(jobID, domain.StatusFailed, reason)
}

func (s *Store) MarkCancelled(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if !j.Status.Terminal() {
		j.Status = domain.StatusCancelled
		s.jobs[jobID] = j
	}
	return nil
}
