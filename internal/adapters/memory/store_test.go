package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

func TestConsumeManualScan(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	week := 7 * 24 * time.Hour

	u, ok, err := s.ConsumeManualScan(ctx, "u1", 2, week, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ports.QuotaUsage{Used: 1, PeriodStart: now}, u)

	_, ok, _ = s.ConsumeManualScan(ctx, "u1", 2, week, now.Add(time.Hour))
	assert.True(t, ok)
	u, ok, _ = s.ConsumeManualScan(ctx, "u1", 2, week, now.Add(2*time.Hour))
	assert.False(t, ok)
	assert.Equal(t, 2, u.Used)

	u, ok, _ = s.ConsumeManualScan(ctx, "u1", 2, week, now.Add(week))
	assert.True(t, ok, "a full period later the counter resets")
	assert.Equal(t, 1, u.Used)

	_, ok, _ = s.ConsumeManualScan(ctx, "u2", 0, week, now)
	assert.False(t, ok)
	assert.Zero(t, s.Quota("u2").Used)

	require.NoError(t, s.RefundManualScan(ctx, "u1"))
	assert.Zero(t, s.Quota("u1").Used)
}

func TestCreateScanWithJob_OneActivePerBrand(t *testing.T) {
	s := New()
	ctx := context.Background()
	scan := domain.Scan{BrandID: "b1", Type: domain.ScanFull}
	job := domain.Job{BrandID: "b1", Payload: domain.JobPayload{Version: domain.PayloadVersion}}

	scanID, _, err := s.CreateScanWithJob(ctx, scan, job)
	require.NoError(t, err)
	_, _, err = s.CreateScanWithJob(ctx, scan, job)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	_, _, err = s.CreateScanWithJob(ctx, domain.Scan{BrandID: "b2"}, domain.Job{BrandID: "b2"})
	require.NoError(t, err, "other brands are independent")

	claimed, found, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.MarkCompleted(ctx, claimed.ID))
	if claimed.ScanID != scanID {
		next, _, _ := s.ClaimNext(ctx)
		require.NoError(t, s.MarkCompleted(ctx, next.ID))
	}
	_, _, err = s.CreateScanWithJob(ctx, scan, job)
	assert.NoError(t, err, "a finished job frees the brand")
}

func TestClaimNext_PriorityThenAge(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	_, low, _ := s.CreateScanWithJob(ctx, domain.Scan{BrandID: "a"}, domain.Job{Priority: 0, ScheduledAt: base})
	_, high, _ := s.CreateScanWithJob(ctx, domain.Scan{BrandID: "b"}, domain.Job{Priority: 10, ScheduledAt: base.Add(time.Second)})
	_, older, _ := s.CreateScanWithJob(ctx, domain.Scan{BrandID: "c"}, domain.Job{Priority: 0, ScheduledAt: base.Add(-time.Second)})

	var order []string
	for {
		j, found, err := s.ClaimNext(ctx)
		require.NoError(t, err)
		if !found {
			break
		}
		assert.Equal(t, 1, j.Attempts)
		order = append(order, j.ID)
	}
	assert.Equal(t, []string{high, older, low}, order)
}

func TestCancelRunningScanIsFinal(t *testing.T) {
	s := New()
	ctx := context.Background()
	scanID, _, err := s.CreateScanWithJob(ctx, domain.Scan{BrandID: "b1"}, domain.Job{BrandID: "b1"})
	require.NoError(t, err)
	job, err := s.StartJobForScan(ctx, scanID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, scanID, domain.Progress{Step: domain.StepDomains, Overall: 30}))
	require.NoError(t, s.CancelScan(ctx, scanID))
	assert.ErrorIs(t, s.CancelScan(ctx, scanID), domain.ErrNotCancellable)

	_, _, err = s.CreateScanWithJob(ctx, domain.Scan{BrandID: "b1"}, domain.Job{BrandID: "b1"})
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning, "the worker still owns the brand until it observes the cancel")

	require.NoError(t, s.UpdateProgress(ctx, scanID, domain.Progress{Step: domain.StepWeb, Overall: 60}))
	require.NoError(t, s.IncrementRetry(ctx, scanID))
	require.NoError(t, s.MarkCompleted(ctx, job.ID))

	sc, _ := s.GetScan(ctx, scanID)
	assert.Equal(t, domain.StatusCancelled, sc.Status)
	assert.Equal(t, 30, sc.OverallProgress)
	assert.Equal(t, domain.StepDomains, sc.CurrentStep)
	assert.Zero(t, sc.RetryCount)

	active, _ := s.HasActiveJob(ctx, "b1")
	assert.False(t, active)
}

func TestUpdateProgress_NeverDecreases(t *testing.T) {
	s := New()
	ctx := context.Background()
	scanID, _, _ := s.CreateScanWithJob(ctx, domain.Scan{BrandID: "b1"}, domain.Job{BrandID: "b1"})
	_, err := s.StartJobForScan(ctx, scanID)
	require.NoError(t, err)

	for _, p := range []int{10, 40, 25, 40, 120} {
		require.NoError(t, s.UpdateProgress(ctx, scanID, domain.Progress{Overall: p}))
	}
	sc, _ := s.GetScan(ctx, scanID)
	assert.Equal(t, 100, sc.OverallProgress)
}

func TestUpsertMatch_UpgradeOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	m := domain.Match{BrandID: "b1", Domain: "acme.net", Type: domain.MatchTyposquat, Score: 80}
	rec, created, err := s.UpsertMatch(ctx, m)
	require.NoError(t, err)
	assert.True(t, created)

	m.Type, m.Score = domain.MatchKeywordCombo, 60
	rec2, created, _ := s.UpsertMatch(ctx, m)
	assert.False(t, created)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Equal(t, domain.MatchTyposquat, rec2.Type)
	assert.Equal(t, 80, rec2.Score)

	m.Type, m.Score = domain.MatchExact, 90
	rec3, _, _ := s.UpsertMatch(ctx, m)
	assert.Equal(t, domain.MatchExact, rec3.Type)
	assert.Equal(t, 90, rec3.Score)

	require.NoError(t, s.RaiseScore(ctx, "b1", "acme.net", 50))
	got, _, _ := s.GetMatchRecord(ctx, "b1", "acme.net")
	assert.Equal(t, 90, got.Score)
	assert.ErrorIs(t, s.RaiseScore(ctx, "b1", "other.net", 50), domain.ErrNotFound)
}
