//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"brandwatch/internal/domain"
	"brandwatch/internal/services/escalation"
)

func startPostgres(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "brandwatch",
			"POSTGRES_PASSWORD": "brandwatch",
			"POSTGRES_DB":       "brandwatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	url := fmt.Sprintf("postgres://brandwatch:brandwatch@%s:%s/brandwatch?sslmode=disable", host, port.Port())

	require.NoError(t, Migrate(ctx, url))
	db, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func seedBrand(t *testing.T, db *DB, name, d string) string {
	t.Helper()
	ctx := context.Background()
	_, err := db.Pool.Exec(ctx, `INSERT INTO accounts (id, tier) VALUES ('owner', 'pro') ON CONFLICT DO NOTHING`)
	require.NoError(t, err)
	var id string
	require.NoError(t, db.Pool.QueryRow(ctx, `
		INSERT INTO brands (owner_id, name, domain, keywords, social_handles)
		VALUES ('owner', $1, $2, $3, '{"twitter":["@acme"]}')
		RETURNING id
	`, name, d, []string{"acmepay"}).Scan(&id))
	return id
}

func newScan(brandID string) (domain.Scan, domain.Job) {
	return domain.Scan{BrandID: brandID, Type: domain.ScanFull, RequestedBy: "owner"},
		domain.Job{BrandID: brandID, Priority: 10, Payload: domain.JobPayload{Version: domain.PayloadVersion}}
}

func TestPostgres(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	t.Run("brands", func(t *testing.T) {
		id := seedBrand(t, db, "Brands", "brands.com")
		b, err := db.GetBrand(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{"acmepay"}, b.Keywords)
		assert.Equal(t, []string{"@acme"}, b.SocialHandles["twitter"])
		assert.Equal(t, domain.BrandActive, b.Status)

		require.NoError(t, db.IncrementThreatCount(ctx, id))
		require.NoError(t, db.IncrementThreatCount(ctx, id))
		b, _ = db.GetBrand(ctx, id)
		assert.Equal(t, 2, b.ThreatCount)

		_, err = db.GetBrand(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("one active job per brand", func(t *testing.T) {
		id := seedBrand(t, db, "Exclusive", "exclusive.com")
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			ok, dup int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				scan, job := newScan(id)
				_, _, err := db.CreateScanWithJob(ctx, scan, job)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, domain.ErrAlreadyRunning):
					dup++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, 9, dup)
	})

	t.Run("job lifecycle and cancellation", func(t *testing.T) {
		id := seedBrand(t, db, "Lifecycle", "lifecycle.com")
		scan, job := newScan(id)
		scanID, _, err := db.CreateScanWithJob(ctx, scan, job)
		require.NoError(t, err)

		j, err := db.StartJobForScan(ctx, scanID)
		require.NoError(t, err)
		assert.Equal(t, 1, j.Attempts)
		assert.Equal(t, domain.PayloadVersion, j.Payload.Version)

		require.NoError(t, db.UpdateProgress(ctx, scanID, domain.Progress{Step: domain.StepDomains, StepProgress: 5, StepTotal: 10, Overall: 20}))
		require.NoError(t, db.UpdateProgress(ctx, scanID, domain.Progress{Step: domain.StepDomains, Overall: 10}))
		require.NoError(t, db.AddCounters(ctx, scanID, domain.Counters{DomainsChecked: 7, ThreatsFound: 1}))
		require.NoError(t, db.IncrementRetry(ctx, scanID))

		sc, err := db.GetScan(ctx, scanID)
		require.NoError(t, err)
		assert.Equal(t, 20, sc.OverallProgress)
		assert.Equal(t, 7, sc.DomainsChecked)
		assert.Equal(t, 1, sc.RetryCount)

		require.NoError(t, db.CancelScan(ctx, scanID))
		assert.ErrorIs(t, db.CancelScan(ctx, scanID), domain.ErrNotCancellable)
		assert.ErrorIs(t, db.CancelScan(ctx, "missing"), domain.ErrNotFound)

		active, _ := db.HasActiveJob(ctx, id)
		assert.True(t, active, "running job stays until the worker observes the cancel")

		require.NoError(t, db.MarkCompleted(ctx, j.ID))
		sc, _ = db.GetScan(ctx, scanID)
		assert.Equal(t, domain.StatusCancelled, sc.Status)
		assert.Equal(t, 20, sc.OverallProgress)
		active, _ = db.HasActiveJob(ctx, id)
		assert.False(t, active)
	})

	t.Run("claim order and failure", func(t *testing.T) {
		low := seedBrand(t, db, "Low", "low.com")
		high := seedBrand(t, db, "High", "high.com")
		scan, job := newScan(low)
		job.Priority = 0
		_, _, err := db.CreateScanWithJob(ctx, scan, job)
		require.NoError(t, err)
		scan, job = newScan(high)
		job.Priority = 20 // ahead of jobs queued by earlier subtests
		highScan, _, err := db.CreateScanWithJob(ctx, scan, job)
		require.NoError(t, err)

		j, found, err := db.ClaimNext(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, highScan, j.ScanID)

		require.NoError(t, db.MarkFailed(ctx, j.ID, "dns timeout"))
		sc, _ := db.GetScan(ctx, highScan)
		assert.Equal(t, domain.StatusFailed, sc.Status)
		assert.Equal(t, "dns timeout", sc.Error)
	})

	t.Run("manual quota", func(t *testing.T) {
		now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		week := 7 * 24 * time.Hour
		_, err := db.Pool.Exec(ctx, `INSERT INTO manual_scan_quotas (user_id, used, period_start) VALUES ('q', 5, $1)`, now.Add(-8*24*time.Hour))
		require.NoError(t, err)

		u, allowed, err := db.ConsumeManualScan(ctx, "q", 5, week, now)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 1, u.Used)
		assert.True(t, u.PeriodStart.Equal(now))

		for i := 0; i < 4; i++ {
			_, allowed, err = db.ConsumeManualScan(ctx, "q", 5, week, now.Add(time.Hour))
			require.NoError(t, err)
			require.True(t, allowed)
		}
		u, allowed, err = db.ConsumeManualScan(ctx, "q", 5, week, now.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, 5, u.Used)

		require.NoError(t, db.RefundManualScan(ctx, "q"))
		_, allowed, _ = db.ConsumeManualScan(ctx, "q", 5, week, now.Add(time.Hour))
		assert.True(t, allowed)
	})

	t.Run("escalation is idempotent", func(t *testing.T) {
		id := seedBrand(t, db, "Acme", "acme.com")
		d := escalation.New(db, db, db, nil, 70, nil)
		m := domain.Match{BrandID: id, Domain: "acme.net", Type: domain.MatchExact, Score: 90, DiscoveredAt: time.Now()}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := d.Apply(ctx, m)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		threats, err := db.ListThreats(ctx, id)
		require.NoError(t, err)
		require.Len(t, threats, 1)
		assert.Equal(t, domain.SeverityHigh, threats[0].Severity)
		b, _ := db.GetBrand(ctx, id)
		assert.Equal(t, 1, b.ThreatCount)

		rec, found, err := db.GetMatchRecord(ctx, id, "acme.net")
		require.NoError(t, err)
		require.True(t, found)
		require.NotNil(t, rec.ThreatID)
		assert.Equal(t, threats[0].ID, *rec.ThreatID)

		m.Type, m.Score = domain.MatchKeywordCombo, 50
		rec, created, err := db.UpsertMatch(ctx, m)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, domain.MatchExact, rec.Type)
		assert.Equal(t, 90, rec.Score)
	})

	t.Run("cancel races claim", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			id := seedBrand(t, db, fmt.Sprintf("Race%d", i), fmt.Sprintf("race%d.com", i))
			scan, job := newScan(id)
			job.Priority = 100 // ahead of anything left by earlier subtests
			scanID, _, err := db.CreateScanWithJob(ctx, scan, job)
			require.NoError(t, err)

			var wg sync.WaitGroup
			var cancelErr, claimErr error
			var claimed domain.Job
			var found bool
			wg.Add(2)
			go func() {
				defer wg.Done()
				cancelErr = db.CancelScan(ctx, scanID)
			}()
			go func() {
				defer wg.Done()
				claimed, found, claimErr = db.ClaimNext(ctx)
			}()
			wg.Wait()

			require.NoError(t, cancelErr, "round %d", i)
			require.NoError(t, claimErr, "round %d", i)
			sc, err := db.GetScan(ctx, scanID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCancelled, sc.Status)
			if found && claimed.ScanID == scanID {
				// claimed first; the worker finishes it as cancelled
				require.NoError(t, db.MarkCancelled(ctx, claimed.ID))
			} else if found {
				require.NoError(t, db.MarkFailed(ctx, claimed.ID, "drained"))
			}
			active, err := db.HasActiveJob(ctx, id)
			require.NoError(t, err)
			assert.False(t, active, "round %d", i)
		}
	})

	t.Run("threat evidence is optional", func(t *testing.T) {
		id := seedBrand(t, db, "Evidence", "evidence.com")
		d := escalation.New(db, db, db, nil, 70, nil)

		out, err := d.Apply(ctx, domain.Match{BrandID: id, Domain: "evidence.net", Type: domain.MatchExact, Score: 95, DiscoveredAt: time.Now()})
		require.NoError(t, err)
		require.Equal(t, escalation.ActionCreateThreat, out.Action)
		got, ok, err := db.FindThreat(ctx, id, "evidence.net")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, got.EvidenceRef)

		ref := "twitter:evidencesupport"
		_, created, err := d.CreateThreat(ctx, domain.Threat{BrandID: id, Type: domain.ThreatTypeSocial, Severity: domain.SeverityMedium, Source: "https://x.com/evidencesupport", EvidenceRef: &ref})
		require.NoError(t, err)
		require.True(t, created)
		got, _, _ = db.FindThreat(ctx, id, "https://x.com/evidencesupport")
		require.NotNil(t, got.EvidenceRef)
		assert.Equal(t, ref, *got.EvidenceRef)
	})

	t.Run("processed tracks escalation", func(t *testing.T) {
		id := seedBrand(t, db, "Settle", "settle.com")
		m := domain.Match{BrandID: id, Domain: "settle.net", Type: domain.MatchExact, Score: 90, DiscoveredAt: time.Now()}
		rec, created, err := db.UpsertMatch(ctx, m)
		require.NoError(t, err)
		require.True(t, created)
		assert.False(t, rec.Processed)

		// an escalation that stopped after the upsert is resumed
		d := escalation.New(db, db, db, nil, 70, nil)
		out, err := d.Apply(ctx, m)
		require.NoError(t, err)
		assert.Equal(t, escalation.ActionCreateThreat, out.Action)
		rec, _, _ = db.GetMatchRecord(ctx, id, "settle.net")
		assert.True(t, rec.Processed)
		require.NotNil(t, rec.ThreatID)
		b, _ := db.GetBrand(ctx, id)
		assert.Equal(t, 1, b.ThreatCount)
	})

	t.Run("watermarks", func(t *testing.T) {
		wm, err := db.GetWatermark(ctx, "nrd")
		require.NoError(t, err)
		assert.Empty(t, wm)
		require.NoError(t, db.SetWatermark(ctx, "nrd", "2026-02-01"))
		require.NoError(t, db.SetWatermark(ctx, "nrd", "2026-02-02"))
		wm, _ = db.GetWatermark(ctx, "nrd")
		assert.Equal(t, "2026-02-02", wm)
	})
}
