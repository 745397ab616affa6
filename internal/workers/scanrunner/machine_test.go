package scanrunner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brandwatch/internal/adapters/memory"
	"brandwatch/internal/domain"
	"brandwatch/internal/matching"
	"brandwatch/internal/services/escalation"
)

type progressLog struct {
	*memory.Store
	mu   sync.Mutex
	seen []int
}

func (p *progressLog) UpdateProgress(ctx context.Context, scanID string, pr domain.Progress) error {
	err := p.Store.UpdateProgress(ctx, scanID, pr)
	sc, _ := p.Store.GetScan(ctx, scanID)
	p.mu.Lock()
	p.seen = append(p.seen, sc.OverallProgress)
	p.mu.Unlock()
	return err
}

type fakeResolver map[string]bool

func (f fakeResolver) Registered(ctx context.Context, d string) (bool, error) { return f[d], nil }

type fakeFetcher map[string]string

func (f fakeFetcher) Fetch(ctx context.Context, url string) (int, string, error) {
	body, ok := f[url]
	if !ok {
		return 404, "", nil
	}
	return 200, body, nil
}

type fakeEvidence map[string]float64

func (f fakeEvidence) Analyze(ctx context.Context, url string) (float64, error) { return f[url], nil }

type fakeSocial map[string]bool

func (f fakeSocial) Exists(ctx context.Context, platform, handle string) (bool, string, error) {
	if f[platform+"/"+handle] {
		return true, "https://" + platform + ".example/" + handle, nil
	}
	return false, "", nil
}

var fastRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}

func setup(t *testing.T, scanType domain.ScanType) (*progressLog, domain.Job) {
	t.Helper()
	store := memory.New()
	store.PutBrand(domain.Brand{
		ID:            "acme",
		OwnerID:       "owner",
		Name:          "Acme",
		Domain:        "acme.com",
		SocialHandles: map[string][]string{"twitter": {"@acme"}},
	})
	return &progressLog{Store: store}, queue(t, store, "acme", scanType)
}

func queue(t *testing.T, store *memory.Store, brandID string, scanType domain.ScanType) domain.Job {
	t.Helper()
	ctx := context.Background()
	scanID, _, err := store.CreateScanWithJob(ctx,
		domain.Scan{BrandID: brandID, Type: scanType},
		domain.Job{BrandID: brandID, Payload: domain.JobPayload{Version: domain.PayloadVersion}})
	require.NoError(t, err)
	job, err := store.StartJobForScan(ctx, scanID)
	require.NoError(t, err)
	return job
}

func scanOf(t *testing.T, store *memory.Store, job domain.Job) domain.Scan {
	t.Helper()
	sc, err := store.GetScan(context.Background(), job.ScanID)
	require.NoError(t, err)
	return sc
}

func assertMonotonic(t *testing.T, seen []int) {
	t.Helper()
	assert.True(t, sort.IntsAreSorted(seen), "progress went backwards: %v", seen)
}

func TestMachine_FullScan(t *testing.T) {
	log, job := setup(t, domain.ScanFull)
	store := log.Store
	decider := escalation.New(store, store, store, nil, 70, nil)
	scorer := matching.NewScorer(matching.DefaultParams())

	m := NewMachine(log, store, store,
		WithRetryPolicy(fastRetry),
		WithStep(domain.StepDomains, DomainsStep{
			Resolver:  fakeResolver{"acme.net": true, "acmee.com": true},
			Scorer:    scorer,
			Decider:   decider,
			ChunkSize: 10,
			Lookups:   4,
		}),
		WithStep(domain.StepWeb, WebStep{
			Fetcher:      fakeFetcher{"https://acme.net": "<title>Acme login</title>", "https://acmee.com": "parked"},
			Matches:      store,
			MentionBoost: 10,
		}),
		WithStep(domain.StepLogo, LogoStep{
			Evidence: fakeEvidence{"https://acmee.com": 0.95},
			Matches:  store,
		}),
		WithStep(domain.StepSocial, SocialStep{
			Checker:          fakeSocial{"twitter/acme": true, "twitter/acmesupport": true},
			Decider:          decider,
			DefaultPlatforms: []string{"twitter"},
		}),
		WithStep(domain.StepFinalizing, FinalizingStep{Brands: store}),
	)

	require.NoError(t, m.Execute(context.Background(), job))

	sc := scanOf(t, store, job)
	assert.Equal(t, domain.StatusCompleted, sc.Status)
	assert.Equal(t, 100, sc.OverallProgress)
	assert.Equal(t, domain.StepFinalizing, sc.CurrentStep)
	assert.Empty(t, sc.Error)
	assertMonotonic(t, log.seen)

	variations := matching.Variations("acme.com", nil, scorer.Params().RiskTerms, 0)
	assert.Equal(t, len(variations), sc.DomainsChecked)
	assert.Equal(t, 2, sc.PagesScanned)
	assert.Equal(t, 3, sc.ThreatsFound, "two domains and one social handle; the owned handle is skipped")

	recs := store.MatchRecords("acme")
	require.Len(t, recs, 2)
	assert.Equal(t, "acme.net", recs[0].Domain)
	assert.Equal(t, 100, recs[0].Score, "page mentions the brand")
	assert.Equal(t, "acmee.com", recs[1].Domain)
	assert.Equal(t, 95, recs[1].Score, "lifted to evidence confidence")

	threats, _ := store.ListThreats(context.Background(), "acme")
	assert.Len(t, threats, 3)
	social, ok, err := store.FindThreat(context.Background(), "acme", "https://twitter.example/acmesupport")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.ThreatTypeSocial, social.Type)
	require.NotNil(t, social.EvidenceRef)
	assert.Equal(t, "twitter:acmesupport", *social.EvidenceRef)
	b, _ := store.GetBrand(context.Background(), "acme")
	assert.Equal(t, 3, b.ThreatCount)
	assert.NotNil(t, b.LastScannedAt)
}

func TestMachine_SkippedStepsCountTowardProgress(t *testing.T) {
	log, job := setup(t, domain.ScanDomainOnly)
	var webRan atomic.Bool
	m := NewMachine(log, log.Store, log.Store,
		WithStep(domain.StepDomains, StepFunc(func(ctx context.Context, sc *StepContext) error {
			for i := 1; i <= 4; i++ {
				if err := sc.Progress(ctx, i, 4); err != nil {
					return err
				}
			}
			return nil
		})),
		WithStep(domain.StepWeb, StepFunc(func(ctx context.Context, sc *StepContext) error {
			webRan.Store(true)
			return nil
		})),
	)
	require.NoError(t, m.Execute(context.Background(), job))

	assert.False(t, webRan.Load())
	assert.Equal(t, []int{0, 10, 20, 30, 40, 40, 65, 85, 95, 100}, log.seen)
	assert.Equal(t, 100, scanOf(t, log.Store, job).OverallProgress)
}

func TestMachine_TransientErrorRetried(t *testing.T) {
	log, job := setup(t, domain.ScanQuick)
	calls := 0
	m := NewMachine(log, log.Store, log.Store,
		WithRetryPolicy(fastRetry),
		WithStep(domain.StepDomains, StepFunc(func(ctx context.Context, sc *StepContext) error {
			return sc.Do(ctx, func(ctx context.Context) error {
				calls++
				if calls == 1 {
					return domain.Transient(errors.New("rate limited"))
				}
				return nil
			})
		})),
	)
	require.NoError(t, m.Execute(context.Background(), job))
	sc := scanOf(t, log.Store, job)
	assert.Equal(t, domain.StatusCompleted, sc.Status)
	assert.Equal(t, 1, sc.RetryCount)
}

func TestMachine_RetryCapFailsWithLastError(t *testing.T) {
	log, job := setup(t, domain.ScanQuick)
	calls := 0
	m := NewMachine(log, log.Store, log.Store,
		WithRetryPolicy(fastRetry),
		WithStep(domain.StepDomains, StepFunc(func(ctx context.Context, sc *StepContext) error {
			return sc.Do(ctx, func(ctx context.Context) error {
				calls++
				return domain.Transient(errors.New("dns timeout"))
			})
		})),
	)
	err := m.Execute(context.Background(), job)
	require.Error(t, err)

	sc := scanOf(t, log.Store, job)
	assert.Equal(t, domain.StatusFailed, sc.Status)
	assert.Equal(t, "dns timeout", sc.Error)
	assert.Equal(t, 3, sc.RetryCount)
	assert.Equal(t, 4, calls)
	assert.NotNil(t, sc.FinishedAt)
}

func TestMachine_RetryBudgetIsSharedAcrossStepWork(t *testing.T) {
	log, job := setup(t, domain.ScanQuick)
	calls := make(map[int]int)
	m := NewMachine(log, log.Store, log.Store,
		WithRetryPolicy(fastRetry),
		WithStep(domain.StepDomains, StepFunc(func(ctx context.Context, sc *StepContext) error {
			// five lookups, each flaky twice before answering
			for unit := 0; unit < 5; unit++ {
				err := sc.Do(ctx, func(ctx context.Context) error {
					calls[unit]++
					if calls[unit] <= 2 {
						return domain.Transient(errors.New("resolver overloaded"))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})),
	)
	require.Error(t, m.Execute(context.Background(), job))

	sc := scanOf(t, log.Store, job)
	assert.Equal(t, domain.StatusFailed, sc.Status)
	assert.Equal(t, "resolver overloaded", sc.Error)
	assert.Equal(t, 3, sc.RetryCount)
	assert.Equal(t, 3, calls[0], "first lookup recovers after two retries")
	assert.Equal(t, 2, calls[1], "second lookup gets the last retry and fails")
	assert.Zero(t, calls[2])
}

func TestRetryPolicy_BudgetSpansCalls(t *testing.T) {
	p := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond}
	budget := p.NewBudget()
	flaky := func() func(context.Context) error {
		n := 0
		return func(context.Context) error {
			n++
			if n == 1 {
				return domain.Transient(errors.New("timeout"))
			}
			return nil
		}
	}
	var retried int
	onRetry := func(error) { retried++ }

	require.NoError(t, p.Do(context.Background(), budget, flaky(), onRetry))
	require.NoError(t, p.Do(context.Background(), budget, flaky(), onRetry))
	err := p.Do(context.Background(), budget, flaky(), onRetry)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, 2, retried)
	assert.Equal(t, uint64(2), budget.Used())

	// a nil budget is per call
	require.NoError(t, p.Do(context.Background(), nil, flaky(), nil))
}

func TestMachine_FatalErrorFailsImmediately(t *testing.T) {
	log, job := setup(t, domain.ScanFull)
	calls := 0
	finalized := false
	m := NewMachine(log, log.Store, log.Store,
		WithRetryPolicy(fastRetry),
		WithStep(domain.StepWeb, StepFunc(func(ctx context.Context, sc *StepContext) error {
			return sc.Do(ctx, func(ctx context.Context) error {
				calls++
				return errors.New("write match record: constraint violated")
			})
		})),
		WithStep(domain.StepFinalizing, StepFunc(func(ctx context.Context, sc *StepContext) error {
			finalized = true
			return nil
		})),
	)
	require.Error(t, m.Execute(context.Background(), job))

	sc := scanOf(t, log.Store, job)
	assert.Equal(t, domain.StatusFailed, sc.Status)
	assert.Equal(t, "write match record: constraint violated", sc.Error)
	assert.Equal(t, 1, calls)
	assert.Zero(t, sc.RetryCount)
	assert.False(t, finalized)
	assert.Equal(t, domain.StepWeb, sc.CurrentStep)
}

func TestMachine_CancelObservedAtStepBoundary(t *testing.T) {
	log, job := setup(t, domain.ScanFull)
	store := log.Store
	var laterRan atomic.Bool
	m := NewMachine(log, store, store,
		WithStep(domain.StepDomains, StepFunc(func(ctx context.Context, sc *StepContext) error {
			require.NoError(t, sc.Progress(ctx, 1, 2))
			require.NoError(t, store.CancelScan(ctx, sc.Scan.ID))
			// the worker keeps going until the boundary; its writes are ignored
			return sc.Progress(ctx, 2, 2)
		})),
		WithStep(domain.StepWeb, StepFunc(func(ctx context.Context, sc *StepContext) error {
			laterRan.Store(true)
			return nil
		})),
	)
	require.NoError(t, m.Execute(context.Background(), job))

	sc := scanOf(t, store, job)
	assert.Equal(t, domain.StatusCancelled, sc.Status)
	assert.Equal(t, 20, sc.OverallProgress)
	assert.False(t, laterRan.Load())
	active, _ := store.HasActiveJob(context.Background(), "acme")
	assert.False(t, active)

	require.NoError(t, store.MarkCompleted(context.Background(), job.ID))
	assert.Equal(t, domain.StatusCancelled, scanOf(t, store, job).Status, "terminal states are final")
}

func TestMachine_Timeout(t *testing.T) {
	log, job := setup(t, domain.ScanFull)
	m := NewMachine(log, log.Store, log.Store,
		WithTimeout(20*time.Millisecond),
		WithStep(domain.StepDomains, StepFunc(func(ctx context.Context, sc *StepContext) error {
			<-ctx.Done()
			return ctx.Err()
		})),
	)
	err := m.Execute(context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	sc := scanOf(t, log.Store, job)
	assert.Equal(t, domain.StatusFailed, sc.Status)
	assert.Contains(t, sc.Error, "TIMEOUT")
}

func TestMachine_InvalidPayloadIsFatal(t *testing.T) {
	log, job := setup(t, domain.ScanFull)
	job.Payload.Version = 99
	m := NewMachine(log, log.Store, log.Store)
	require.Error(t, m.Execute(context.Background(), job))
	sc := scanOf(t, log.Store, job)
	assert.Equal(t, domain.StatusFailed, sc.Status)
	assert.Contains(t, sc.Error, "unsupported version")
}

func TestDomainsStep_RequiresBrandDomain(t *testing.T) {
	store := memory.New()
	store.PutBrand(domain.Brand{ID: "nodomain", Name: "Nameonly"})
	job := queue(t, store, "nodomain", domain.ScanDomainOnly)
	m := NewMachine(store, store, store, WithStep(domain.StepDomains, DomainsStep{
		Resolver: fakeResolver{},
		Scorer:   matching.NewScorer(matching.DefaultParams()),
		Decider:  escalation.New(store, store, store, nil, 70, nil),
	}))
	require.Error(t, m.Execute(context.Background(), job))
	assert.Contains(t, scanOf(t, store, job).Error, "has no domain")
}

func TestRun_ProcessesQueuedJobs(t *testing.T) {
	store := memory.New()
	var scanIDs []string
	for _, id := range []string{"a", "b", "c"} {
		store.PutBrand(domain.Brand{ID: id, Name: id + "corp", Domain: id + "corp.com"})
		scanID, _, err := store.CreateScanWithJob(context.Background(),
			domain.Scan{BrandID: id, Type: domain.ScanFull},
			domain.Job{BrandID: id, Payload: domain.JobPayload{Version: domain.PayloadVersion}})
		require.NoError(t, err)
		scanIDs = append(scanIDs, scanID)
	}
	m := NewMachine(store, store, store, WithStep(domain.StepFinalizing, FinalizingStep{Brands: store}))

	ctx, cancel := context.WithCancel(context.Background())
	done := Run(ctx, store, m, 2, 5*time.Millisecond, nil)

	assert.Eventually(t, func() bool {
		for _, id := range scanIDs {
			st, _ := store.ScanStatus(context.Background(), id)
			if st != domain.StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestProcessInline(t *testing.T) {
	store := memory.New()
	store.PutBrand(domain.Brand{ID: "acme", Name: "Acme", Domain: "acme.com"})
	scanID, _, err := store.CreateScanWithJob(context.Background(),
		domain.Scan{BrandID: "acme", Type: domain.ScanQuick},
		domain.Job{BrandID: "acme", Payload: domain.JobPayload{Version: domain.PayloadVersion}})
	require.NoError(t, err)

	m := NewMachine(store, store, store)
	require.NoError(t, ProcessInline(context.Background(), store, m, scanID))
	st, _ := store.ScanStatus(context.Background(), scanID)
	assert.Equal(t, domain.StatusCompleted, st)

	assert.ErrorIs(t, ProcessInline(context.Background(), store, m, scanID), domain.ErrNotFound)
}

func TestLookalikeHandles(t *testing.T) {
	hs := LookalikeHandles(domain.Brand{Name: "Acme Corp"})
	assert.Contains(t, hs, "acmecorp")
	assert.Contains(t, hs, "acmecorpofficial")
	assert.Contains(t, hs, "acmecorp_support")
	assert.Contains(t, hs, "realacmecorp")

	assert.Equal(t, "acme", LookalikeHandles(domain.Brand{Domain: "acme.com"})[0])
	assert.Nil(t, LookalikeHandles(domain.Brand{}))
}
