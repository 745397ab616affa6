package scanrunner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"brandwatch/internal/domain"
	"brandwatch/internal/matching"
	"brandwatch/internal/ports"
	"brandwatch/internal/services/escalation"
)

// DomainsStep generates lookalike registrations of the brand domain, keeps
// the ones that resolve and runs them through the matching pipeline.
type DomainsStep struct {
	Resolver     ports.Resolver
	Scorer       *matching.Scorer
	Decider      *escalation.Decider
	DefaultLimit int // used when the job payload carries none
	ChunkSize    int
	Lookups      int // concurrent resolver calls per chunk
}

func (s DomainsStep) Run(ctx context.Context, sc *StepContext) error {
	if domain.NormalizeDomain(sc.Brand.Domain) == "" {
		return fmt.Errorf("brand %s has no domain", sc.Brand.ID)
	}
	limit := s.DefaultLimit
	if sc.Job.Payload.VariationLimit != nil {
		limit = *sc.Job.Payload.VariationLimit
	}
	params := s.Scorer.Params()
	variations := matching.Variations(sc.Brand.Domain, sc.Brand.Keywords, params.RiskTerms, limit)
	idx := matching.BuildIndex([]domain.Brand{sc.Brand}, params)

	chunk := max(s.ChunkSize, 1)
	total := len(variations)
	if err := sc.Progress(ctx, 0, total); err != nil {
		return err
	}
	for start := 0; start < total; start += chunk {
		batch := variations[start:min(start+chunk, total)]
		live, err := s.resolve(ctx, sc, batch)
		if err != nil {
			return err
		}
		var found []domain.Match
		for _, d := range live {
			found = append(found, s.Scorer.ScoreIndexed(d, idx)...)
		}
		threats := 0
		for _, m := range matching.Dedupe(found) {
			out, err := s.Decider.Apply(ctx, m)
			if err != nil {
				return err
			}
			if out.Action == escalation.ActionCreateThreat {
				threats++
			}
		}
		if err := sc.Count(ctx, domain.Counters{DomainsChecked: len(batch), ThreatsFound: threats}); err != nil {
			return err
		}
		if err := sc.Progress(ctx, start+len(batch), total); err != nil {
			return err
		}
	}
	return nil
}

// resolve returns the registered domains of batch in input order.
func (s DomainsStep) resolve(ctx context.Context, sc *StepContext, batch []string) ([]string, error) {
	registered := make([]bool, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.Lookups, 1))
	for i, d := range batch {
		i, d := i, d
		g.Go(func() error {
			return sc.Do(gctx, func(ctx context.Context) error {
				ok, err := s.Resolver.Registered(ctx, d)
				if err != nil {
					return err
				}
				registered[i] = ok
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var live []string
	for i, d := range batch {
		if registered[i] {
			live = append(live, d)
		}
	}
	return live, nil
}

// WebStep fetches the landing page of every recorded lookalike. Pages that
// mention the brand raise the stored score by MentionBoost.
type WebStep struct {
	Fetcher      ports.PageFetcher
	Matches      ports.MatchRepository
	Limiter      *rate.Limiter
	MentionBoost int
}

func (s WebStep) Run(ctx context.Context, sc *StepContext) error {
	records, err := s.Matches.ListMatchRecords(ctx, sc.Brand.ID)
	if err != nil {
		return fmt.Errorf("list match records: %w", err)
	}
	for i, rec := range records {
		if s.Limiter != nil {
			if err := s.Limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var (
			status int
			body   string
		)
		err := sc.Do(ctx, func(ctx context.Context) error {
			var err error
			status, body, err = s.Fetcher.Fetch(ctx, "https://"+rec.Domain)
			return err
		})
		if err != nil {
			return err
		}
		if status >= 200 && status < 300 {
			if err := sc.Count(ctx, domain.Counters{PagesScanned: 1}); err != nil {
				return err
			}
			if s.MentionBoost > 0 && mentionsBrand(body, sc.Brand) {
				if err := s.Matches.RaiseScore(ctx, sc.Brand.ID, rec.Domain, min(rec.Score+s.MentionBoost, 100)); err != nil {
					return fmt.Errorf("raise score: %w", err)
				}
			}
		}
		if err := sc.Progress(ctx, i+1, len(records)); err != nil {
			return err
		}
	}
	return nil
}

func mentionsBrand(body string, b domain.Brand) bool {
	body = strings.ToLower(body)
	if name := strings.ToLower(strings.TrimSpace(b.Name)); name != "" && strings.Contains(body, name) {
		return true
	}
	if d := domain.NormalizeDomain(b.Domain); d != "" && strings.Contains(body, d) {
		return true
	}
	return false
}

// LogoStep asks the evidence service how closely each recorded lookalike
// resembles the brand and lifts the stored score to the reported confidence.
type LogoStep struct {
	Evidence ports.Evidence
	Matches  ports.MatchRepository
}

func (s LogoStep) Run(ctx context.Context, sc *StepContext) error {
	records, err := s.Matches.ListMatchRecords(ctx, sc.Brand.ID)
	if err != nil {
		return fmt.Errorf("list match records: %w", err)
	}
	for i, rec := range records {
		var confidence float64
		err := sc.Do(ctx, func(ctx context.Context) error {
			var err error
			confidence, err = s.Evidence.Analyze(ctx, "https://"+rec.Domain)
			return err
		})
		if err != nil {
			return err
		}
		score := int(math.Round(math.Max(0, math.Min(confidence, 1)) * 100))
		if score > rec.Score {
			if err := s.Matches.RaiseScore(ctx, sc.Brand.ID, rec.Domain, score); err != nil {
				return fmt.Errorf("raise score: %w", err)
			}
		}
		if err := sc.Progress(ctx, i+1, len(records)); err != nil {
			return err
		}
	}
	return nil
}

// SocialStep probes lookalike handles on each platform of the job payload.
// A live handle the brand does not own becomes a social impersonation
// threat.
type SocialStep struct {
	Checker          ports.SocialChecker
	Decider          *escalation.Decider
	DefaultPlatforms []string
}

var handleAffixes = []string{"official", "support", "help", "hq", "team", "real", "the", "app"}

func (s SocialStep) Run(ctx context.Context, sc *StepContext) error {
	platforms := sc.Job.Payload.Platforms
	if len(platforms) == 0 {
		platforms = s.DefaultPlatforms
	}
	for i, platform := range platforms {
		owned := make(map[string]bool)
		for _, h := range sc.Brand.SocialHandles[platform] {
			owned[normalizeHandle(h)] = true
		}
		threats := 0
		for _, handle := range LookalikeHandles(sc.Brand) {
			if owned[handle] {
				continue
			}
			var (
				exists bool
				url    string
			)
			err := sc.Do(ctx, func(ctx context.Context) error {
				var err error
				exists, url, err = s.Checker.Exists(ctx, platform, handle)
				return err
			})
			if err != nil {
				return err
			}
			if !exists || s.Decider == nil {
				continue
			}
			ref := platform + ":" + handle
			_, created, err := s.Decider.CreateThreat(ctx, domain.Threat{
				BrandID:     sc.Brand.ID,
				Type:        domain.ThreatTypeSocial,
				Severity:    domain.SeverityMedium,
				Source:      url,
				EvidenceRef: &ref,
			})
			if err != nil {
				return err
			}
			if created {
				threats++
			}
		}
		if err := sc.Count(ctx, domain.Counters{ThreatsFound: threats}); err != nil {
			return err
		}
		if err := sc.Progress(ctx, i+1, len(platforms)); err != nil {
			return err
		}
	}
	return nil
}

// LookalikeHandles derives impersonation-prone handles from the brand name.
func LookalikeHandles(b domain.Brand) []string {
	base := normalizeHandle(b.Name)
	if base == "" {
		label, _ := domain.Registrable(domain.NormalizeDomain(b.Domain))
		base = normalizeHandle(label)
	}
	if base == "" {
		return nil
	}
	out := []string{base}
	for _, a := range handleAffixes {
		switch a {
		case "real", "the":
			out = append(out, a+base, a+"_"+base)
		default:
			out = append(out, base+a, base+"_"+a)
		}
	}
	return out
}

func normalizeHandle(h string) string {
	h = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
	var b strings.Builder
	for _, r := range h {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FinalizingStep stamps the brand's last scan time.
type FinalizingStep struct {
	Brands ports.BrandRepository
	Now    func() time.Time
}

func (s FinalizingStep) Run(ctx context.Context, sc *StepContext) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if err := s.Brands.MarkScanned(ctx, sc.Brand.ID, now().UTC()); err != nil {
		return fmt.Errorf("mark scanned: %w", err)
	}
	sc.Logger().Info("scan summary", "brand", sc.Brand.Name, "type", sc.Scan.Type)
	return sc.Progress(ctx, 1, 1)
}
