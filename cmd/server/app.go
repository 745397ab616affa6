package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"brandwatch/internal/adapters/dnsresolve"
	"brandwatch/internal/adapters/evidence"
	"brandwatch/internal/adapters/feed"
	"brandwatch/internal/adapters/memory"
	"brandwatch/internal/adapters/notify"
	"brandwatch/internal/adapters/postgres"
	"brandwatch/internal/adapters/social"
	"brandwatch/internal/adapters/webfetch"
	"brandwatch/internal/config"
	"brandwatch/internal/domain"
	"brandwatch/internal/matching"
	"brandwatch/internal/ports"
	"brandwatch/internal/services/escalation"
	"brandwatch/internal/services/scanner"
	"brandwatch/internal/workers/feedconsumer"
	"brandwatch/internal/workers/scanrunner"
)

// store is every repository port; both adapters implement all of them.
type store interface {
	ports.BrandRepository
	ports.AccountRepository
	ports.QuotaRepository
	ports.MatchRepository
	ports.ThreatRepository
	ports.ScanRepository
	ports.JobRepository
	ports.FeedWatermarks
}

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app holds the wired components shared by the commands.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   store
	db      *postgres.DB // nil for the memory store
	scorer  *matching.Scorer
	decider *escalation.Decider
	scanner *scanner.Service
}

func loadApp(ctx context.Context, seedFile string) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	a := &app{cfg: cfg, logger: logger}
	cleanup := func() {}

	switch cfg.Store {
	case "memory":
		mem := memory.New()
		if seedFile != "" {
			if err := loadSeed(seedFile, mem); err != nil {
				return nil, nil, err
			}
		}
		a.store = mem
		logger.Warn("using in-memory store; data is lost on exit")
	case "postgres":
		if cfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		db, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		a.store, a.db = db, db
		cleanup = db.Close
	default:
		return nil, nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, 10*time.Second))
	}
	a.scorer = matching.NewScorer(cfg.Policy.Scoring)
	a.decider = escalation.New(a.store, a.store, a.store, notifiers, cfg.Policy.AutoThreatThreshold, logger)
	a.scanner = scanner.New(a.store, a.store, a.store, a.store, cfg.Policy, logger)
	return a, cleanup, nil
}

func (a *app) machine() *scanrunner.Machine {
	fetchRate := rate.Inf
	if a.cfg.WebFetchRate > 0 {
		fetchRate = rate.Limit(a.cfg.WebFetchRate)
	}
	opts := []scanrunner.Option{
		scanrunner.WithLogger(a.logger),
		scanrunner.WithTimeout(a.cfg.ScanTimeout),
		scanrunner.WithStep(domain.StepDomains, scanrunner.DomainsStep{
			Resolver:     dnsresolve.New(a.cfg.DNSServer, 2*time.Second, 10*time.Minute),
			Scorer:       a.scorer,
			Decider:      a.decider,
			DefaultLimit: 500,
			ChunkSize:    100,
			Lookups:      16,
		}),
		scanrunner.WithStep(domain.StepWeb, scanrunner.WebStep{
			Fetcher:      webfetch.New(10 * time.Second),
			Matches:      a.store,
			Limiter:      rate.NewLimiter(fetchRate, 1),
			MentionBoost: 10,
		}),
		scanrunner.WithStep(domain.StepSocial, scanrunner.SocialStep{
			Checker:          social.New(nil, 1, 10*time.Second),
			Decider:          a.decider,
			DefaultPlatforms: []string{"twitter", "instagram"},
		}),
		scanrunner.WithStep(domain.StepFinalizing, scanrunner.FinalizingStep{Brands: a.store}),
	}
	if a.cfg.EvidenceURL != "" {
		opts = append(opts, scanrunner.WithStep(domain.StepLogo, scanrunner.LogoStep{
			Evidence: evidence.New(a.cfg.EvidenceURL, 30*time.Second),
			Matches:  a.store,
		}))
	} else {
		a.logger.Info("EVIDENCE_URL not set; logo step is skipped")
	}
	return scanrunner.NewMachine(a.store, a.store, a.store, opts...)
}

func (a *app) feedConsumer() *feedconsumer.Consumer {
	src := feed.New(a.cfg.FeedName, a.cfg.FeedURL, time.Minute)
	return feedconsumer.New(src, a.store, a.store, &matching.Holder{}, a.scorer, a.decider, a.cfg.FeedBatchSize, a.logger)
}
