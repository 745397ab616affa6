package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpadapter "brandwatch/internal/adapters/http"
	"brandwatch/internal/adapters/postgres"
	"brandwatch/internal/config"
	"brandwatch/internal/workers/autoscan"
	"brandwatch/internal/workers/scanrunner"
)

func newServeCmd() *cobra.Command {
	var seedFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scan workers, automated scheduler and feed consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), seedFile)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "YAML file with accounts and brands to load into the memory store")
	return cmd
}

func serve(ctx context.Context, seedFile string) error {
	a, cleanup, err := loadApp(ctx, seedFile)
	if err != nil {
		return err
	}
	defer cleanup()
	log := a.logger

	machine := a.machine()
	var workersDone <-chan struct{}
	if a.cfg.ScanWorkers > 0 {
		workersDone = scanrunner.Run(ctx, a.store, machine, a.cfg.ScanWorkers, a.cfg.PollInterval, log)
		log.Info("scan workers started", "count", a.cfg.ScanWorkers)
	} else {
		closed := make(chan struct{})
		close(closed)
		workersDone = closed
	}
	if a.cfg.AutoscanInterval > 0 {
		go autoscan.New(a.store, a.scanner, log).Run(ctx, a.cfg.AutoscanInterval)
		log.Info("automated scans enabled", "interval", a.cfg.AutoscanInterval)
	}
	if a.cfg.FeedURL != "" {
		go a.feedConsumer().Run(ctx, a.cfg.FeedPollInterval)
		log.Info("feed consumer started", "feed", a.cfg.FeedName, "interval", a.cfg.FeedPollInterval)
	}

	var health httpadapter.Pinger
	if a.db != nil {
		health = a.db
	}
	api := httpadapter.New(a.scanner, a.store, a.store, machine, health, log)
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("listening", "addr", a.cfg.ListenAddr, "store", a.cfg.Store)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		log.Warn("scan workers did not stop in time")
	}
	return nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}
			if err := postgres.Migrate(cmd.Context(), cfg.DatabaseURL); err != nil {
				return err
			}
			newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()).Info("migrations applied")
			return nil
		},
	}
}

func newFeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Candidate domain feed operations",
	}
	var seedFile string
	once := &cobra.Command{
		Use:   "once",
		Short: "Consume the feed from its watermark until caught up, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := loadApp(cmd.Context(), seedFile)
			if err != nil {
				return err
			}
			defer cleanup()
			if a.cfg.FeedURL == "" {
				return errors.New("FEED_URL is required")
			}
			st, err := a.feedConsumer().RunOnce(cmd.Context())
			a.logger.Info("feed consumed",
				"batches", st.Batches, "domains", st.Domains, "candidates", st.Candidates,
				"matches", st.Matches, "threats", st.Threats)
			return err
		},
	}
	once.Flags().StringVar(&seedFile, "seed", "", "YAML file with accounts and brands to load into the memory store")
	cmd.AddCommand(once)
	return cmd
}
