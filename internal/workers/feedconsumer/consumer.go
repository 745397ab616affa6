// Package feedconsumer runs newly registered domains from an external feed
// through the matching pipeline in bounded batches.
package feedconsumer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"brandwatch/internal/domain"
	"brandwatch/internal/matching"
	"brandwatch/internal/ports"
	"brandwatch/internal/services/escalation"
)

// Stats summarizes one consumption cycle.
type Stats struct {
	Batches    int
	Domains    int
	Candidates int // passed the prefilter
	Matches    int
	Threats    int
}

type Consumer struct {
	source      ports.FeedSource
	watermarks  ports.FeedWatermarks
	brands      ports.BrandRepository
	holder      *matching.Holder
	scorer      *matching.Scorer
	decider     *escalation.Decider
	batchSize   int
	parallelism int
	logger      *slog.Logger
}

func New(source ports.FeedSource, watermarks ports.FeedWatermarks, brands ports.BrandRepository, holder *matching.Holder, scorer *matching.Scorer, decider *escalation.Decider, batchSize int, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if batchSize < 1 {
		batchSize = 1000
	}
	return &Consumer{
		source:      source,
		watermarks:  watermarks,
		brands:      brands,
		holder:      holder,
		scorer:      scorer,
		decider:     decider,
		batchSize:   batchSize,
		parallelism: 8,
		logger:      logger.With("feed", source.Name()),
	}
}

// RebuildIndex builds a fresh term index from the active brands and
// publishes it.
func (c *Consumer) RebuildIndex(ctx context.Context) (*matching.Index, error) {
	brands, err := c.brands.ListActiveBrands(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active brands: %w", err)
	}
	idx := matching.BuildIndex(brands, c.scorer.Params())
	c.holder.Store(idx)
	c.logger.Debug("term index rebuilt", "brands", len(brands), "terms", idx.Len())
	return idx, nil
}

// RunOnce consumes the feed from the stored watermark until the source
// reports no more data. The next batch is fetched only after the previous
// one is fully processed and its watermark persisted.
func (c *Consumer) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats
	idx, err := c.RebuildIndex(ctx)
	if err != nil {
		return st, err
	}
	if idx.Len() == 0 {
		return st, nil
	}
	wm, err := c.watermarks.GetWatermark(ctx, c.source.Name())
	if err != nil {
		return st, fmt.Errorf("get watermark: %w", err)
	}
	for {
		batch, err := c.source.Next(ctx, wm, c.batchSize)
		if err != nil {
			return st, fmt.Errorf("fetch batch after %q: %w", wm, err)
		}
		if err := c.process(ctx, idx, batch.Domains, &st); err != nil {
			return st, err
		}
		if batch.Watermark != "" && batch.Watermark != wm {
			if err := c.watermarks.SetWatermark(ctx, c.source.Name(), batch.Watermark); err != nil {
				return st, fmt.Errorf("set watermark: %w", err)
			}
			wm = batch.Watermark
		}
		st.Batches++
		if batch.Done || len(batch.Domains) == 0 {
			return st, nil
		}
	}
}

func (c *Consumer) process(ctx context.Context, idx *matching.Index, domains []string, st *Stats) error {
	var found []domain.Match
	for _, d := range domains {
		st.Domains++
		if !idx.MightMatch(d) {
			continue
		}
		st.Candidates++
		found = append(found, c.scorer.ScoreIndexed(d, idx)...)
	}
	matches := matching.Dedupe(found)
	st.Matches += len(matches)

	var threats atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, m := range matches {
		m := m
		g.Go(func() error {
			out, err := c.decider.Apply(gctx, m)
			if err != nil {
				return fmt.Errorf("escalate %s for brand %s: %w", m.Domain, m.BrandID, err)
			}
			if out.Action == escalation.ActionCreateThreat {
				threats.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	st.Threats += int(threats.Load())
	return err
}

// Run repeats RunOnce every interval until ctx is done.
func (c *Consumer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := c.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("feed cycle failed", "error", err)
		} else if st.Domains > 0 {
			c.logger.Info("feed cycle done",
				"batches", st.Batches, "domains", st.Domains, "candidates", st.Candidates, "matches", st.Matches, "threats", st.Threats)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
