// Package escalation decides which matches become threats and materializes
// them exactly once per (brand, source).
package escalation

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

type Action string

const (
	ActionCreateThreat Action = "createThreat"
	ActionRecordOnly   Action = "recordOnly"
	ActionIgnore       Action = "ignore"
)

// Outcome is what Apply actually did. Action can be weaker than the policy
// decision when a concurrent writer escalated the same pair first.
type Outcome struct {
	Action Action
	Record domain.MatchRecord
	Threat *domain.Threat
}

type Decider struct {
	matches   ports.MatchRepository
	threats   ports.ThreatRepository
	brands    ports.BrandRepository
	notifier  ports.Notifier
	threshold int
	logger    *slog.Logger
}

// New creates a decider. threshold is the auto-threat score cut-off. Pass
// nil for notifier or logger to disable them.
func New(matches ports.MatchRepository, threats ports.ThreatRepository, brands ports.BrandRepository, notifier ports.Notifier, threshold int, logger *slog.Logger) *Decider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decider{
		matches:   matches,
		threats:   threats,
		brands:    brands,
		notifier:  notifier,
		threshold: threshold,
		logger:    logger,
	}
}

// Decide is the escalation policy. A pair whose escalation has already
// been settled is never re-evaluated.
func (d *Decider) Decide(m domain.Match, settled bool) Action {
	if m.BrandID == "" || m.Domain == "" || m.Type.Priority() == 0 {
		return ActionIgnore
	}
	if settled {
		return ActionRecordOnly
	}
	if m.Score >= d.threshold {
		return ActionCreateThreat
	}
	return ActionRecordOnly
}

// SeverityFor maps a match type to the severity of the threat it creates.
func SeverityFor(t domain.MatchType) domain.Severity {
	if t == domain.MatchExact {
		return domain.SeverityHigh
	}
	return domain.SeverityMedium
}

// Apply persists m and escalates it when the policy says so. A record whose
// earlier escalation failed part way is still unprocessed, so the next
// observation picks the escalation up again.
func (d *Decider) Apply(ctx context.Context, m domain.Match) (Outcome, error) {
	rec, found, err := d.matches.GetMatchRecord(ctx, m.BrandID, m.Domain)
	if err != nil {
		return Outcome{}, fmt.Errorf("get match record: %w", err)
	}
	if d.Decide(m, found && rec.Processed) == ActionIgnore {
		return Outcome{Action: ActionIgnore}, nil
	}

	rec, _, err = d.matches.UpsertMatch(ctx, m)
	if err != nil {
		return Outcome{}, fmt.Errorf("upsert match: %w", err)
	}
	if rec.Processed {
		return Outcome{Action: ActionRecordOnly, Record: rec}, nil
	}
	// the stored record carries the strongest observation so far
	stored := domain.Match{BrandID: rec.BrandID, Domain: rec.Domain, Type: rec.Type, MatchedKeyword: rec.MatchedKeyword, Score: rec.Score}
	if d.Decide(stored, false) != ActionCreateThreat {
		if err := d.matches.MarkProcessed(ctx, rec.ID); err != nil {
			return Outcome{}, fmt.Errorf("mark processed: %w", err)
		}
		rec.Processed = true
		return Outcome{Action: ActionRecordOnly, Record: rec}, nil
	}

	matchID := rec.ID
	threat, created, err := d.CreateThreat(ctx, domain.Threat{
		BrandID:  rec.BrandID,
		Type:     domain.ThreatTypeDomain,
		Severity: SeverityFor(rec.Type),
		Source:   rec.Domain,
		MatchID:  &matchID,
	})
	if err != nil {
		return Outcome{Action: ActionRecordOnly, Record: rec}, err
	}
	tid := threat.ID
	rec.ThreatID, rec.Processed = &tid, true
	if !created {
		// a concurrent writer or an earlier attempt created it
		if err := d.matches.LinkThreat(ctx, rec.ID, threat.ID); err != nil {
			return Outcome{}, fmt.Errorf("link existing threat: %w", err)
		}
		return Outcome{Action: ActionRecordOnly, Record: rec}, nil
	}
	return Outcome{Action: ActionCreateThreat, Record: rec, Threat: &threat}, nil
}

// CreateThreat materializes a threat unless one already exists for the same
// (brand, source). On creation it bumps the brand's threat counter, links the
// originating match record (marking it processed) and notifies. created is false when an existing
// threat was found; that threat is returned untouched.
func (d *Decider) CreateThreat(ctx context.Context, t domain.Threat) (domain.Threat, bool, error) {
	if existing, ok, err := d.threats.FindThreat(ctx, t.BrandID, t.Source); err != nil {
		return domain.Threat{}, false, fmt.Errorf("find threat: %w", err)
	} else if ok {
		return existing, false, nil
	}
	if t.Status == "" {
		t.Status = domain.ThreatNew
	}
	threat, created, err := d.threats.CreateThreat(ctx, t)
	if err != nil {
		return domain.Threat{}, false, fmt.Errorf("create threat: %w", err)
	}
	if !created {
		return threat, false, nil
	}
	if err := d.brands.IncrementThreatCount(ctx, t.BrandID); err != nil {
		return threat, true, fmt.Errorf("increment threat count: %w", err)
	}
	if t.MatchID != nil {
		if err := d.matches.LinkThreat(ctx, *t.MatchID, threat.ID); err != nil {
			return threat, true, fmt.Errorf("link match: %w", err)
		}
	}
	d.logger.Info("threat created",
		"brand_id", threat.BrandID, "source", threat.Source, "severity", threat.Severity, "type", threat.Type)
	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, threat); err != nil {
			d.logger.Warn("threat notification failed", "threat_id", threat.ID, "error", err)
		}
	}
	return threat, true, nil
}
