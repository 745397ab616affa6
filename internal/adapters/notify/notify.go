// Package notify delivers threat notifications to operators.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"brandwatch/internal/adapters/httpx"
	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

// Log writes each threat as a structured log line.
type Log struct {
	Logger *slog.Logger
}

func (n Log) Notify(ctx context.Context, t domain.Threat) error {
	n.Logger.LogAttrs(ctx, slog.LevelWarn, "threat detected",
		slog.String("threat_id", t.ID),
		slog.String("brand_id", t.BrandID),
		slog.String("type", t.Type),
		slog.String("severity", string(t.Severity)),
		slog.String("source", t.Source),
	)
	return nil
}

type webhookPayload struct {
	Event       string    `json:"event"`
	ThreatID    string    `json:"threat_id"`
	BrandID     string    `json:"brand_id"`
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Source      string    `json:"source"`
	EvidenceRef *string   `json:"evidence_ref,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Webhook posts threats as JSON. Transient failures are retried with
// exponential backoff.
type Webhook struct {
	url     string
	http    *http.Client
	retries uint64
	backoff time.Duration
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, http: httpx.NewClient(timeout), retries: 3, backoff: 200 * time.Millisecond}
}

func (n *Webhook) Notify(ctx context.Context, t domain.Threat) error {
	body, err := json.Marshal(webhookPayload{
		Event:       "threat.created",
		ThreatID:    t.ID,
		BrandID:     t.BrandID,
		Type:        t.Type,
		Severity:    string(t.Severity),
		Source:      t.Source,
		EvidenceRef: t.EvidenceRef,
		DetectedAt:  t.DetectedAt,
	})
	if err != nil {
		return err
	}
	b := retry.WithMaxRetries(n.retries, retry.NewExponential(n.backoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := httpx.Do(n.http, req, "notify webhook")
		if err != nil {
			if domain.IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		httpx.Drain(resp)
		return nil
	})
}

var (
	_ ports.Notifier = Log{}
	_ ports.Notifier = (*Webhook)(nil)
	_ ports.Notifier = Multi{}
)

// Multi fans a threat out to every notifier and joins their errors.
type Multi []ports.Notifier

func (m Multi) Notify(ctx context.Context, t domain.Threat) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
