package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/engine"
)

// WebhookNotifier sends alerts to a generic HTTP webhook.
// If secret is non-empty, requests are signed with HMAC-SHA256.
type WebhookNotifier struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a generic webhook notifier.
func NewWebhookNotifier(url, secret string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: newHTTPClient(timeout),
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	Event     string       `json:"event"`
	Timestamp string       `json:"timestamp"`
	Alert     webhookAlert `json:"alert"`
	Text      string       `json:"text"`
}

type webhookAlert struct {
	ID                 string          `json:"id"`
	Pairing            string          `json:"pairing"`
	ThresholdPct       decimal.Decimal `json:"threshold_pct"`
	TrancheQuantity    decimal.Decimal `json:"tranche_quantity"`
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
	SpreadPct          decimal.Decimal `json:"spread_pct"`
	LegA               decimal.Decimal `json:"leg_a"`
	LegB               decimal.Decimal `json:"leg_b"`
	ObservedAt         time.Time       `json:"observed_at"`
	LedgerDay          string          `json:"ledger_day"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, p engine.Payload) error {
	payload := webhookPayload{
		Event:     "spread_threshold",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Alert: webhookAlert{
			ID:                 p.ID,
			Pairing:            p.Pairing,
			ThresholdPct:       p.HighestNewThreshold,
			TrancheQuantity:    p.TrancheQuantity,
			CumulativeQuantity: p.CumulativeQuantity,
			SpreadPct:          p.SpreadPct,
			LegA:               p.LegA,
			LegB:               p.LegB,
			ObservedAt:         p.ObservedAt.UTC(),
			LedgerDay:          p.LedgerDay.String(),
		},
		Text: renderMessage(p),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "spreadwatch/1.0")

	if w.secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+computeHMAC(body, []byte(w.secret)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Info().Str("alert_id", p.ID).Str("pairing", p.Pairing).Msg("alert delivered (webhook)")
	return nil
}

func computeHMAC(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

var _ Notifier = (*WebhookNotifier)(nil)
