package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"p2p-spread-alerts/internal/engine"
)

// DiscordNotifier posts alerts to a Discord webhook. Discord answers 204 on success.
type DiscordNotifier struct {
	webhookURL string
	username   string
	client     *http.Client
	logger     zerolog.Logger
}

// NewDiscordNotifier 构造 Discord 告警器。
func NewDiscordNotifier(webhookURL, username string, timeout time.Duration, logger zerolog.Logger) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		username:   username,
		client:     newHTTPClient(timeout),
		logger:     logger.With().Str("component", "alert_discord").Logger(),
	}
}

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// Notify 推送 webhook 消息。
func (n *DiscordNotifier) Notify(ctx context.Context, p engine.Payload) error {
	body, err := json.Marshal(discordMessage{Content: renderMessage(p), Username: n.username})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord 响应码异常: %d %s", resp.StatusCode, string(snippet))
	}

	n.logger.Info().Str("alert_id", p.ID).
		Str("pairing", p.Pairing).
		Str("threshold_pct", p.HighestNewThreshold.String()).
		Msg("告警已发送 (Discord)")
	return nil
}

var _ Notifier = (*DiscordNotifier)(nil)
