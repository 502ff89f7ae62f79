package alerting

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"p2p-spread-alerts/internal/engine"
)

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, payload engine.Payload) error
}

// Multi 将同一告警分发到全部渠道，错误合并返回。
type Multi struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewMulti fans out to every non-nil notifier.
func NewMulti(logger zerolog.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{logger: logger.With().Str("component", "alert_multi").Logger()}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of configured channels.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify delivers to every channel; one failing channel does not stop the others.
func (m *Multi) Notify(ctx context.Context, payload engine.Payload) error {
	if len(m.notifiers) == 0 {
		m.logger.Warn().Str("alert_id", payload.ID).Msg("no notifier configured; alert dropped")
		return nil
	}
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func renderMessage(p engine.Payload) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[%s Spread Alert]\n", p.Pairing))
	builder.WriteString(fmt.Sprintf("Leg A: %s\n", p.LegA.String()))
	builder.WriteString(fmt.Sprintf("Leg B: %s\n", p.LegB.String()))
	builder.WriteString(fmt.Sprintf("Spread: %s%%\n", p.SpreadPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Threshold: %s%%\n", p.HighestNewThreshold.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Tranche: %s\n", p.TrancheQuantity.String()))
	builder.WriteString(fmt.Sprintf("Cumulative: %s\n", p.CumulativeQuantity.String()))
	if !p.ObservedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", p.ObservedAt.UTC().Format(time.RFC3339)))
	}
	return builder.String()
}

var _ Notifier = (*Multi)(nil)
