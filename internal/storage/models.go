package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/engine"
)

// DefaultLedgerKey identifies the single shared ledger.
const DefaultLedgerKey = "default"

// AlertRecord captures a fired threshold for the current ledger day.
type AlertRecord struct {
	ID                 string
	Pairing            string
	ThresholdPct       decimal.Decimal
	TrancheQuantity    decimal.Decimal
	CumulativeQuantity decimal.Decimal
	SpreadPct          decimal.Decimal
	LegA               decimal.Decimal
	LegB               decimal.Decimal
	LedgerDay          civil.Date
	ObservedAt         time.Time
	CreatedAt          time.Time
}

// RecordFromPayload converts an evaluator payload into a storable record.
func RecordFromPayload(p engine.Payload) AlertRecord {
	return AlertRecord{
		ID:                 p.ID,
		Pairing:            p.Pairing,
		ThresholdPct:       p.HighestNewThreshold,
		TrancheQuantity:    p.TrancheQuantity,
		CumulativeQuantity: p.CumulativeQuantity,
		SpreadPct:          p.SpreadPct,
		LegA:               p.LegA,
		LegB:               p.LegB,
		LedgerDay:          p.LedgerDay,
		ObservedAt:         p.ObservedAt,
	}
}

// encodeFired serialises fired thresholds as a JSON array of decimal strings.
func encodeFired(fired []decimal.Decimal) ([]byte, error) {
	out := make([]string, 0, len(fired))
	for _, pct := range fired {
		out = append(out, pct.String())
	}
	return json.Marshal(out)
}

func decodeFired(raw []byte) ([]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var text []string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("decode fired thresholds: %w", err)
	}
	fired := make([]decimal.Decimal, 0, len(text))
	for _, s := range text {
		pct, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse fired threshold %q: %w", s, err)
		}
		fired = append(fired, pct)
	}
	return fired, nil
}

// encodeDay stores an invalid (never reset) date as the empty string.
func encodeDay(d civil.Date) string {
	if !d.IsValid() {
		return ""
	}
	return d.String()
}

func decodeDay(s string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("parse ledger day %q: %w", s, err)
	}
	return d, nil
}

type decimalField struct {
	name string
	text string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.text)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}
