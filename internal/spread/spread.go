// Package spread turns pairs of rate samples into signed percentage spreads.
package spread

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/fetcher"
)

// ErrZeroLeg is returned when the reference leg is zero and no spread exists.
var ErrZeroLeg = errors.New("spread: leg b is zero")

var hundred = decimal.NewFromInt(100)

// Observation is one spread measurement for a pairing.
type Observation struct {
	Pairing    string
	SpreadPct  decimal.Decimal
	LegA       decimal.Decimal
	LegB       decimal.Decimal
	ObservedAt time.Time
}

// Compute returns (legA - legB) / legB * 100. The multiplication happens before
// the division so the result keeps the full division precision.
func Compute(legA, legB decimal.Decimal) (decimal.Decimal, error) {
	if legB.IsZero() {
		return decimal.Decimal{}, ErrZeroLeg
	}
	return legA.Sub(legB).Mul(hundred).Div(legB), nil
}

// Observe builds an Observation from two samples. The later of the two sample
// timestamps becomes the observation time.
func Observe(pairing string, a, b fetcher.Sample) (Observation, error) {
	pct, err := Compute(a.Value, b.Value)
	if err != nil {
		return Observation{}, err
	}
	observedAt := a.ObservedAt
	if b.ObservedAt.After(observedAt) {
		observedAt = b.ObservedAt
	}
	return Observation{
		Pairing:    pairing,
		SpreadPct:  pct,
		LegA:       a.Value,
		LegB:       b.Value,
		ObservedAt: observedAt,
	}, nil
}
