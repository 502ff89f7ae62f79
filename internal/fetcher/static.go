package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Static always returns the same value. Used by simulate-alert and tests.
type Static struct {
	name  string
	value decimal.Decimal
}

// NewStatic returns a fixed-value source.
func NewStatic(name string, value decimal.Decimal) *Static {
	return &Static{name: name, value: value}
}

func (s *Static) Name() string { return s.name }

// Fetch reports a zero value as a missing quote, matching the live sources.
func (s *Static) Fetch(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, extractionErr(s.name, err)
	}
	if !s.value.IsPositive() {
		return Sample{}, extractionErr(s.name, ErrNoQuote)
	}
	return Sample{SourceID: s.name, Value: s.value, ObservedAt: time.Now().UTC()}, nil
}

var _ Source = (*Static)(nil)
