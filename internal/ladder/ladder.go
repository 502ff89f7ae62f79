// Package ladder holds the immutable threshold ladder: ascending spread
// percentages, each paired with the action quantity (tranche) it unlocks.
package ladder

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrEmpty is returned for a ladder without rungs.
	ErrEmpty = errors.New("ladder: no thresholds configured")
	// ErrNotIncreasing is returned for duplicate or out-of-order thresholds.
	ErrNotIncreasing = errors.New("ladder: thresholds must be strictly increasing")
	// ErrNegativeQuantity is returned when a rung carries a negative quantity.
	ErrNegativeQuantity = errors.New("ladder: quantity cannot be negative")
)

// Rung is one threshold and its tranche quantity.
type Rung struct {
	Percent  decimal.Decimal
	Quantity decimal.Decimal
}

// Ladder is validated at construction and never mutated afterwards.
type Ladder struct {
	rungs []Rung
}

// New validates rungs and returns a Ladder owning its own copy of them.
func New(rungs []Rung) (*Ladder, error) {
	if len(rungs) == 0 {
		return nil, ErrEmpty
	}
	for i, r := range rungs {
		if r.Quantity.IsNegative() {
			return nil, fmt.Errorf("rung %d (%s%%): %w", i, r.Percent, ErrNegativeQuantity)
		}
		if i > 0 && !r.Percent.GreaterThan(rungs[i-1].Percent) {
			return nil, fmt.Errorf("rung %d (%s%%) after %s%%: %w", i, r.Percent, rungs[i-1].Percent, ErrNotIncreasing)
		}
	}
	owned := make([]Rung, len(rungs))
	copy(owned, rungs)
	return &Ladder{rungs: owned}, nil
}

// MustNew is New for literal ladders known to be valid.
func MustNew(rungs []Rung) *Ladder {
	l, err := New(rungs)
	if err != nil {
		panic(err)
	}
	return l
}

// Rungs returns the rungs in ascending order.
func (l *Ladder) Rungs() []Rung {
	out := make([]Rung, len(l.rungs))
	copy(out, l.rungs)
	return out
}

// Len returns the number of rungs.
func (l *Ladder) Len() int { return len(l.rungs) }

// CumulativeUpTo sums the quantity of every rung with threshold <= pct.
func (l *Ladder) CumulativeUpTo(pct decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, r := range l.rungs {
		if r.Percent.GreaterThan(pct) {
			break
		}
		total = total.Add(r.Quantity)
	}
	return total
}

// QuantityAt returns the tranche quantity of the rung at exactly pct.
func (l *Ladder) QuantityAt(pct decimal.Decimal) (decimal.Decimal, bool) {
	for _, r := range l.rungs {
		if r.Percent.Equal(pct) {
			return r.Quantity, true
		}
	}
	return decimal.Decimal{}, false
}

// Crossed returns every rung whose threshold is <= pct.
func (l *Ladder) Crossed(pct decimal.Decimal) []Rung {
	var out []Rung
	for _, r := range l.rungs {
		if pct.LessThan(r.Percent) {
			break
		}
		out = append(out, r)
	}
	return out
}

// Default is the ladder the service ships with.
func Default() *Ladder {
	return MustNew([]Rung{
		{Percent: decimal.RequireFromString("1.60"), Quantity: decimal.NewFromInt(15000)},
		{Percent: decimal.RequireFromString("1.80"), Quantity: decimal.NewFromInt(5000)},
		{Percent: decimal.RequireFromString("2.00"), Quantity: decimal.NewFromInt(10000)},
		{Percent: decimal.RequireFromString("2.20"), Quantity: decimal.NewFromInt(5000)},
		{Percent: decimal.RequireFromString("2.50"), Quantity: decimal.NewFromInt(5000)},
		{Percent: decimal.RequireFromString("2.80"), Quantity: decimal.NewFromInt(5000)},
		{Percent: decimal.RequireFromString("3.00"), Quantity: decimal.NewFromInt(5000)},
	})
}
