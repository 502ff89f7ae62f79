// Package engine decides, for each spread observation, whether a new ladder
// threshold has been crossed today and what the resulting alert carries.
package engine

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/ladder"
	"p2p-spread-alerts/internal/spread"
)

// Payload is the alert produced when a new threshold fires.
type Payload struct {
	ID                  string
	Pairing             string
	HighestNewThreshold decimal.Decimal
	TrancheQuantity     decimal.Decimal
	CumulativeQuantity  decimal.Decimal
	SpreadPct           decimal.Decimal
	LegA                decimal.Decimal
	LegB                decimal.Decimal
	ObservedAt          time.Time
	LedgerDay           civil.Date
}

// Decision is the outcome of one evaluation.
type Decision struct {
	// Payload is nil when nothing new fired.
	Payload *Payload
	// Reset is true when the ledger rolled over before evaluating.
	Reset bool
	// Snapshot is the ledger state after the evaluation.
	Snapshot Snapshot
}

// Changed reports whether the evaluation mutated the ledger.
func (d Decision) Changed() bool {
	return d.Reset || d.Payload != nil
}

// Evaluator applies the reset-then-fire protocol against a shared ledger.
type Evaluator struct {
	ladder *ladder.Ladder
	policy ResetPolicy
	ledger *Ledger
	logger zerolog.Logger
	newID  func() string
}

// NewEvaluator wires a ladder, reset policy and ledger together.
func NewEvaluator(l *ladder.Ladder, policy ResetPolicy, ledger *Ledger, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		ladder: l,
		policy: policy,
		ledger: ledger,
		logger: logger.With().Str("component", "evaluator").Logger(),
		newID:  func() string { return uuid.NewString() },
	}
}

// Ladder returns the ladder the evaluator fires against.
func (e *Evaluator) Ladder() *ladder.Ladder { return e.ladder }

// Policy returns the reset policy in use.
func (e *Evaluator) Policy() ResetPolicy { return e.policy }

// Ledger returns the shared ledger.
func (e *Evaluator) Ledger() *Ledger { return e.ledger }

// Evaluate runs the whole protocol for obs under the ledger lock: reset if due,
// collect crossed-but-unfired rungs, report the highest one and retire every
// rung at or below it.
func (e *Evaluator) Evaluate(obs spread.Observation) Decision {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()

	var decision Decision
	if e.policy.ShouldReset(obs.ObservedAt, e.ledger.lastReset) {
		day := e.policy.LedgerDay(obs.ObservedAt)
		e.ledger.resetLocked(day)
		decision.Reset = true
		e.logger.Info().Str("ledger_day", day.String()).Str("pairing", obs.Pairing).Msg("ledger reset for the new day")
	}

	var highest *ladder.Rung
	for _, r := range e.ladder.Crossed(obs.SpreadPct) {
		if e.ledger.firedLocked(r.Percent) {
			continue
		}
		highest = &r
	}

	if highest == nil {
		decision.Snapshot = e.ledger.snapshotLocked()
		e.logger.Debug().Str("pairing", obs.Pairing).
			Str("spread_pct", obs.SpreadPct.StringFixed(2)).
			Msg("spread below new thresholds or already alerted")
		return decision
	}

	retired := make([]decimal.Decimal, 0, e.ladder.Len())
	for _, r := range e.ladder.Crossed(highest.Percent) {
		retired = append(retired, r.Percent)
	}
	e.ledger.markLocked(retired)

	decision.Payload = &Payload{
		ID:                  e.newID(),
		Pairing:             obs.Pairing,
		HighestNewThreshold: highest.Percent,
		TrancheQuantity:     highest.Quantity,
		CumulativeQuantity:  e.ladder.CumulativeUpTo(highest.Percent),
		SpreadPct:           obs.SpreadPct,
		LegA:                obs.LegA,
		LegB:                obs.LegB,
		ObservedAt:          obs.ObservedAt,
		LedgerDay:           e.ledger.lastReset,
	}
	decision.Snapshot = e.ledger.snapshotLocked()

	e.logger.Info().Str("pairing", obs.Pairing).
		Str("alert_id", decision.Payload.ID).
		Str("spread_pct", obs.SpreadPct.StringFixed(2)).
		Str("threshold_pct", highest.Percent.String()).
		Str("cumulative", decision.Payload.CumulativeQuantity.String()).
		Msg("threshold fired")
	return decision
}
