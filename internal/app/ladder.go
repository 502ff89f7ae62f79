package app

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"p2p-spread-alerts/internal/spread"
)

// LadderOptions configure the ladder command.
type LadderOptions struct {
	// Spread, when set, previews what a fresh ledger would fire at that spread.
	Spread *decimal.Decimal
}

type ladderView struct {
	ResetHour int          `yaml:"reset_hour"`
	Timezone  string       `yaml:"timezone"`
	Rungs     []rungView   `yaml:"rungs"`
	Preview   *previewView `yaml:"preview,omitempty"`
}

type rungView struct {
	ThresholdPct float64 `yaml:"threshold_pct"`
	Quantity     float64 `yaml:"quantity"`
	Cumulative   float64 `yaml:"cumulative"`
}

type previewView struct {
	SpreadPct  float64   `yaml:"spread_pct"`
	Fires      *float64  `yaml:"fires,omitempty"`
	Tranche    float64   `yaml:"tranche,omitempty"`
	Cumulative float64   `yaml:"cumulative,omitempty"`
	Retires    []float64 `yaml:"retires,omitempty"`
}

// Ladder prints the configured ladder as YAML.
func (a *App) Ladder(opts LadderOptions) error {
	evaluator, err := a.newEvaluator(zerolog.Nop())
	if err != nil {
		return err
	}
	l := evaluator.Ladder()
	policy := evaluator.Policy()

	view := ladderView{ResetHour: policy.Hour, Timezone: policy.Location.String()}
	for _, r := range l.Rungs() {
		view.Rungs = append(view.Rungs, rungView{
			ThresholdPct: r.Percent.InexactFloat64(),
			Quantity:     r.Quantity.InexactFloat64(),
			Cumulative:   l.CumulativeUpTo(r.Percent).InexactFloat64(),
		})
	}

	if opts.Spread != nil {
		preview := &previewView{SpreadPct: opts.Spread.InexactFloat64()}
		decision := evaluator.Evaluate(spread.Observation{
			Pairing:    "preview",
			SpreadPct:  *opts.Spread,
			ObservedAt: time.Now(),
		})
		if p := decision.Payload; p != nil {
			fires := p.HighestNewThreshold.InexactFloat64()
			preview.Fires = &fires
			preview.Tranche = p.TrancheQuantity.InexactFloat64()
			preview.Cumulative = p.CumulativeQuantity.InexactFloat64()
			for _, pct := range decision.Snapshot.Fired {
				preview.Retires = append(preview.Retires, pct.InexactFloat64())
			}
		}
		view.Preview = preview
	}

	enc := yaml.NewEncoder(a.Out)
	enc.SetIndent(2)
	if err := enc.Encode(view); err != nil {
		return err
	}
	return enc.Close()
}
