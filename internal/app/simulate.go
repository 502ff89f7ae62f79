package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/fetcher"
	"p2p-spread-alerts/internal/service"
)

// SimulateOptions carry the fixed leg values for a dry run.
type SimulateOptions struct {
	Pairing string
	LegA    decimal.Decimal
	LegB    decimal.Decimal
}

// SimulateAlert 通过给定的两腿价格模拟一次告警流程。
// The run uses a fresh in-memory ledger and never touches the persisted one.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (service.Outcome, error) {
	if !a.Config.Alerting.Enabled {
		return service.OutcomeSkipped, errors.New("alerting 未启用")
	}
	notifier := a.newNotifier()
	if notifier.Len() == 0 {
		return service.OutcomeSkipped, errors.New("未配置任何告警通道")
	}

	name := opts.Pairing
	if name == "" {
		name = "simulated"
	}

	evaluator, err := a.newEvaluator(a.Logger)
	if err != nil {
		return service.OutcomeSkipped, err
	}
	pairing := service.Pairing{
		Name:     name,
		LegA:     fetcher.NewStatic(name+"/leg_a", opts.LegA),
		LegB:     fetcher.NewStatic(name+"/leg_b", opts.LegB),
		Interval: a.Config.Scheduler.DefaultInterval,
	}

	svc, err := service.New(evaluator, []service.Pairing{pairing}, service.Deps{Notifier: notifier},
		service.Options{DeliveryTimeout: a.Config.Alerting.Timeout}, a.Logger)
	if err != nil {
		return service.OutcomeSkipped, err
	}

	outcome, err := svc.ProcessPairing(ctx, pairing)
	if err != nil {
		return outcome, err
	}

	snap := evaluator.Ledger().Snapshot()
	fired := make([]string, 0, len(snap.Fired))
	for _, pct := range snap.Fired {
		fired = append(fired, pct.String())
	}
	fmt.Fprintf(a.Out, "outcome: %s\nretired: [%s]\n", outcome, strings.Join(fired, ", "))
	return outcome, nil
}
