package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"p2p-spread-alerts/internal/storage"
)

// Show prints the persisted ledger and the alerts fired during its day.
func (a *App) Show(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show ledger")
	}
	defer closeStore()

	policy, err := a.Config.ResetPolicy()
	if err != nil {
		return err
	}

	snap, ok, err := store.LoadLedger(ctx, storage.DefaultLedgerKey)
	if err != nil {
		return err
	}
	if !ok || !snap.LastReset.IsValid() {
		fmt.Fprintln(a.Out, "ledger: never reset")
	} else {
		fired := make([]string, 0, len(snap.Fired))
		for _, pct := range snap.Fired {
			fired = append(fired, pct.String())
		}
		fmt.Fprintf(a.Out, "ledger day: %s (version %d)\nfired: [%s]\n", snap.LastReset, snap.Version, strings.Join(fired, ", "))
	}

	day := policy.LedgerDay(time.Now())
	if ok && snap.LastReset.IsValid() {
		day = snap.LastReset
	}
	alerts, err := store.ListAlertsSince(ctx, policy.DayStart(day))
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts fired today")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPairing\tThreshold%\tSpread%\tTranche\tCumulative\tLeg A\tLeg B")
	for _, rec := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ObservedAt.UTC().Format(time.RFC3339),
			sanitizeInline(rec.Pairing),
			formatDecimal(rec.ThresholdPct, 2),
			formatDecimal(rec.SpreadPct, 2),
			rec.TrancheQuantity.String(),
			rec.CumulativeQuantity.String(),
			rec.LegA.String(),
			rec.LegB.String(),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
