package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"
)

// Status prints the latest cached observation for every configured pairing.
func (a *App) Status(ctx context.Context) error {
	latest, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		return errors.New("redis not enabled; cannot show status")
	}
	defer latest.Close()

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pairing\tSpread%\tLeg A\tLeg B\tObserved (UTC)\tAge")
	now := time.Now()
	for _, pc := range a.Config.Pairings {
		obs, err := latest.GetLatest(ctx, pc.Name)
		if err != nil {
			return err
		}
		if obs == nil {
			fmt.Fprintf(writer, "%s\t-\t-\t-\t-\t-\n", sanitizeInline(pc.Name))
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			sanitizeInline(pc.Name),
			formatDecimal(obs.SpreadPct, 2),
			obs.LegA.String(),
			obs.LegB.String(),
			obs.ObservedAt.UTC().Format(time.RFC3339),
			now.Sub(obs.ObservedAt).Truncate(time.Second),
		)
	}
	return writer.Flush()
}
