package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"p2p-spread-alerts/internal/app"
)

var ladderSpread string

var ladderCmd = &cobra.Command{
	Use:   "ladder",
	Short: "Print the threshold ladder with cumulative quantities",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts app.LadderOptions
		if ladderSpread != "" {
			pct, err := decimal.NewFromString(ladderSpread)
			if err != nil {
				return fmt.Errorf("--spread: %w", err)
			}
			opts.Spread = &pct
		}
		return getApp().Ladder(opts)
	},
}

func init() {
	ladderCmd.Flags().StringVar(&ladderSpread, "spread", "", "Preview which rungs a fresh ledger would fire at this spread percent")
}
