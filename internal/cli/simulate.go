package cli

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"p2p-spread-alerts/internal/app"
)

var (
	simulatePairing string
	simulateLegA    string
	simulateLegB    string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次价差并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		legA, err := parsePositive("--leg-a", simulateLegA)
		if err != nil {
			return err
		}
		legB, err := parsePositive("--leg-b", simulateLegB)
		if err != nil {
			return err
		}

		_, err = getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Pairing: simulatePairing,
			LegA:    legA,
			LegB:    legB,
		})
		return err
	},
}

func parsePositive(flag, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Decimal{}, fmt.Errorf("%s 必须提供", flag)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", flag, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, errors.New(flag + " 必须大于 0")
	}
	return d, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePairing, "pairing", "", "配对名称")
	simulateCmd.Flags().StringVar(&simulateLegA, "leg-a", "", "A 腿价格")
	simulateCmd.Flags().StringVar(&simulateLegB, "leg-b", "", "B 腿价格 (价差基准)")
}
