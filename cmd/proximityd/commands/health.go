package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/XC-/proximity/health"
)

func healthCmd() *cobra.Command {
	var flags health.Flags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print the aggregate self-check",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, release, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer release()
			c := health.NewChecker(health.FlagFunc(func(context.Context) health.Flags { return flags }), s)
			r, err := c.Check(ctx)
			if err != nil {
				return err
			}
			b, err := json.MarshalIndent(r, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Bluetooth, "bluetooth", true, "bluetooth is on")
	cmd.Flags().BoolVar(&flags.BatteryOptimisation, "battery-optimisation", false, "battery optimisation is on")
	cmd.Flags().BoolVar(&flags.Location, "location", true, "location is on")
	return cmd
}
