package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/XC-/proximity/encounter"
)

type beforeStore interface {
	Before(ctx context.Context, t time.Time) ([]*encounter.Record, error)
}

func exportCmd() *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the encounter export body",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, release, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer release()

			var body []byte
			if before == "" {
				body, err = encounter.ExportStore(ctx, s)
			} else {
				t, perr := time.Parse(time.RFC3339, before)
				if perr != nil {
					return perr
				}
				bs, ok := s.(beforeStore)
				if !ok {
					return fmt.Errorf("--before is not supported by the %s store", storeKind)
				}
				rr, rerr := bs.Before(ctx, t)
				if rerr != nil {
					return rerr
				}
				body, err = encounter.Export(rr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "only records before this RFC 3339 time (bolt store)")
	return cmd
}
