package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func nukeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "nuke",
		Short: "Delete every stored encounter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			ctx := cmd.Context()
			s, release, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer release()
			if err := s.DeleteAll(ctx); err != nil {
				return err
			}
			log.Info("all encounters deleted")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}
