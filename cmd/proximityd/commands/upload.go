package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/XC-/proximity/upload"
)

func uploadCmd() *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "PUT the export body to a pre-signed URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url required")
			}
			ctx := cmd.Context()
			s, release, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer release()
			c, err := upload.NewClient()
			if err != nil {
				return err
			}
			return c.PutStore(ctx, s, url, token)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "pre-signed upload URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token")
	return cmd
}
