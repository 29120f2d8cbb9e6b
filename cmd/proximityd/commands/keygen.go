package commands

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/XC-/proximity/crypt"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a test server key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := crypt.GenerateServerKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "private: %s\n", base64.StdEncoding.EncodeToString(priv.Bytes()))
			fmt.Fprintf(out, "public:  %s\n", base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()))
			return nil
		},
	}
}
