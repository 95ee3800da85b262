package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate cookie and profile encryption keys (base64)",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{"SERVER_COOKIE_HASH_KEY", "SERVER_COOKIE_BLOCK_KEY", "SERVER_PROFILE_KEY"} {
				k := make([]byte, 32)
				if _, err := rand.Read(k); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "export CITASCHED_%s=%s\n", name, base64.StdEncoding.EncodeToString(k))
			}
			return nil
		},
	}
}
