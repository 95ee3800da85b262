package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Kill browser and driver processes left behind by earlier runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := a.sessions()
			if err != nil {
				return err
			}
			n, err := sessions.CleanupOrphans(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d orphaned processes\n", n)
			return nil
		},
	}
}
