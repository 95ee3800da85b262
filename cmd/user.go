package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/cita-scheduler/internal/auth"
	"github.com/example/cita-scheduler/internal/db"
	"github.com/example/cita-scheduler/internal/migrate"
)

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users of the web UI",
	}
	cmd.AddCommand(newUserAddCmd(a))
	return cmd
}

func newUserAddCmd(a *app) *cobra.Command {
	var username, password string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a local user (username/password)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := db.Open(ctx, a.cfg.Database.URL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := migrate.Up(ctx, d); err != nil {
				return err
			}
			if err := auth.CreateUser(ctx, d, username, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %q\n", username)
			return nil
		},
	}

	c.Flags().StringVar(&username, "username", "", "username")
	c.Flags().StringVar(&password, "password", "", "password")
	_ = c.MarkFlagRequired("username")
	_ = c.MarkFlagRequired("password")
	return c
}
