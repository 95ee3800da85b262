package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/cita-scheduler/internal/db"
	"github.com/example/cita-scheduler/internal/tasks"
)

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks recorded by the server",
	}
	cmd.AddCommand(newTaskListCmd(a))
	cmd.AddCommand(newTaskEventsCmd(a))
	return cmd
}

func (a *app) repo(cmd *cobra.Command) (*tasks.Repo, func(), error) {
	d, err := db.Open(cmd.Context(), a.cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	// Listing never opens sealed profiles, so no key is needed.
	return tasks.NewRepo(d, nil), d.Close, nil
}

func newTaskListCmd(a *app) *cobra.Command {
	var (
		userID int64
		limit  int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List a user's tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeDB, err := a.repo(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			ts, err := repo.ListByUser(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKEY\tOPERATION\tSTATE\tATTEMPTS\tCODE\tSTARTED")
			for _, t := range ts {
				code := ""
				if t.Code != nil {
					code = *t.Code
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					t.ID, t.Key, t.Operation, t.State, t.Attempts, t.MaxCycles, code, t.StartedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "owner user id")
	c.Flags().IntVar(&limit, "limit", 50, "max tasks to list")
	_ = c.MarkFlagRequired("user-id")
	return c
}

func newTaskEventsCmd(a *app) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "events TASK_ID",
		Short: "Print the event log of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeDB, err := a.repo(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			evs, err := repo.Events(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			for _, e := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-13s %s\n", e.At.Format("2006-01-02 15:04:05"), e.Kind, e.Message)
			}
			return nil
		},
	}
	c.Flags().IntVar(&limit, "limit", 200, "max events to print")
	return c
}
