package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/config"
	"github.com/example/cita-scheduler/internal/domain/appointment"
	"github.com/example/cita-scheduler/internal/engine"
	"github.com/example/cita-scheduler/internal/notify"
	"github.com/example/cita-scheduler/internal/supervisor"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		profiles  []string
		maxCycles int
	)

	c := &cobra.Command{
		Use:   "run",
		Short: "Run one task per profile in the foreground until each ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ps []*appointment.CustomerProfile
			for _, path := range profiles {
				p, err := config.LoadProfile(path)
				if err != nil {
					return err
				}
				ps = append(ps, p)
			}
			if maxCycles <= 0 {
				maxCycles = a.cfg.Engine.MaxCycles
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sessions, err := a.sessions()
			if err != nil {
				return err
			}
			if n, err := sessions.CleanupOrphans(ctx); err != nil {
				a.log.Warn("orphan cleanup", zap.Error(err))
			} else if n > 0 {
				a.log.Info("killed orphaned browser processes", zap.Int("count", n))
			}

			notifier := notify.LogNotifier{Logger: a.log.Named("notify")}
			human := notify.NewLineGate(cmd.InOrStdin(), cmd.OutOrStdout())
			sup := supervisor.New(a.engine(sessions, notifier, human), supervisor.Options{
				MaxCycles: maxCycles,
				Notifier:  notifier,
				Logger:    a.log,
			})

			var keys []string
			for _, p := range ps {
				info, err := sup.Start(ctx, p)
				if err != nil {
					return err
				}
				keys = append(keys, info.Key)
			}

			var failed []error
			for _, k := range keys {
				res, _, err := sup.Wait(context.WithoutCancel(ctx), k)
				if err != nil {
					return err
				}
				switch res.Outcome {
				case engine.Success:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: appointment confirmed, code %s\n", k, res.Confirmed.Code)
				case engine.Aborted:
					failed = append(failed, fmt.Errorf("%s: aborted after %d attempts: %w", k, res.Attempts, res.Err))
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after %d attempts\n", k, res.Outcome, res.Attempts)
				}
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := sup.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("supervisor shutdown", zap.Error(err))
			}
			sessions.Shutdown(shutdownCtx)
			return errors.Join(failed...)
		},
	}

	c.Flags().StringArrayVarP(&profiles, "profile", "p", nil, "customer profile file (yaml or json); repeat for several tasks")
	c.Flags().IntVar(&maxCycles, "max-cycles", 0, "attempts per task (default engine.max_cycles)")
	_ = c.MarkFlagRequired("profile")
	return c
}
