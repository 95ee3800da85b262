package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/auth"
	"github.com/example/cita-scheduler/internal/crypto"
	"github.com/example/cita-scheduler/internal/db"
	"github.com/example/cita-scheduler/internal/migrate"
	"github.com/example/cita-scheduler/internal/notify"
	"github.com/example/cita-scheduler/internal/supervisor"
	"github.com/example/cita-scheduler/internal/tasks"
	"github.com/example/cita-scheduler/internal/web"
)

func newServerCmd(a *app) *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the web UI and the task supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			hashKey, blockKey, profileKey, err := a.cfg.Server.ServerKeys()
			if err != nil {
				return err
			}
			aead, err := crypto.New(profileKey)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, a.cfg.Database.URL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			repo := tasks.NewRepo(d, aead)
			if n, err := repo.MarkInterrupted(ctx); err != nil {
				return fmt.Errorf("close interrupted tasks: %w", err)
			} else if n > 0 {
				a.log.Warn("tasks interrupted by restart", zap.Int64("count", n))
			}

			sessions, err := a.sessions()
			if err != nil {
				return err
			}
			if _, err := sessions.CleanupOrphans(ctx); err != nil {
				a.log.Warn("orphan cleanup", zap.Error(err))
			}

			notifier := notify.Multi{notify.LogNotifier{Logger: a.log.Named("notify")}, repo}
			gate := notify.NewGate(notifier)
			sup := supervisor.New(a.engine(sessions, notifier, gate), supervisor.Options{
				MaxCycles: a.cfg.Engine.MaxCycles,
				Notifier:  notifier,
				Recorder:  repo,
				Logger:    a.log,
			})
			defer func() {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
				defer stop()
				if err := sup.Shutdown(shutdownCtx); err != nil {
					a.log.Warn("supervisor shutdown", zap.Error(err))
				}
				sessions.Shutdown(shutdownCtx)
			}()

			ws := &web.Server{
				Auth:       auth.NewStore(d, hashKey, blockKey),
				Tasks:      repo,
				Supervisor: sup,
				Gate:       gate,
				Logger:     a.log.Named("web"),
			}
			return web.Start(ctx, a.cfg.Server.ListenAddr, ws.Routes(), a.log)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
