package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/example/cita-scheduler/internal/config"
	"github.com/example/cita-scheduler/internal/observability"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// app is what PersistentPreRunE prepares for every subcommand.
type app struct {
	cfgFile string
	cfg     config.Config
	log     *zap.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "citasched",
		Short:         "Books extranjería appointments by driving the cita previa site until a slot is confirmed",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" || cmd.Name() == "keys" {
				a.log = zap.NewNop()
				return nil
			}
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./citasched.yaml)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newKeysCmd())
	root.AddCommand(newRunCmd(a))
	root.AddCommand(newServerCmd(a))
	root.AddCommand(newUserCmd(a))
	root.AddCommand(newTaskCmd(a))
	root.AddCommand(newCleanupCmd(a))

	return root
}

func (a *app) load() error {
	v := viper.New()
	config.SetDefaults(v)
	config.Configure(v, a.cfgFile)
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = observability.NewLogger(cfg.Logger)
	return nil
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
