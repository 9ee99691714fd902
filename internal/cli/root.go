// Package cli implements the fambam command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/config"
	"github.com/rottym/fambam/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the root command for the fambam CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fambam",
		Short: "fambam - family chores, calendar and points",
		Long:  "A household sync server: chores with points, a shared calendar mirrored to Google Calendar, and live queries over WebSocket.",

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file (default $FAMBAM_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewVAPIDCommand(opts))
	cmd.AddCommand(NewBackupCommand(opts))
	cmd.AddCommand(NewClientCommand(opts))

	return cmd
}

// load reads the configuration and sets up the default logger.
func (o *RootOptions) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, logging.Setup(cfg.LogLevel, cfg.LogFormat), nil
}
