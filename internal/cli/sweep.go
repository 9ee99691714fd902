package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/database"
	"github.com/rottym/fambam/internal/server"
)

// NewSweepCommand creates the sweep command, which sends due calendar
// reminders once and exits. It suits a cron-driven deployment.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Send due calendar reminders once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			srv := server.New(db, cfg, logger)
			defer srv.Shutdown()

			n, err := srv.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "reminded %d event(s)\n", n)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			return nil
		},
	}
}
