package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/database"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := rootOpts.load()
			if err != nil {
				return err
			}
			// Open migrates.
			db, err := database.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			v, err := database.Version(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s at schema version %d\n", cfg.DBPath, v)
			return nil
		},
	}
}
