package cli

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/backup"
	"github.com/rottym/fambam/internal/database"
	"github.com/rottym/fambam/internal/server"
	"github.com/rottym/fambam/internal/store"
)

// NewBackupCommand creates the backup command and its subcommands.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take an encrypted database backup now and prune old ones",
		Long: `Snapshot the database, encrypt it with the configured passphrase and
upload it to the configured S3-compatible bucket. Backups older than the
retention period are pruned afterwards.

Example:
  FAMBAM_BACKUP_BUCKET=fambam FAMBAM_BACKUP_PASSPHRASE=... fambam backup
  fambam backup list
  fambam backup restore 12 ./restored.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackups(rootOpts, func(m *backup.Manager) error {
				b, err := m.RunNow(cmd.Context())
				if err != nil {
					return fmt.Errorf("backup: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup %d uploaded to %s (%d bytes)\n", b.ID, b.ObjectKey, b.SizeBytes)

				n, err := m.Cleanup(cmd.Context())
				if n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "pruned %d old backup(s)\n", n)
				}
				return err
			})
		},
	}

	cmd.AddCommand(newBackupListCommand(rootOpts))
	cmd.AddCommand(newBackupRestoreCommand(rootOpts))
	return cmd
}

func newBackupListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackups(rootOpts, func(m *backup.Manager) error {
				backups, err := m.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tSIZE\tKEY")
				for _, b := range backups {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", b.ID, b.Status, b.StartedAt.Format("2006-01-02 15:04"), b.SizeBytes, b.ObjectKey)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of backups to show")
	return cmd
}

func newBackupRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-id> <output-path>",
		Short: "Download and decrypt a backup into a new database file",
		Long: `Download a completed backup, decrypt it and verify its integrity, writing
the result to output-path, which must not exist. Stop the server and move
the file over the configured db_path to put it into service.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid backup id %q", args[0])
			}
			return withBackups(rootOpts, func(m *backup.Manager) error {
				if err := m.Restore(cmd.Context(), id, args[1]); err != nil {
					return fmt.Errorf("restore: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup %d restored to %s\n", id, args[1])
				return nil
			})
		},
	}
}

func withBackups(opts *RootOptions, fn func(*backup.Manager) error) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(newBackupManager(db, server.BackupConfig(cfg), logger))
}

func newBackupManager(db *sql.DB, cfg backup.Config, logger *slog.Logger) *backup.Manager {
	return backup.NewManager(cfg, db, store.NewBackupStore(db), logger)
}
