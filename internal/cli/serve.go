package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rottym/fambam/internal/database"
	"github.com/rottym/fambam/internal/server"
)

const shutdownTimeout = 5 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Long: `Run the fambam server with its background workers: the push
notification dispatcher, the calendar reminder sweep and, when Google
credentials are configured, calendar mirroring.

Example:
  fambam serve --config fambam.yaml
  FAMBAM_PORT=9000 fambam serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, port)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "override the configured port")

	return cmd
}

func runServe(parent context.Context, opts *RootOptions, port string) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(db, cfg, logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("fambam listening", "addr", httpServer.Addr, "push", cfg.PushEnabled(), "calendar_sync", cfg.CalendarEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		srv.Shutdown()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = httpServer.Shutdown(shutdownCtx)
	srv.Shutdown()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
