package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ringvault/ringvault/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator API and periodic retention reconcile",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := server.New(cfg,
		server.WithHealthChecker(a.backend),
		server.WithInstances(a.registry),
		server.WithCleaner(a.store),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go reconcileLoop(ctx, a, cfg.Backup.CleanupInterval)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			slog.Error("Server error", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
	if err := a.close(shutdownCtx); err != nil {
		slog.Error("Draining background uploads failed", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	slog.Info("Server stopped")
	return serveErr
}

// reconcileLoop applies the retention rule at startup and then every
// interval until ctx ends.
func reconcileLoop(ctx context.Context, a *app, interval time.Duration) {
	reconcile := func() {
		if err := a.store.Cleanup(ctx); err != nil {
			slog.Warn("Periodic retention cleanup failed", "prefix", a.prefix, "error", err)
		}
	}

	reconcile()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcile()
		}
	}
}

// shutdownContext bounds the drain of background uploads for one-shot
// commands.
func shutdownContext(a *app) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
}

func closeApp(a *app) {
	ctx, cancel := shutdownContext(a)
	defer cancel()
	if err := a.close(ctx); err != nil {
		slog.Warn("Closing storage failed", "error", err)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
