package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/feedloader/internal/logging"
	"github.com/JonMunkholm/feedloader/internal/web"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API for imports, exports and operation status.

On SIGINT or SIGTERM the server stops accepting requests and waits up to
SERVER_SHUTDOWN_TIMEOUT for running operations to finish.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "Create missing tables before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{redis: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if serveMigrate {
		if err := a.migrate(ctx); err != nil {
			return err
		}
	}
	if a.statuses != nil {
		// Operations of a previous process cannot resume.
		if ids, err := a.statuses.ActiveIDs(ctx); err != nil {
			slog.Warn("list unfinished operations", "error", err)
		} else if len(ids) > 0 {
			slog.Warn("operations interrupted by a previous shutdown", "count", len(ids), "ids", ids)
		}
	}

	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"workers", cfg.Pipeline.Workers,
		"chunk_size", cfg.Pipeline.ChunkSize,
		"batch_size", cfg.Pipeline.BatchSize,
		"archive", cfg.Archive.Backend,
		"redis", cfg.Redis.Addr != "",
	)

	server := web.NewServer(a.service, cfg.Server, cfg.Pipeline.UploadDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		active := a.service.Pool().ActiveCount()
		if active > 0 {
			slog.Info("waiting for operations to complete", "active", active)
		}
		if err := a.service.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("operations did not complete in time", "error", err)
		}
		return nil
	})

	return g.Wait()
}
