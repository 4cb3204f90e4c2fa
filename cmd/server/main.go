package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/stagedimport/internal/backend"
	"github.com/JonMunkholm/stagedimport/internal/config"
	"github.com/JonMunkholm/stagedimport/internal/core"
	"github.com/JonMunkholm/stagedimport/internal/logging"
	"github.com/JonMunkholm/stagedimport/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	def, err := backend.LoadSchema(cfg.Schema)
	if err != nil {
		slog.Error("failed to load import schema", "error", err)
		os.Exit(1)
	}
	slog.Info("import schema loaded", "name", def.Name, "table", def.Table, "fields", len(def.Fields))

	ctx := context.Background()
	set, err := backend.Open(ctx, cfg, def, logger)
	if err != nil {
		slog.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer set.Close()

	service, err := set.Service(cfg, def, logger)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	opts := web.Options{
		MaxUploadSize:      cfg.Staging.MaxFileSize,
		ResponseErrorLimit: cfg.Staging.ResponseErrorLimit,
		Columns:            def.FieldNames(),
	}
	if counter, ok := set.Store.(core.StatusCounter); ok {
		opts.Stats = counter
	}
	server := web.NewServer(service, cfg.Server, opts)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for in-flight stage calls so no session is left half written
		if status := service.Limiter().Status(); status.Active > 0 {
			slog.Info("waiting for uploads to complete", "active", status.Active)
			if err := service.Limiter().WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("uploads did not complete in time", "error", err)
			} else {
				slog.Info("all uploads completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		set.Close()
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}
