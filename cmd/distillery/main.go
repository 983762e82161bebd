// Distillery server — deduplicates and merges IdeaBlocks through
// embedding similarity, clustering and LLM synthesis, exposed as an
// async job API.
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

	"github.com/joho/godotenv"

	"github.com/blockify-ai/distillery/pkg/api"
	"github.com/blockify-ai/distillery/pkg/cleanup"
	"github.com/blockify-ai/distillery/pkg/config"
	"github.com/blockify-ai/distillery/pkg/dedupe"
	"github.com/blockify-ai/distillery/pkg/embedding"
	"github.com/blockify-ai/distillery/pkg/jobs"
	"github.com/blockify-ai/distillery/pkg/jobstore"
	"github.com/blockify-ai/distillery/pkg/llm"
	"github.com/blockify-ai/distillery/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Server.LogLevel)

	slog.Info("Starting distillery",
		"version", version.Version,
		"http_port", cfg.Server.Port,
		"database_backend", cfg.Database.Backend)

	ctx := context.Background()

	store, err := jobstore.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to initialize job store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing job store", "error", err)
		}
	}()

	embedder, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		slog.Error("Failed to initialize embedding client", "error", err)
		os.Exit(1)
	}
	merger, err := llm.NewClient(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	engine := dedupe.NewEngine(embedder, merger, cfg.Algorithm)

	manager := jobs.NewManager(store, engine, cfg.Jobs)
	manager.Start()

	cleanupService := cleanup.NewService(cfg.Retention, store)
	cleanupService.Start(ctx)

	server := api.NewServer(cfg, manager, store)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Distillery started successfully", "workers", cfg.Jobs.WorkerPoolSize)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	cleanupService.Stop()

	// Wait for in-flight jobs, but not forever.
	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Job manager stopped gracefully")
	case <-time.After(30 * time.Second):
		slog.Warn("Job manager shutdown timeout exceeded")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
