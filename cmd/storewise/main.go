package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/storewise-ai/storewise"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("STOREWISE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("storewise starting", "version", version)

	app, err := storewise.New(
		storewise.WithLogger(logger),
		storewise.WithVersion(version),
	)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	runErr := app.Run(ctx)
	if closeErr := app.Close(); closeErr != nil {
		slog.Error("shutdown error", "error", closeErr)
	}
	if runErr != nil {
		slog.Error("fatal error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("storewise stopped")
}
