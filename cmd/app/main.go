package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"retainer_go/internal/app"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Environment (.env is optional)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env", slog.Any("error", err))
	}

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(*configPath); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Sequencer owns all feed-driven mutation
	done := make(chan struct{})
	go func() {
		defer close(done)
		bootstrap.Sequencer.Run(ctx)
	}()
	slog.InfoContext(ctx, "Sequencer started")

	// 5. Feed workers
	workers := bootstrap.Workers()
	for _, w := range workers {
		if err := w.Connect(ctx); err != nil {
			slog.Error("Failed to start feed worker", slog.Any("error", err))
		}
	}
	slog.InfoContext(ctx, "Retainer tracker running. Press Ctrl+C to exit.", slog.Int("feeds", len(workers)))

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("Shutting down gracefully...")

	for _, w := range workers {
		w.Disconnect()
	}
	<-done

	if err := bootstrap.Shutdown(); err != nil {
		slog.Error("Shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
}
