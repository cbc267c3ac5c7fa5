package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/utafrali/textile-orderflow/internal/app"
	"github.com/utafrali/textile-orderflow/internal/config"
	"github.com/utafrali/textile-orderflow/pkg/logger"
)

const serviceName = "orderflow-service"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	log := logger.New(serviceName, cfg.LogLevel)
	slog.SetDefault(log)

	application, err := app.NewApp(cfg, log)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}

	// SIGTERM comes from the orchestrator, SIGINT from a developer terminal.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("orderflow starting",
		slog.String("environment", cfg.Environment),
		slog.Int("http_port", cfg.HTTPPort),
		slog.String("gateway_provider", cfg.GatewayProvider),
		slog.Bool("callback_consumer", cfg.CallbackConsumerEnabled),
	)
	if err := application.Run(ctx); err != nil {
		log.Error("orderflow stopped with error", slog.String("error", err.Error()))
		return 1
	}
	log.Info("orderflow stopped")
	return 0
}
