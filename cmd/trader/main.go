package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pytrade/trade-core/internal/app"
	"github.com/pytrade/trade-core/internal/config"
	"github.com/pytrade/trade-core/internal/logger"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	path, _ := flags.GetString("config")

	// Load application configuration
	cfg, err := config.LoadConfig(path, flags)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		return 1
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not build logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.String("config", path), zap.String("strategy", cfg.Strategy))

	a, err := app.New(&cfg, log)
	if err != nil {
		log.Error("Failed to build application", zap.Error(err))
		return 1
	}

	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Error("Application stopped with errors", zap.Error(err))
		return 1
	}
	if a.Tripped() {
		log.Error("Stopped by watchdog")
		return 1
	}
	log.Info("Bot has been shut down.")
	return 0
}
