// Flash-pump detection and trading engine — a real-time core that watches
// a market-data stream for sudden price/volume surges, confirms them
// against a peak-quiet window, gates any resulting trade intent through a
// six-check risk manager, and hands approved intents to an order-executor
// port.
//
// Architecture:
//
//	main.go                        — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	internal/orchestrator/orchestrator.go — wires bus → risk → pump detector → pool, owns startup/shutdown
//	internal/wspool/pool.go        — multi-connection WebSocket pool: placement, rate limiting, reconnection
//	internal/pumpdetector/detector.go — per-symbol rolling baselines, candidate detection, confirmation, reversal
//	internal/risk/manager.go       — six independent risk checks, capital/equity-peak/budget bookkeeping
//	internal/events/bus.go         — topic-keyed pub/sub decoupling every component above
//	internal/executor/executor.go  — order-executor port (log-only until a live adapter is wired in)
//	internal/notify/notify.go      — notification port (log-only until a live channel is wired in)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/LKrysik/flashpump-engine/internal/config"
	"github.com/LKrysik/flashpump-engine/internal/orchestrator"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PUMP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng := orchestrator.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	for _, symbol := range cfg.Watchlist {
		if err := eng.Subscribe(ctx, symbol); err != nil {
			logger.Error("failed to subscribe to symbol", "symbol", symbol, "error", err)
		}
	}

	logger.Info("flash-pump engine started",
		"exchange", cfg.Exchange.Name,
		"watchlist_size", len(cfg.Watchlist),
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
