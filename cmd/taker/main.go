// Command taker runs the HIP-3 perpetual-futures taker bot: config load,
// logger setup, orchestrator wiring, and a graceful shutdown on
// SIGINT/SIGTERM that never leaves an open position behind.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hip3-taker/internal/config"
	"hip3-taker/internal/orchestrator"
)

func main() {
	cfgPath := "./config.yaml"
	if p := os.Getenv("HIP3_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	orch, err := orchestrator.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", zap.Error(err))
		os.Exit(1)
	}

	if err := orch.Start(context.Background()); err != nil {
		logger.Error("failed to start orchestrator", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("hip3-taker started",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("markets", len(cfg.Markets)),
		zap.Bool("dashboard", cfg.Dashboard.Enabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	orch.Stop()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format != "json" {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
