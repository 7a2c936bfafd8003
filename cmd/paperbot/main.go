// Command paperbot runs the autonomous paper-trading engine: it boots
// every component via internal/orchestrator, serves the dashboard, and
// shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/orchestrator"
)

func main() {
	configFile := flag.String("config", "", "Path to config.yaml (overrides env defaults)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := orchestrator.New(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to initialize engine", zap.Error(err))
		os.Exit(exitCode(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- engine.Run(ctx)
	}()

	logger.Info("paperbot running",
		zap.String("dashboard", fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port)))

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	case err := <-runErr:
		if err != nil {
			logger.Error("engine run loop exited", zap.Error(err))
			shutdown(logger, engine)
			os.Exit(exitCode(err))
		}
	}

	shutdown(logger, engine)
	logger.Info("paperbot stopped")
}

func shutdown(logger *zap.Logger, engine *orchestrator.Engine) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
}

// exitCode maps a fatal boot/run error to the engine's documented exit
// codes: 1 for a generic initialization failure, 2 for a dashboard port
// already in use (a second live instance).
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if isAddrInUse(err) {
		return 2
	}
	return 1
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "bind: ") ||
		strings.Contains(msg, "already running")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
