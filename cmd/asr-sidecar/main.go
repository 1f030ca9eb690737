package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		batchMode   bool
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	flag.BoolVar(&batchMode, "batch", false, "Transcribe one JSON document from stdin and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// stdout carries the protocol, so every log line goes to stderr.
	logger := newLogger("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = newLogger(cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, batchMode, logger)
	stop()
	if err != nil {
		logger.Error("sidecar exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, batchMode bool, logger *slog.Logger) error {
	rt := runtime.New(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("runtime close failed", slog.String("error", err.Error()))
		}
	}()

	if err := rt.Start(ctx, os.Stderr); err != nil {
		return err
	}
	if batchMode {
		return rt.Batch().Run(ctx, os.Stdin, os.Stdout)
	}
	return rt.Server().Run(ctx, os.Stdin, os.Stdout)
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(value string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
