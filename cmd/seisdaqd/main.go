// Command seisdaqd is the seismic acquisition station's process
// entrypoint: it loads configuration, constructs the model interpreter,
// and runs the supervisor until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"seisdaq/station/config"
	"seisdaq/station/supervisor"
	"seisdaq/third_party/tflitestub"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to station config YAML")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}

	if _, err := os.Stat(cfg.Inference.ModelPath); err != nil {
		logger.Error("model load failed", "path", cfg.Inference.ModelPath, "err", err)
		os.Exit(1)
	}

	// The real model runtime binds here (tflite/onnx/etc. behind the
	// gpd.Interpreter capability); the reference stub stands in, pinned
	// to the configured batch size.
	interp := tflitestub.New(cfg.Inference.BatchSize)

	sup, err := supervisor.New(cfg, interp, logger)
	if err != nil {
		logger.Error("supervisor init failed", "err", err)
		os.Exit(1)
	}

	logger.Info("station starting",
		"network", cfg.Station.Network,
		"station", cfg.Station.Station,
		"fifo_path", cfg.FIFOPath,
		"buffer_capacity_s", cfg.Capacity,
	)

	if err := sup.Run(ctx); err != nil {
		logger.Error("station stopped with error", "err", err)
		os.Exit(1)
	}

	logger.Info("station shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch s {
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
