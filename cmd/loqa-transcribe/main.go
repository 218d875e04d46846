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

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		inputPath   string
		outDir      string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "loqa-transcribe.yaml", "Path to configuration file")
	flag.StringVar(&inputPath, "input", "", "Transcribe this audio file once and exit instead of serving")
	flag.StringVar(&outDir, "out", "", "Directory for transcription.txt in -input mode (overrides output.directory)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)})).
		With(slog.String("runtime", cfg.RuntimeName), slog.String("version", version))
	if outDir != "" {
		cfg.Output.Directory = outDir
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if inputPath != "" {
		res, path, err := rt.RunFile(ctx, inputPath)
		if err != nil {
			logger.Error("transcription failed",
				slog.String("error", err.Error()),
				slog.String("job_id", res.JobID),
				slog.String("transcript", path))
			os.Exit(1)
		}
		logger.Info("transcription complete", slog.String("job_id", res.JobID), slog.String("transcript", path))
		return
	}

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
