// graphsmith walks a source tree, drives the staged analysis pipeline, and
// prints the final run report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
	"github.com/graphsmith/graphsmith/pkg/masking"
	"github.com/graphsmith/graphsmith/pkg/pipeline"
	"github.com/graphsmith/graphsmith/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// installLogger replaces the process logger with a masked handler: JSON in
// production, text everywhere else, debug level under APP_ENV=debug.
func installLogger(appEnv string) {
	level := slog.LevelInfo
	if appEnv == "debug" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if appEnv == "production" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(masking.NewHandler(inner, masking.NewService())))
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	target := flag.String("target",
		getEnv("TARGET_DIRECTORY", "."),
		"Source tree to analyze")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	// The profile comes from the freshly loaded environment, so the logger
	// is installed after godotenv.
	installLogger(os.Getenv("APP_ENV"))

	// The target flag wins over the environment; the config loader only
	// reads the latter.
	if err := os.Setenv("TARGET_DIRECTORY", *target); err != nil {
		slog.Error("Failed to set target directory", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting graphsmith",
		"version", version.Full(),
		"target", *target,
		"config_dir", *configDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancelling the run context starts a graceful drain; a second signal
	// kills the process the hard way via the default handler.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received, draining", "signal", sig)
		cancel()
		signal.Stop(sigCh)
	}()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	report, err := pipeline.New(cfg, pipeline.Deps{}).Run(ctx)
	if report != nil {
		fmt.Println(report.Render())
	}

	switch {
	case err == nil:
	case errors.Is(err, faults.ErrShutdown):
		// Operator-initiated stop; the partial report stands.
	default:
		slog.Error("Pipeline run failed", "error", err)
		os.Exit(1)
	}
}
