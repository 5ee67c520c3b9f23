// Command aetherwave hosts a prediction-market ledger. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/aetherwave/internal/app"
	"github.com/alanyoungcy/aetherwave/internal/config"
	"github.com/alanyoungcy/aetherwave/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	restore := flag.String("restore", "", `restore the ledger from an archive path ("latest" for the newest) and exit`)
	encryptKey := flag.String("encrypt-key", "", "write an encrypted operator key file to this path and exit; reads AETHER_OPERATOR_PRIVATE_KEY and AETHER_OPERATOR_KEY_PASSWORD")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *encryptKey != "" {
		if err := writeKeyFile(*encryptKey); err != nil {
			logger.Error("failed to encrypt operator key", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("operator key file written", slog.String("path", *encryptKey))
		return
	}

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("aetherwave starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *restore != "" {
		if _, err := application.RestoreArchive(ctx, *restore); err != nil {
			logger.Error("restore failed", slog.String("error", err.Error()))
			application.Close()
			os.Exit(1)
		}
		return
	}

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("aetherwave stopped")
}

// writeKeyFile seals the operator key from the environment into path.
func writeKeyFile(path string) error {
	key := os.Getenv("AETHER_OPERATOR_PRIVATE_KEY")
	password := os.Getenv("AETHER_OPERATOR_KEY_PASSWORD")
	if key == "" || password == "" {
		return errors.New("AETHER_OPERATOR_PRIVATE_KEY and AETHER_OPERATOR_KEY_PASSWORD must be set")
	}
	data, err := crypto.EncryptKey(key, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
