// Command tickwatch streams market ticks to subscribers and evaluates price
// and condition alerts against them. It loads configuration, validates it,
// wires dependencies, sets up signal handling, and runs the configured mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/tickwatch/internal/app"
	"github.com/alanyoungcy/tickwatch/internal/config"
	"github.com/alanyoungcy/tickwatch/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptTo := flag.String("encrypt-token", "", "read an access token from stdin, seal it with feed.token_password and write it to this path, then exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	if *encryptTo != "" {
		if err := sealToken(*encryptTo, cfg.Feed.TokenPassword); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt token: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "sealed token written to %s\n", *encryptTo)
		return
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("tickwatch starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("active configuration", slog.Any("config", config.RedactedConfig(cfg)))

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("tickwatch stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

func sealToken(path, password string) error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read token: %w", err)
	}
	sealed, err := crypto.EncryptToken(line, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}
