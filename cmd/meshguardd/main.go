// Command meshguardd runs the identity plane daemon: CA, attestation,
// identity cache, workload API socket, and admin endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshguard/meshguard"
	"github.com/meshguard/meshguard/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshguardd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "server-config.yaml", "path to the server configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug|info|warn|error)")
	logJSON := flag.Bool("log-json", true, "emit JSON logs")
	flag.Parse()

	logger, err := buildLogger(*logLevel, *logJSON)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		return err
	}

	sys, err := meshguard.New(cfg, meshguard.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting meshguardd",
		"config", *configPath,
		"trust_domain", cfg.TrustDomain,
		"socket", cfg.SocketPath)
	return sys.Run(ctx)
}

func buildLogger(level string, asJSON bool) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if asJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}
