// Package main runs the session flow mapper: the mediator applying session
// events to flow-mapper state, the scheduled cleanup of closed and failed
// flows, and the metrics endpoint, all under one supervision tree.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/sessionflow/config"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "flowmapper"
)

const closeTimeout = 10 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	logger := setupLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting flow mapper",
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"store", cfg.Store.Backend,
		"nats", len(cfg.NATS.URLs) > 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("Close failed", "error", err)
		}
	}()

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("flow mapper stopped: %w", err)
	}
	logger.Info("Flow mapper shutdown complete")
	return nil
}
