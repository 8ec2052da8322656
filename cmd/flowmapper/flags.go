package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	Validate    bool
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", os.Getenv("SESSIONFLOW_CONFIG"),
		"Path to YAML configuration file, empty for defaults (env: SESSIONFLOW_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", os.Getenv("SESSIONFLOW_CONFIG"),
		"Shorthand for -config")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), `%s - session flow mapper

Usage: %s [options]

Options:
`, appName, appName)
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(fs.Output(), `
Every configuration value can be overridden from the environment, for example
SESSIONFLOW_MEDIATOR_THREAD_COUNT=16 sets mediator.thread_count.
`)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := validateFlags(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}
