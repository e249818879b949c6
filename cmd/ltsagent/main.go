// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command ltsagent gathers flow and queue telemetry on a shaping node and
// submits it to the long-term-stats collector.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/uplink"
)

func main() {
	configPath := pflag.StringP("config", "c", config.DefaultPath, "Path to HCL or JSON config file")
	checkOnly := pflag.Bool("check", false, "Validate the config file and exit")
	debug := pflag.Bool("debug", false, "Force debug logging")
	pflag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ltsagent: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Printf("%s: OK\n", *configPath)
		return
	}

	logger := newLogger(cfg.Logging, *debug)
	logging.SetDefault(logger)

	a, err := newAgent(cfg, config.FileLoader(*configPath), logger)
	if err != nil {
		logger.Error("Failed to start agent", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutting down", "signal", sig.String())
		select {
		case a.control <- uplink.Quit:
		default:
		}
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("Agent stopped", "error", err)
		a.Close()
		os.Exit(1)
	}
}

func newLogger(c *config.LoggingConfig, debug bool) *logging.Logger {
	lc := logging.DefaultConfig()
	if c != nil {
		lc.Level = logging.ParseLevel(c.Level)
		lc.JSON = c.JSON
		if c.File != "" {
			lc.File = &logging.FileConfig{
				Path:       c.File,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 14,
				Compress:   true,
			}
		}
	}
	if debug {
		lc.Level = logging.LevelDebug
	}
	return logging.New(lc)
}
