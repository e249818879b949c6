// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command collector-sim runs a local long-term-stats collector. It admits
// nodes by license key, decrypts their submissions and logs a summary.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/pflag"

	"grimm.is/ltsagent/internal/codec"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/telemetry"
	"grimm.is/ltsagent/internal/uplink"
)

func main() {
	listen := pflag.StringP("listen", "l", "127.0.0.1:9128", "Address to accept node connections on")
	licenses := pflag.StringSlice("license", nil, "License keys to admit (repeatable). Empty admits every node")
	denyAll := pflag.Bool("deny", false, "Refuse every node")
	dump := pflag.Bool("dump", false, "Print each decoded submission as JSON on stdout")
	debug := pflag.Bool("debug", false, "Debug logging")
	pflag.Parse()

	lc := logging.DefaultConfig()
	if *debug {
		lc.Level = logging.LevelDebug
	}
	logger := logging.New(lc).WithComponent("collector-sim")
	logging.SetDefault(logger)

	policy := uplink.AcceptAll
	switch {
	case *denyAll:
		policy = uplink.DenyAll
	case len(*licenses) > 0:
		allowed := *licenses
		policy = func(h uplink.Hello) bool { return slices.Contains(allowed, h.LicenseKey) }
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	collector, err := uplink.Listen(*listen, uplink.CollectorOptions{
		Policy:  policy,
		Handler: func(r uplink.Received) { report(logger, out, *dump, r) },
		Logger:  logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "collector-sim: %v\n", err)
		os.Exit(1)
	}
	logger.Info("Collector listening", "addr", collector.Addr(), "public_key", collector.PublicKey().String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := collector.Serve(ctx); err != nil {
		logger.Error("Collector stopped", "error", err)
		os.Exit(1)
	}
}

func report(logger *logging.Logger, out *json.Encoder, dump bool, r uplink.Received) {
	var sub telemetry.StatsSubmission
	if err := codec.Unmarshal(r.Payload, &sub); err != nil {
		diag, _ := codec.Diagnose(r.Payload)
		logger.Warn("Undecodable submission", "node_id", r.Hello.NodeID, "error", err, "cbor", diag)
		return
	}
	logger.Info("Submission",
		"node_id", r.Hello.NodeID,
		"node_name", r.Hello.NodeName,
		"batch_id", sub.BatchID,
		"flows", sub.FlowCount,
		"shaped_devices", sub.ShapedDeviceCount,
		"top_flows", len(sub.TopFlows),
		"circuits", len(sub.Circuits),
	)
	if dump {
		if err := out.Encode(sub); err != nil {
			logger.Warn("Failed to print submission", "error", err)
		}
	}
}
