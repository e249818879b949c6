// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/ltsagent/internal/api"
	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/metrics"
	"grimm.is/ltsagent/internal/queues"
	"grimm.is/ltsagent/internal/submission"
	"grimm.is/ltsagent/internal/telemetry"
	"grimm.is/ltsagent/internal/throughput"
	"grimm.is/ltsagent/internal/uplink"
)

// agent holds every long-lived service. Each is built once here and
// handed to its consumers.
type agent struct {
	cfg    *config.Config
	logger *logging.Logger

	structure *queues.StructureStore
	watched   *queues.Registry
	poller    *queues.Poller
	flows     *flows.Registry
	source    flows.Source
	tracker   *throughput.Tracker
	sampler   *telemetry.Sampler
	aggr      *telemetry.Aggregator
	queue     *submission.Queue
	uplink    *uplink.Client
	api       *api.Server

	control       chan uplink.Message
	announcements chan throughput.Announcement
}

func newAgent(cfg *config.Config, loader config.Loader, logger *logging.Logger) (*agent, error) {
	a := &agent{
		cfg:           cfg,
		logger:        logger,
		control:       make(chan uplink.Message, 8),
		announcements: make(chan throughput.Announcement, 16),
	}

	structure, err := queues.LoadStructure(cfg.Queues.StructureFile)
	if err != nil {
		logger.Warn("Queue structure unavailable, no circuits can be watched",
			"file", cfg.Queues.StructureFile, "error", err)
		structure = queues.NewStructure(nil)
	}
	a.structure = queues.NewStructureStore(structure)
	a.watched = queues.NewRegistry(a.structure, queues.Options{
		Logger: logger.WithComponent("watched-queues"),
	})

	var reader queues.ClassReader
	if cfg.Queues.DownloadInterface != "" || cfg.Queues.UploadInterface != "" {
		reader = queues.NewNetlinkReader()
		a.poller = queues.NewPoller(a.watched, reader,
			cfg.Queues.DownloadInterface, cfg.Queues.UploadInterface,
			logger.WithComponent("queue-poller"))
	}

	a.flows = flows.NewRegistry(logger.WithComponent("flows"), &flows.Config{
		FlowTimeout:     config.Duration(cfg.Flows.FlowTimeout, 5*time.Minute),
		ClosedGrace:     config.Duration(cfg.Flows.ClosedGrace, 30*time.Second),
		CleanupInterval: config.Duration(cfg.Flows.CleanupInterval, 30*time.Second),
		MaxFlows:        cfg.Flows.MaxFlows,
	}, nil)

	if src, err := openSource(cfg.Flows, logger.WithComponent("flow-source")); err != nil {
		logger.Warn("Flow source unavailable, flow table will stay empty",
			"source", cfg.Flows.Source, "error", err)
	} else {
		a.source = src
	}

	a.tracker = throughput.NewTracker(logger.WithComponent("throughput"))
	a.sampler = telemetry.NewSampler(telemetry.SamplerOptions{
		Flows:             a.flows,
		Structure:         a.structure,
		Reader:            reader,
		DownloadInterface: cfg.Queues.DownloadInterface,
		UploadInterface:   cfg.Queues.UploadInterface,
		Logger:            logger.WithComponent("sampler"),
	})

	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	var queueOpts submission.Options
	if cfg.LongTermStats != nil {
		queueOpts.MaxItems = cfg.LongTermStats.MaxQueued
	}
	a.queue, err = submission.OpenDir(cfg.StateDir, queueOpts)
	if err != nil {
		return nil, err
	}

	a.uplink, err = uplink.New(uplink.Options{
		Loader: loader,
		Queue:  a.queue,
		Logger: logger.WithComponent("uplink"),
	})
	if err != nil {
		a.queue.Close()
		return nil, err
	}

	submitInterval := telemetry.DefaultInterval
	if cfg.LongTermStats != nil {
		submitInterval = config.Duration(cfg.LongTermStats.SubmitInterval, submitInterval)
	}
	a.aggr = telemetry.NewAggregator(telemetry.AggregatorOptions{
		Loader:   loader,
		Interval: submitInterval,
		Tracker:  a.tracker,
		Flows:    a.flows,
		Poller:   a.poller,
		Queue:    a.queue,
		Notify:   a.control,
		Logger:   logger.WithComponent("aggregator"),
	})

	if cfg.API.Enabled {
		exporter := metrics.NewExporter(metrics.Sources{
			Tracker: a.tracker,
			Flows:   a.flows,
			Watched: a.watched,
			Poller:  a.poller,
			Queue:   a.queue,
			Uplink:  a.uplink,
		})
		a.api = api.NewServer(api.Options{
			Tracker: a.tracker,
			Flows:   a.flows,
			Watched: a.watched,
			Poller:  a.poller,
			Queue:   a.queue,
			Uplink:  a.uplink,
			Metrics: exporter.Handler(),
			Logger:  logger.WithComponent("api"),
		})
	}

	return a, nil
}

// openSource opens the configured flow source. A nil Source with a nil
// error means flow collection is off.
func openSource(c *config.FlowsConfig, logger *logging.Logger) (flows.Source, error) {
	switch c.Source {
	case "none":
		return nil, nil
	case "conntrack":
		src, err := flows.OpenConntrackSource(logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		src, err := flows.OpenMapSource(c.PinnedMap, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

// Run starts every service and blocks until ctx is done.
func (a *agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	q := a.cfg.Queues

	g.Go(func() error {
		a.tracker.Run(ctx, a.announcements)
		return nil
	})
	g.Go(func() error {
		a.sampler.Run(ctx, time.Second, a.announcements)
		return nil
	})
	g.Go(func() error {
		a.watched.Run(ctx, config.Duration(q.SweepInterval, 2*time.Second))
		return nil
	})
	if a.poller != nil {
		g.Go(func() error {
			a.poller.Run(ctx, config.Duration(q.PollInterval, time.Second))
			return nil
		})
	}
	g.Go(func() error {
		a.flows.Run(ctx)
		return nil
	})
	if a.source != nil {
		g.Go(func() error {
			flows.Pump(ctx, a.source, a.flows,
				config.Duration(a.cfg.Flows.PollInterval, time.Second),
				a.logger.WithComponent("flow-pump"))
			return nil
		})
	}
	g.Go(func() error {
		a.aggr.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.uplink.Run(ctx, a.control)
		return nil
	})
	if a.api != nil {
		g.Go(func() error { return a.api.ListenAndServe(ctx, a.cfg.API.Listen) })
	}

	a.logger.Info("Agent started",
		"node_id", a.cfg.NodeID,
		"flow_source", a.cfg.Flows.Source,
		"circuits", a.structure.Load().Len(),
		"watch_capacity", a.watched.Capacity())
	return g.Wait()
}

// Close releases the flow source and submission queue. It is safe to
// call more than once.
func (a *agent) Close() {
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Warn("Failed to close flow source", "error", err)
		}
		a.source = nil
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("Failed to close submission queue", "error", err)
		}
		a.queue = nil
	}
}
