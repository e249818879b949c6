// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/codec"
	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/queues"
	"grimm.is/ltsagent/internal/submission"
	"grimm.is/ltsagent/internal/throughput"
	"grimm.is/ltsagent/internal/uplink"
)

// SubmissionVersion is bumped when StatsSubmission changes incompatibly.
const SubmissionVersion = 1

// DefaultInterval is how often a submission is queued.
const DefaultInterval = 60 * time.Second

// DefaultTopFlows is how many flows a submission carries.
const DefaultTopFlows = 10

// Enqueuer stores encoded submissions.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, batchID uuid.UUID, payload []byte) (submission.Item, error)
}

// MinMaxAvg summarises a series.
type MinMaxAvg struct {
	Min uint64 `cbor:"min" json:"min"`
	Max uint64 `cbor:"max" json:"max"`
	Avg uint64 `cbor:"avg" json:"avg"`
}

func summarise(vals []uint64) MinMaxAvg {
	if len(vals) == 0 {
		return MinMaxAvg{}
	}
	m := MinMaxAvg{Min: vals[0], Max: vals[0]}
	var sum uint64
	for _, v := range vals {
		m.Min = min(m.Min, v)
		m.Max = max(m.Max, v)
		sum += v
	}
	m.Avg = sum / uint64(len(vals))
	return m
}

// ThroughputSummary is bits per second over the submission window.
type ThroughputSummary struct {
	Down       MinMaxAvg `cbor:"down" json:"down"`
	Up         MinMaxAvg `cbor:"up" json:"up"`
	ShapedDown MinMaxAvg `cbor:"shaped_down" json:"shaped_down"`
	ShapedUp   MinMaxAvg `cbor:"shaped_up" json:"shaped_up"`
}

// FlowSummary is one of the busiest flows.
type FlowSummary struct {
	Protocol    string                    `cbor:"protocol" json:"protocol"`
	SrcIP       string                    `cbor:"src_ip" json:"src_ip"`
	DstIP       string                    `cbor:"dst_ip" json:"dst_ip"`
	SrcPort     uint16                    `cbor:"src_port" json:"src_port"`
	DstPort     uint16                    `cbor:"dst_port" json:"dst_port"`
	Bytes       throughput.DownUp[uint64] `cbor:"bytes" json:"bytes"`
	Packets     throughput.DownUp[uint64] `cbor:"packets" json:"packets"`
	Retransmits throughput.DownUp[uint16] `cbor:"retransmits" json:"retransmits"`
	RTTMillis   [2]float64                `cbor:"rtt_ms" json:"rtt_ms"`
	EndStatus   string                    `cbor:"end_status" json:"end_status"`
}

// StatsSubmission is the payload queued for the collector.
type StatsSubmission struct {
	Version           int                   `cbor:"version" json:"version"`
	BatchID           string                `cbor:"batch_id" json:"batch_id"`
	NodeID            string                `cbor:"node_id" json:"node_id"`
	Timestamp         int64                 `cbor:"timestamp" json:"timestamp"`
	WindowSeconds     int                   `cbor:"window_seconds" json:"window_seconds"`
	Throughput        ThroughputSummary     `cbor:"throughput" json:"throughput"`
	FlowCount         uint64                `cbor:"flow_count" json:"flow_count"`
	ShapedDeviceCount uint64                `cbor:"shaped_device_count" json:"shaped_device_count"`
	TopFlows          []FlowSummary         `cbor:"top_flows" json:"top_flows"`
	Circuits          []queues.CircuitStats `cbor:"circuits,omitempty" json:"circuits,omitempty"`
}

// AggregatorOptions configures an Aggregator.
type AggregatorOptions struct {
	// Loader gates submissions on gather_stats and supplies node id and
	// top_flows. Nil always submits with NodeID and TopFlows below.
	Loader   config.Loader
	NodeID   string
	TopFlows int
	Interval time.Duration

	Tracker *throughput.Tracker
	Flows   *flows.Registry
	// Poller is optional.
	Poller *queues.Poller
	Queue  Enqueuer
	// Notify receives a non-blocking QueueReady after each enqueue.
	Notify chan<- uplink.Message
	Clock  clock.Clock
	Logger *logging.Logger
}

// Aggregator periodically builds and queues a StatsSubmission.
type Aggregator struct {
	opts   AggregatorOptions
	clock  clock.Clock
	logger *logging.Logger
}

var ErrSkipped = errors.New(errors.KindDisabled, "stats submission skipped")

// NewAggregator creates an aggregator.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TopFlows <= 0 {
		opts.TopFlows = DefaultTopFlows
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("telemetry")
	}
	return &Aggregator{opts: opts, clock: clock.OrReal(opts.Clock), logger: opts.Logger}
}

// Build assembles a submission from the current state.
func (a *Aggregator) Build(nodeID string, topN int) StatsSubmission {
	window := int(a.opts.Interval / time.Second)
	window = max(1, min(window, throughput.RingSize))

	sub := StatsSubmission{
		Version:       SubmissionVersion,
		BatchID:       uuid.NewString(),
		NodeID:        nodeID,
		Timestamp:     a.clock.Now().Unix(),
		WindowSeconds: window,
	}

	if a.opts.Tracker != nil {
		snap := a.opts.Tracker.Snapshot()
		sub.FlowCount = snap.FlowCount
		sub.ShapedDeviceCount = snap.ShapedDeviceCount

		entries := a.opts.Tracker.Recent(window)
		series := make([][]uint64, 4)
		for _, e := range entries {
			series[0] = append(series[0], e.Bps[0])
			series[1] = append(series[1], e.Bps[1])
			series[2] = append(series[2], e.Shaped[0])
			series[3] = append(series[3], e.Shaped[1])
		}
		sub.Throughput = ThroughputSummary{
			Down:       summarise(series[0]),
			Up:         summarise(series[1]),
			ShapedDown: summarise(series[2]),
			ShapedUp:   summarise(series[3]),
		}
	}

	if a.opts.Flows != nil {
		if sub.FlowCount == 0 {
			sub.FlowCount = uint64(a.opts.Flows.Count())
		}
		for _, f := range a.opts.Flows.Top(topN) {
			sub.TopFlows = append(sub.TopFlows, FlowSummary{
				Protocol:    f.Analysis.Protocol,
				SrcIP:       f.Key.SrcIP.String(),
				DstIP:       f.Key.DstIP.String(),
				SrcPort:     f.Key.SrcPort,
				DstPort:     f.Key.DstPort,
				Bytes:       f.State.BytesSent,
				Packets:     f.State.PacketsSent,
				Retransmits: f.State.TCPRetransmits,
				RTTMillis:   [2]float64{f.State.RTT[0].Millis(), f.State.RTT[1].Millis()},
				EndStatus:   f.State.EndStatus.String(),
			})
		}
	}

	if a.opts.Poller != nil {
		sub.Circuits = a.opts.Poller.All()
	}
	return sub
}

func (a *Aggregator) settings() (nodeID string, topN int, err error) {
	nodeID, topN = a.opts.NodeID, a.opts.TopFlows
	if a.opts.Loader == nil {
		return nodeID, topN, nil
	}
	cfg, err := a.opts.Loader()
	if err != nil {
		return "", 0, errors.Wrap(err, errors.KindConfiguration, "load config")
	}
	if cfg.LongTermStats == nil || !cfg.LongTermStats.GatherStats {
		return "", 0, ErrSkipped
	}
	if cfg.NodeID != "" {
		nodeID = cfg.NodeID
	}
	if cfg.LongTermStats.TopFlows > 0 {
		topN = cfg.LongTermStats.TopFlows
	}
	return nodeID, topN, nil
}

// Submit builds, encodes and queues one submission, then nudges the uplink.
func (a *Aggregator) Submit(ctx context.Context) (StatsSubmission, error) {
	nodeID, topN, err := a.settings()
	if err != nil {
		return StatsSubmission{}, err
	}
	sub := a.Build(nodeID, topN)
	payload, err := codec.Marshal(sub)
	if err != nil {
		return StatsSubmission{}, errors.Wrap(err, errors.KindInternal, "encode submission")
	}
	batch, err := uuid.Parse(sub.BatchID)
	if err != nil {
		return StatsSubmission{}, errors.Wrap(err, errors.KindInternal, "batch id")
	}
	if _, err := a.opts.Queue.EnqueueBatch(ctx, batch, payload); err != nil {
		return StatsSubmission{}, err
	}

	if a.opts.Notify != nil {
		select {
		case a.opts.Notify <- uplink.QueueReady:
		default:
		}
	}
	a.logger.Debug("Queued stats submission",
		"batch_id", sub.BatchID,
		"bytes", len(payload),
		"top_flows", len(sub.TopFlows))
	return sub, nil
}

// Run submits every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := a.Submit(ctx); err != nil {
			if errors.Is(err, ErrSkipped) {
				continue
			}
			if errors.Is(err, submission.ErrQueueFull) {
				a.logger.Warn("Submission queue full, stats submission not queued", "error", err)
				continue
			}
			a.logger.Error("Failed to queue stats submission", "error", err)
		}
	}
}
