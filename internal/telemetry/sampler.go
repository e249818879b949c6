// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package telemetry turns the live registries into throughput samples and
// periodic stats submissions for the collector.
package telemetry

import (
	"context"
	"time"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/queues"
	"grimm.is/ltsagent/internal/throughput"
)

type downUp = throughput.DownUp[uint64]

// DefaultShapedInterval is how often shaping class counters are read.
const DefaultShapedInterval = 10 * time.Second

// SamplerOptions configures a Sampler.
type SamplerOptions struct {
	Flows     *flows.Registry
	Structure *queues.StructureStore
	// Reader supplies shaping class counters. Nil disables shaped totals.
	Reader            queues.ClassReader
	DownloadInterface string
	UploadInterface   string
	// ShapedInterval spaces out class counter reads. The shaped rate
	// from the last read is reported in between.
	ShapedInterval time.Duration
	Clock          clock.Clock
	Logger         *logging.Logger
}

// Sampler derives per-second throughput from the flow registry's running
// totals and the shaping classes' byte counters.
type Sampler struct {
	opts   SamplerOptions
	clock  clock.Clock
	logger *logging.Logger

	primed      bool
	prevAt      time.Time
	prevBytes   downUp
	prevPackets downUp

	shapedPrimed bool
	shapedAt     time.Time
	prevShaped   downUp
	shapedRate   downUp
}

// NewSampler creates a sampler.
func NewSampler(opts SamplerOptions) *Sampler {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("sampler")
	}
	if opts.ShapedInterval <= 0 {
		opts.ShapedInterval = DefaultShapedInterval
	}
	return &Sampler{opts: opts, clock: clock.OrReal(opts.Clock), logger: opts.Logger}
}

// shapedBytes sums the byte counters of the structure's circuit classes.
func (s *Sampler) shapedBytes() (downUp, bool) {
	var total downUp
	if s.opts.Reader == nil || s.opts.Structure == nil {
		return total, false
	}
	circuits := s.opts.Structure.Load().Circuits()
	if len(circuits) == 0 {
		return total, false
	}
	downHandles := make([]queues.TCHandle, len(circuits))
	upHandles := make([]queues.TCHandle, len(circuits))
	for i, c := range circuits {
		downHandles[i] = c.ClassID
		upHandles[i] = c.UpClassID
	}

	var down, up map[queues.TCHandle]queues.ClassStats
	var err error
	if s.opts.UploadInterface == s.opts.DownloadInterface {
		down, err = s.opts.Reader.ReadClasses(s.opts.DownloadInterface, append(downHandles, upHandles...))
		up = down
	} else if down, err = s.opts.Reader.ReadClasses(s.opts.DownloadInterface, downHandles); err == nil {
		up, err = s.opts.Reader.ReadClasses(s.opts.UploadInterface, upHandles)
	}
	if err != nil {
		s.logger.Debug("Failed to read shaping classes", "error", err)
		return total, false
	}
	for _, c := range circuits {
		total.Down += down[c.ClassID].Bytes
		total.Up += up[c.UpClassID].Bytes
	}
	return total, true
}

// refreshShaped rereads the class counters once ShapedInterval has passed
// since the last read and updates the shaped rate.
func (s *Sampler) refreshShaped(now time.Time) {
	if s.shapedPrimed && now.Sub(s.shapedAt) < s.opts.ShapedInterval {
		return
	}
	cur, ok := s.shapedBytes()
	if !ok {
		return
	}
	if s.shapedPrimed {
		secs := now.Sub(s.shapedAt).Seconds()
		s.shapedRate = downUp{
			Down: rate(cur.Down, s.prevShaped.Down, secs),
			Up:   rate(cur.Up, s.prevShaped.Up, secs),
		}
	}
	s.shapedPrimed = true
	s.shapedAt = now
	s.prevShaped = cur
}

func rate(cur, prev uint64, secs float64) uint64 {
	if cur < prev || secs <= 0 {
		return 0
	}
	return uint64(float64(cur-prev) / secs)
}

// Sample takes one reading and returns the announcements it produces.
// The first call only establishes a baseline for the rates.
func (s *Sampler) Sample() []throughput.Announcement {
	now := s.clock.Now()
	bytes, packets := s.opts.Flows.Totals()
	s.refreshShaped(now)

	out := []throughput.Announcement{
		throughput.FlowCountChanged(uint64(s.opts.Flows.Count())),
	}
	if s.opts.Structure != nil {
		out = append(out, throughput.ShapedDeviceCountChanged(uint64(s.opts.Structure.Load().Len())))
	}

	if s.primed {
		secs := now.Sub(s.prevAt).Seconds()
		out = append(out, throughput.ThroughputChanged(throughput.Update{
			BytesPerSecond: downUp{
				Down: rate(bytes.Down, s.prevBytes.Down, secs),
				Up:   rate(bytes.Up, s.prevBytes.Up, secs),
			},
			ShapedBytesPerSecond: s.shapedRate,
			PacketsPerSecond: downUp{
				Down: rate(packets.Down, s.prevPackets.Down, secs),
				Up:   rate(packets.Up, s.prevPackets.Up, secs),
			},
		}))
	}

	s.primed = true
	s.prevAt = now
	s.prevBytes = bytes
	s.prevPackets = packets
	return out
}

// Run samples every interval and sends the announcements on out until
// ctx is done.
func (s *Sampler) Run(ctx context.Context, interval time.Duration, out chan<- throughput.Announcement) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, a := range s.Sample() {
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}
}
