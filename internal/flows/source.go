// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"context"
	"time"

	"grimm.is/ltsagent/internal/logging"
)

// Source produces raw flow records, each carrying the counter delta since
// the previous Read.
type Source interface {
	Read(ctx context.Context) ([]RawFlow, error)
	Close() error
}

// Pump reads src every interval and feeds the records to reg until ctx is
// done. Read errors are logged and the next tick tries again.
func Pump(ctx context.Context, src Source, reg *Registry, interval time.Duration, logger *logging.Logger) {
	if logger == nil {
		logger = logging.WithComponent("flows")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		raws, err := src.Read(ctx)
		if err != nil {
			if !failing {
				logger.Warn("Failed to read flow source", "error", err)
			}
			failing = true
			continue
		}
		if failing {
			logger.Info("Flow source recovered")
			failing = false
		}
		accepted := reg.ObserveBatch(raws)
		if accepted < len(raws) {
			logger.Debug("Some flow records were rejected",
				"read", len(raws),
				"accepted", accepted)
		}
	}
}

type counters struct {
	bytes   DownUp[uint64]
	packets DownUp[uint64]
}

// deltas turns cumulative kernel counters into per-read deltas.
type deltas struct {
	last map[FlowKey]counters
	seen map[FlowKey]struct{}
}

func newDeltas() *deltas {
	return &deltas{last: make(map[FlowKey]counters)}
}

func (d *deltas) begin() {
	d.seen = make(map[FlowKey]struct{}, len(d.last))
}

// apply replaces raw's cumulative counters with the change since the last
// read. A counter that went backwards means the kernel entry was recreated.
func (d *deltas) apply(raw *RawFlow) {
	cur := counters{bytes: raw.BytesSent, packets: raw.PacketsSent}
	prev := d.last[raw.Key]
	d.last[raw.Key] = cur
	d.seen[raw.Key] = struct{}{}

	raw.BytesSent = DownUp[uint64]{Down: sub(cur.bytes.Down, prev.bytes.Down), Up: sub(cur.bytes.Up, prev.bytes.Up)}
	raw.PacketsSent = DownUp[uint64]{Down: sub(cur.packets.Down, prev.packets.Down), Up: sub(cur.packets.Up, prev.packets.Up)}
}

// end forgets flows the last read did not report.
func (d *deltas) end() {
	for k := range d.last {
		if _, ok := d.seen[k]; !ok {
			delete(d.last, k)
		}
	}
	d.seen = nil
}

func sub(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
