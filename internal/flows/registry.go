// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flows keeps the node's table of in-flight connections, built
// from raw per-flow records read out of the kernel.
package flows

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
)

var (
	ErrInvalidFlow = errors.New(errors.KindValidation, "invalid flow record")
	ErrTableFull   = errors.New(errors.KindCapacity, "flow table full")
)

// Config for the flow registry
type Config struct {
	FlowTimeout     time.Duration `json:"flow_timeout"`
	ClosedGrace     time.Duration `json:"closed_grace"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	MaxFlows        int           `json:"max_flows"`
}

// DefaultConfig returns default flow registry configuration
func DefaultConfig() *Config {
	return &Config{
		FlowTimeout:     5 * time.Minute,
		ClosedGrace:     30 * time.Second,
		CleanupInterval: 30 * time.Second,
		MaxFlows:        100000,
	}
}

type entry struct {
	state    *FlowState
	analysis FlowAnalysis
}

// Registry is the concurrent flow table.
type Registry struct {
	logger *logging.Logger
	config *Config
	clock  clock.Clock

	mutex sync.RWMutex
	flows map[FlowKey]*entry

	rejected atomic.Uint64
	bytes    [2]atomic.Uint64
	packets  [2]atomic.Uint64
}

// NewRegistry creates a flow registry. A nil config uses DefaultConfig,
// a nil clock the wall clock.
func NewRegistry(logger *logging.Logger, config *Config, clk clock.Clock) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logging.WithComponent("flows")
	}
	return &Registry{
		logger: logger,
		config: config,
		clock:  clock.OrReal(clk),
		flows:  make(map[FlowKey]*entry),
	}
}

func validate(raw RawFlow) error {
	if raw.Key.IsZero() {
		return errors.Attr(ErrInvalidFlow, "reason", "zero key")
	}
	if raw.LastSeen < raw.StartTime {
		return errors.Attr(errors.Attr(ErrInvalidFlow, "reason", "last_seen before start_time"),
			"flow", raw.Key.String())
	}
	return nil
}

// Observe records one raw flow. A new key is condensed into a fresh
// FlowState; a known key has the record merged in arrival order.
// Rejected records are counted and otherwise ignored.
func (r *Registry) Observe(raw RawFlow) error {
	if err := validate(raw); err != nil {
		r.rejected.Add(1)
		r.logger.Debug("Rejected flow record", "error", err)
		return err
	}
	analysis := Analyze(raw.Key)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if e, ok := r.flows[raw.Key]; ok {
		e.state.merge(raw)
		e.analysis = analysis
		r.count(raw)
		return nil
	}
	if r.config.MaxFlows > 0 && len(r.flows) >= r.config.MaxFlows {
		r.rejected.Add(1)
		return errors.Attr(ErrTableFull, "max_flows", r.config.MaxFlows)
	}
	r.flows[raw.Key] = &entry{state: newFlowState(raw), analysis: analysis}
	r.count(raw)
	return nil
}

func (r *Registry) count(raw RawFlow) {
	r.bytes[0].Add(raw.BytesSent.Down)
	r.bytes[1].Add(raw.BytesSent.Up)
	r.packets[0].Add(raw.PacketsSent.Down)
	r.packets[1].Add(raw.PacketsSent.Up)
}

// Totals returns bytes and packets accepted since the registry was
// created. They only grow, including across evictions.
func (r *Registry) Totals() (bytes, packets DownUp[uint64]) {
	return DownUp[uint64]{Down: r.bytes[0].Load(), Up: r.bytes[1].Load()},
		DownUp[uint64]{Down: r.packets[0].Load(), Up: r.packets[1].Load()}
}

// ObserveBatch records a batch and returns how many were accepted.
func (r *Registry) ObserveBatch(raws []RawFlow) int {
	accepted := 0
	for _, raw := range raws {
		if r.Observe(raw) == nil {
			accepted++
		}
	}
	return accepted
}

// Get returns a copy of one flow.
func (r *Registry) Get(key FlowKey) (FlowEntry, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	e, ok := r.flows[key]
	if !ok {
		return FlowEntry{}, false
	}
	return FlowEntry{Key: key, State: e.state.clone(), Analysis: e.analysis}, true
}

// SnapshotAll returns copies of every flow.
func (r *Registry) SnapshotAll() []FlowEntry {
	r.mutex.RLock()
	out := make([]FlowEntry, 0, len(r.flows))
	for k, e := range r.flows {
		out = append(out, FlowEntry{Key: k, State: e.state.clone(), Analysis: e.analysis})
	}
	r.mutex.RUnlock()
	return out
}

// Top returns up to n flows with the most bytes, largest first.
func (r *Registry) Top(n int) []FlowEntry {
	all := r.SnapshotAll()
	sort.Slice(all, func(i, j int) bool {
		return all[i].State.TotalBytes() > all[j].State.TotalBytes()
	})
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Count returns the number of tracked flows.
func (r *Registry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.flows)
}

// Rejected returns the number of records refused so far.
func (r *Registry) Rejected() uint64 {
	return r.rejected.Load()
}

// MaxFlows returns the table cap.
func (r *Registry) MaxFlows() int {
	return r.config.MaxFlows
}

func (r *Registry) expired(s *FlowState, now uint64) bool {
	if s.LastSeen > now {
		return false
	}
	idle := time.Duration(now - s.LastSeen)
	if s.EndStatus.Closed() && idle > r.config.ClosedGrace {
		return true
	}
	return idle > r.config.FlowTimeout
}

// Sweep removes closed flows past their grace period and flows idle past
// the timeout. It returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	const batchSize = 1000
	nowNs := uint64(now.UnixNano())
	total := 0

	for {
		var batch []FlowKey

		r.mutex.RLock()
		for key, e := range r.flows {
			if r.expired(e.state, nowNs) {
				batch = append(batch, key)
				if len(batch) >= batchSize {
					break
				}
			}
		}
		r.mutex.RUnlock()

		if len(batch) == 0 {
			break
		}

		r.mutex.Lock()
		deleted := 0
		for _, key := range batch {
			// A record may have arrived between the scan and the lock.
			if e, ok := r.flows[key]; ok && r.expired(e.state, nowNs) {
				delete(r.flows, key)
				deleted++
			}
		}
		r.mutex.Unlock()
		total += deleted

		if deleted > 0 {
			r.logger.Debug("Cleaned up expired flows batch", "count", deleted)
		}
		if len(batch) < batchSize || deleted == 0 {
			break
		}
	}
	return total
}

// Run sweeps every CleanupInterval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Flow registry started",
		"flow_timeout", r.config.FlowTimeout,
		"closed_grace", r.config.ClosedGrace,
		"cleanup_interval", interval,
		"max_flows", r.config.MaxFlows)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Flow registry stopped")
			return
		case <-ticker.C:
			r.Sweep(r.clock.Now())
		}
	}
}
