// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package queues

import (
	"context"
	"sync"
	"time"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/logging"
)

// ClassStats are the kernel counters of one traffic-control class.
type ClassStats struct {
	Bytes   uint64 `json:"bytes" cbor:"1,keyasint"`
	Packets uint64 `json:"packets" cbor:"2,keyasint"`
	Drops   uint32 `json:"drops" cbor:"3,keyasint"`
	Backlog uint32 `json:"backlog" cbor:"4,keyasint"`
	Qlen    uint32 `json:"qlen" cbor:"5,keyasint"`
}

// CircuitStats are a watched circuit's class counters in both directions.
type CircuitStats struct {
	CircuitID string     `json:"circuit_id" cbor:"1,keyasint"`
	Timestamp time.Time  `json:"ts" cbor:"2,keyasint"`
	Download  ClassStats `json:"download" cbor:"3,keyasint"`
	Upload    ClassStats `json:"upload" cbor:"4,keyasint"`
}

// ClassReader reads the counters of the given classes on an interface.
// Handles missing from the kernel are absent from the result.
type ClassReader interface {
	ReadClasses(iface string, handles []TCHandle) (map[TCHandle]ClassStats, error)
}

// Poller reads queue statistics for the watched circuits only.
type Poller struct {
	registry      *Registry
	reader        ClassReader
	downloadIface string
	uploadIface   string
	logger        *logging.Logger
	clock         clock.Clock

	mu     sync.RWMutex
	latest map[string]CircuitStats
}

// NewPoller creates a poller. reader may be nil to use the platform reader.
func NewPoller(registry *Registry, reader ClassReader, downloadIface, uploadIface string, logger *logging.Logger) *Poller {
	if reader == nil {
		reader = NewNetlinkReader()
	}
	if logger == nil {
		logger = logging.WithComponent("queue-poller")
	}
	return &Poller{
		registry:      registry,
		reader:        reader,
		downloadIface: downloadIface,
		uploadIface:   uploadIface,
		logger:        logger,
		clock:         clock.Real{},
		latest:        make(map[string]CircuitStats),
	}
}

// Poll reads class counters once and publishes stats for every watched
// circuit. Circuits that stopped being watched are forgotten.
func (p *Poller) Poll() error {
	watched := p.registry.Snapshot()
	if len(watched) == 0 {
		p.mu.Lock()
		clear(p.latest)
		p.mu.Unlock()
		return nil
	}

	downHandles := make([]TCHandle, 0, len(watched))
	upHandles := make([]TCHandle, 0, len(watched))
	for _, h := range watched {
		downHandles = append(downHandles, h.Download)
		upHandles = append(upHandles, h.Upload)
	}

	var down, up map[TCHandle]ClassStats
	var err error
	if p.uploadIface == p.downloadIface {
		down, err = p.readIface(p.downloadIface, append(downHandles, upHandles...))
		up = down
	} else {
		if down, err = p.readIface(p.downloadIface, downHandles); err == nil {
			up, err = p.readIface(p.uploadIface, upHandles)
		}
	}
	if err != nil {
		return err
	}

	now := p.clock.Now()
	next := make(map[string]CircuitStats, len(watched))
	for id, h := range watched {
		next[id] = CircuitStats{
			CircuitID: id,
			Timestamp: now,
			Download:  down[h.Download],
			Upload:    up[h.Upload],
		}
	}

	p.mu.Lock()
	p.latest = next
	p.mu.Unlock()
	return nil
}

func (p *Poller) readIface(iface string, handles []TCHandle) (map[TCHandle]ClassStats, error) {
	if iface == "" {
		return map[TCHandle]ClassStats{}, nil
	}
	return p.reader.ReadClasses(iface, handles)
}

// Latest returns the most recent stats for a circuit.
func (p *Poller) Latest(circuitID string) (CircuitStats, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[circuitID]
	return s, ok
}

// All returns the most recent stats of every watched circuit.
func (p *Poller) All() []CircuitStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]CircuitStats, 0, len(p.latest))
	for _, s := range p.latest {
		out = append(out, s)
	}
	return out
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(); err != nil {
				p.logger.Warn("Queue poll failed", "error", err)
			}
		}
	}
}
