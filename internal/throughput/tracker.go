// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package throughput keeps the node's current throughput counters and a
// short rolling history of them.
package throughput

import (
	"context"
	"sync"
	"sync/atomic"

	"grimm.is/ltsagent/internal/logging"
)

// RingSize is the number of one-second samples kept in the history ring.
const RingSize = 300

// DownUp is a (download, upload) pair.
type DownUp[T any] struct {
	Down T `json:"down" cbor:"1,keyasint"`
	Up   T `json:"up" cbor:"2,keyasint"`
}

// Entry is one history sample, in bits per second.
type Entry struct {
	Bps    [2]uint64 `json:"bps"`
	Shaped [2]uint64 `json:"shaped"`
}

// Ring is a locked RingBuffer of throughput entries.
type Ring struct {
	mu  sync.RWMutex
	buf *RingBuffer[Entry]
}

// NewRing returns a history ring of size slots.
func NewRing(size int) *Ring {
	return &Ring{buf: NewRingBuffer[Entry](size)}
}

// Push records a sample given in bytes per second.
func (r *Ring) Push(bytesPerSec, shapedBytesPerSec DownUp[uint64]) {
	e := Entry{
		Bps:    [2]uint64{bytesPerSec.Down * 8, bytesPerSec.Up * 8},
		Shaped: [2]uint64{shapedBytesPerSec.Down * 8, shapedBytesPerSec.Up * 8},
	}
	r.mu.Lock()
	r.buf.Push(e)
	r.mu.Unlock()
}

// Fetch returns the whole history, oldest first.
func (r *Ring) Fetch() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Fetch()
}

// Latest returns the newest n samples, oldest first.
func (r *Ring) Latest(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buf.Latest(n)
}

// Announcement is a change pushed by the throughput producer.
// Exactly one of the pointer fields is set.
type Announcement struct {
	FlowCount         *uint64
	ShapedDeviceCount *uint64
	Throughput        *Update
}

// Update is a one-second throughput measurement in bytes and packets.
type Update struct {
	BytesPerSecond       DownUp[uint64]
	ShapedBytesPerSecond DownUp[uint64]
	PacketsPerSecond     DownUp[uint64]
}

// FlowCountChanged builds a flow count announcement.
func FlowCountChanged(n uint64) Announcement { return Announcement{FlowCount: &n} }

// ShapedDeviceCountChanged builds a shaped device count announcement.
func ShapedDeviceCountChanged(n uint64) Announcement { return Announcement{ShapedDeviceCount: &n} }

// ThroughputChanged builds a throughput announcement.
func ThroughputChanged(u Update) Announcement { return Announcement{Throughput: &u} }

// Tracker owns the live counters. Writers go through Apply; readers use
// Snapshot and History. Counters are independent relaxed atomics, so a
// Snapshot may mix values from adjacent updates.
type Tracker struct {
	logger *logging.Logger

	flowCount         atomic.Uint64
	shapedDeviceCount atomic.Uint64
	totalBits         [2]atomic.Uint64
	shapedBits        [2]atomic.Uint64
	packets           [2]atomic.Uint64

	ring *Ring
}

// NewTracker returns a tracker with a RingSize history.
func NewTracker(logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.WithComponent("throughput")
	}
	return &Tracker{
		logger: logger,
		ring:   NewRing(RingSize),
	}
}

// Apply folds one announcement into the counters.
func (t *Tracker) Apply(a Announcement) {
	switch {
	case a.FlowCount != nil:
		t.flowCount.Store(*a.FlowCount)
	case a.ShapedDeviceCount != nil:
		t.shapedDeviceCount.Store(*a.ShapedDeviceCount)
	case a.Throughput != nil:
		u := a.Throughput
		t.totalBits[0].Store(u.BytesPerSecond.Down * 8)
		t.totalBits[1].Store(u.BytesPerSecond.Up * 8)
		t.shapedBits[0].Store(u.ShapedBytesPerSecond.Down * 8)
		t.shapedBits[1].Store(u.ShapedBytesPerSecond.Up * 8)
		t.packets[0].Store(u.PacketsPerSecond.Down)
		t.packets[1].Store(u.PacketsPerSecond.Up)
		t.ring.Push(u.BytesPerSecond, u.ShapedBytesPerSecond)
	}
}

// Run applies announcements until ch closes or ctx is done.
func (t *Tracker) Run(ctx context.Context, ch <-chan Announcement) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				t.logger.Debug("Announcement channel closed")
				return
			}
			t.Apply(a)
		}
	}
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	TotalBitsPerSecond  DownUp[uint64] `json:"bits_per_second"`
	ShapedBitsPerSecond DownUp[uint64] `json:"shaped_bits_per_second"`
	PacketsPerSecond    DownUp[uint64] `json:"packets_per_second"`
	FlowCount           uint64         `json:"tracked_flows"`
	ShapedDeviceCount   uint64         `json:"shaped_devices"`
}

// Snapshot reads every counter.
func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		TotalBitsPerSecond:  DownUp[uint64]{Down: t.totalBits[0].Load(), Up: t.totalBits[1].Load()},
		ShapedBitsPerSecond: DownUp[uint64]{Down: t.shapedBits[0].Load(), Up: t.shapedBits[1].Load()},
		PacketsPerSecond:    DownUp[uint64]{Down: t.packets[0].Load(), Up: t.packets[1].Load()},
		FlowCount:           t.flowCount.Load(),
		ShapedDeviceCount:   t.shapedDeviceCount.Load(),
	}
}

// History returns the full throughput ring, oldest first.
func (t *Tracker) History() []Entry {
	return t.ring.Fetch()
}

// Recent returns up to n of the newest history samples. Before n samples
// have been recorded it returns only those that have.
func (t *Tracker) Recent(n int) []Entry {
	return t.ring.Latest(n)
}
