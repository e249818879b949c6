// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queues tracks which circuits currently have their kernel queue
// statistics polled. A circuit is watched under a short lease that callers
// keep alive with Refresh; leases that lapse are swept away.
package queues

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cilium/ebpf"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
)

// LeaseSeconds is how long a watch lasts without a refresh.
const LeaseSeconds = 10

var (
	ErrUnknownCircuit = errors.New(errors.KindNotFound, "unknown circuit")
	ErrAtCapacity     = errors.New(errors.KindCapacity, "watched queue limit reached")
)

// Resolver finds a circuit's queue handles.
type Resolver interface {
	Lookup(circuitID string) (Circuit, bool)
}

// WatchedQueue is one leased circuit.
type WatchedQueue struct {
	CircuitID     string   `json:"circuit_id"`
	ExpiresUnix   int64    `json:"expires_unix"`
	DownloadClass TCHandle `json:"download_class"`
	UploadClass   TCHandle `json:"upload_class"`
}

// Handles is a circuit's (download, upload) class pair.
type Handles struct {
	Download TCHandle `json:"download"`
	Upload   TCHandle `json:"upload"`
}

// DefaultCapacity is twice the number of possible CPUs.
func DefaultCapacity() int {
	n, err := ebpf.PossibleCPU()
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return 2 * n
}

// Registry is the bounded set of watched circuits.
type Registry struct {
	resolver Resolver
	logger   *logging.Logger
	clock    clock.Clock
	capacity int

	mu      sync.RWMutex
	watched []WatchedQueue
}

// Options configures a Registry.
type Options struct {
	// Capacity caps the number of watched circuits. Zero means DefaultCapacity.
	Capacity int
	Clock    clock.Clock
	Logger   *logging.Logger
}

// NewRegistry creates a registry resolving circuits through r.
func NewRegistry(r Resolver, opts Options) *Registry {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity()
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("watched-queues")
	}
	return &Registry{
		resolver: r,
		logger:   opts.Logger,
		clock:    clock.OrReal(opts.Clock),
		capacity: opts.Capacity,
	}
}

func (r *Registry) expiry() int64 {
	return r.clock.Now().Unix() + LeaseSeconds
}

func (r *Registry) indexLocked(circuitID string) int {
	for i := range r.watched {
		if r.watched[i].CircuitID == circuitID {
			return i
		}
	}
	return -1
}

// Add starts watching a circuit. Adding a circuit that is already watched
// is a no-op and returns nil. Unknown circuits and a full registry leave
// the registry untouched and return ErrUnknownCircuit / ErrAtCapacity.
func (r *Registry) Add(circuitID string) error {
	r.mu.RLock()
	present := r.indexLocked(circuitID) >= 0
	full := len(r.watched) >= r.capacity
	r.mu.RUnlock()
	if present {
		return nil
	}
	if full {
		r.logger.Debug("Watched queue limit reached", "circuit", circuitID, "capacity", r.capacity)
		return ErrAtCapacity
	}

	circuit, ok := r.resolver.Lookup(circuitID)
	if !ok {
		r.logger.Warn("No circuit with that ID", "circuit", circuitID)
		return ErrUnknownCircuit
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have won the race between the locks.
	if r.indexLocked(circuitID) >= 0 {
		return nil
	}
	if len(r.watched) >= r.capacity {
		return ErrAtCapacity
	}
	r.watched = append(r.watched, WatchedQueue{
		CircuitID:     circuit.CircuitID,
		ExpiresUnix:   r.expiry(),
		DownloadClass: circuit.ClassID,
		UploadClass:   circuit.UpClassID,
	})
	r.logger.Debug("Watching circuit", "circuit", circuitID,
		"download", circuit.ClassID, "upload", circuit.UpClassID)
	return nil
}

// Refresh extends a watched circuit's lease. It reports whether the
// circuit was being watched.
func (r *Registry) Refresh(circuitID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(circuitID)
	if i < 0 {
		return false
	}
	r.watched[i].ExpiresUnix = r.expiry()
	return true
}

// Sweep drops every lease that has run out and returns how many were dropped.
func (r *Registry) Sweep() int {
	now := r.clock.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.watched[:0]
	for _, w := range r.watched {
		if w.ExpiresUnix > now {
			kept = append(kept, w)
		}
	}
	removed := len(r.watched) - len(kept)
	// Clear the tail so dropped entries don't linger in the backing array.
	for i := len(kept); i < len(r.watched); i++ {
		r.watched[i] = WatchedQueue{}
	}
	r.watched = kept
	if removed > 0 {
		r.logger.Debug("Expired watched queues", "count", removed)
	}
	return removed
}

// Snapshot returns the watched circuits' handle pairs.
func (r *Registry) Snapshot() map[string]Handles {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Handles, len(r.watched))
	for _, w := range r.watched {
		out[w.CircuitID] = Handles{Download: w.DownloadClass, Upload: w.UploadClass}
	}
	return out
}

// List returns a copy of every lease, sorted by circuit ID.
func (r *Registry) List() []WatchedQueue {
	r.mu.RLock()
	out := make([]WatchedQueue, len(r.watched))
	copy(out, r.watched)
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CircuitID < out[j].CircuitID })
	return out
}

// Len returns the number of watched circuits.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watched)
}

// Capacity returns the maximum number of watched circuits.
func (r *Registry) Capacity() int { return r.capacity }

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
