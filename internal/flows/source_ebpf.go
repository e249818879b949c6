// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"context"
	"net/netip"
	"time"

	"github.com/cilium/ebpf"

	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
)

// DefaultPinnedMap is where the shaping program pins its flow table.
const DefaultPinnedMap = "/sys/fs/bpf/flowbee"

// kernelKey mirrors the BPF map key. Addresses are IPv6 or IPv4-mapped.
type kernelKey struct {
	RemoteIP   [16]byte
	LocalIP    [16]byte
	SrcPort    uint16
	DstPort    uint16
	IPProtocol uint8
	Pad        [3]uint8
}

// kernelValue mirrors the BPF map value. Times are bpf_ktime_get_ns.
type kernelValue struct {
	StartTime       uint64
	LastSeen        uint64
	BytesSent       [2]uint64
	PacketsSent     [2]uint64
	RateEstimateBps [2]uint32
	TCPRetransmits  [2]uint16
	EndStatus       uint8
	TOS             uint8
	Flags           uint8
	Pad             uint8
}

func (k kernelKey) flowKey() FlowKey {
	return FlowKey{
		SrcIP:     netip.AddrFrom16(k.LocalIP).Unmap(),
		DstIP:     netip.AddrFrom16(k.RemoteIP).Unmap(),
		SrcPort:   k.SrcPort,
		DstPort:   k.DstPort,
		Protocol:  k.IPProtocol,
		Direction: DirectionUnknown,
	}
}

// rawFlow converts a kernel record. offset maps kernel time onto wall
// clock nanoseconds.
func (v kernelValue) rawFlow(key FlowKey, offset int64) RawFlow {
	return RawFlow{
		Key:             key,
		StartTime:       uint64(int64(v.StartTime) + offset),
		LastSeen:        uint64(int64(v.LastSeen) + offset),
		BytesSent:       DownUp[uint64]{Down: v.BytesSent[0], Up: v.BytesSent[1]},
		PacketsSent:     DownUp[uint64]{Down: v.PacketsSent[0], Up: v.PacketsSent[1]},
		RateEstimateBps: DownUp[uint32]{Down: v.RateEstimateBps[0], Up: v.RateEstimateBps[1]},
		TCPRetransmits:  DownUp[uint16]{Down: v.TCPRetransmits[0], Up: v.TCPRetransmits[1]},
		EndStatus:       EndStatus(v.EndStatus),
		TOS:             v.TOS,
		Flags:           v.Flags,
	}
}

// MapSource reads flows from a pinned eBPF hash map. Closed flows are
// removed from the kernel map once they have been read.
type MapSource struct {
	flowMap *ebpf.Map
	logger  *logging.Logger
	deltas  *deltas
}

// OpenMapSource opens the map pinned at path.
func OpenMapSource(path string, logger *logging.Logger) (*MapSource, error) {
	if path == "" {
		path = DefaultPinnedMap
	}
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindConfiguration, "failed to open pinned flow map"), "path", path)
	}
	return NewMapSource(m, logger), nil
}

// NewMapSource wraps an already opened map.
func NewMapSource(m *ebpf.Map, logger *logging.Logger) *MapSource {
	if logger == nil {
		logger = logging.WithComponent("flows")
	}
	return &MapSource{flowMap: m, logger: logger, deltas: newDeltas()}
}

// Read implements Source.
func (s *MapSource) Read(ctx context.Context) ([]RawFlow, error) {
	offset := time.Now().UnixNano() - int64(ktimeNow())

	var (
		key    kernelKey
		value  kernelValue
		out    []RawFlow
		closed []kernelKey
	)
	s.deltas.begin()
	iter := s.flowMap.Iterate()
	for iter.Next(&key, &value) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := value.rawFlow(key.flowKey(), offset)
		s.deltas.apply(&raw)
		out = append(out, raw)
		if raw.EndStatus.Closed() {
			closed = append(closed, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "flow map iteration failed")
	}
	s.deltas.end()

	for i := range closed {
		if err := s.flowMap.Delete(&closed[i]); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			s.logger.Error("Failed to delete closed flow from eBPF map", "error", err)
		}
	}
	return out, nil
}

// Close releases the map.
func (s *MapSource) Close() error {
	return s.flowMap.Close()
}
