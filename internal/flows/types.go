// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flows

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/ltsagent/internal/throughput"
)

// DownUp is a (download, upload) pair.
type DownUp[T any] = throughput.DownUp[T]

// Direction of a flow relative to the shaped side of the node.
const (
	DirectionUnknown uint8 = iota
	DirectionDownload
	DirectionUpload
)

// IP protocol numbers the analysis table understands.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// FlowKey identifies a flow. It is comparable and used as a map key.
type FlowKey struct {
	SrcIP     netip.Addr `json:"src_ip"`
	DstIP     netip.Addr `json:"dst_ip"`
	SrcPort   uint16     `json:"src_port"`
	DstPort   uint16     `json:"dst_port"`
	Protocol  uint8      `json:"protocol"`
	Direction uint8      `json:"direction"`
}

// IsZero reports whether k carries no addresses.
func (k FlowKey) IsZero() bool {
	return !k.SrcIP.IsValid() && !k.DstIP.IsValid()
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s -> %s (%d)",
		netip.AddrPortFrom(k.SrcIP, k.SrcPort),
		netip.AddrPortFrom(k.DstIP, k.DstPort),
		k.Protocol)
}

// EndStatus says whether a connection has closed, and how.
type EndStatus uint8

const (
	EndAlive EndStatus = iota
	EndFinClosed
	EndResetClosed
)

func (s EndStatus) String() string {
	switch s {
	case EndAlive:
		return "alive"
	case EndFinClosed:
		return "fin"
	case EndResetClosed:
		return "rst"
	default:
		return fmt.Sprintf("end_status(%d)", uint8(s))
	}
}

// Closed reports whether the connection has ended.
func (s EndStatus) Closed() bool {
	return s == EndFinClosed || s == EndResetClosed
}

// RTTData is a round-trip time in nanoseconds.
type RTTData uint64

// RTTFromNanos wraps a nanosecond count.
func RTTFromNanos(ns uint64) RTTData { return RTTData(ns) }

// Duration returns the RTT as a time.Duration.
func (r RTTData) Duration() time.Duration { return time.Duration(r) }

// Millis returns the RTT in fractional milliseconds.
func (r RTTData) Millis() float64 { return float64(r) / 1e6 }

// RawFlow is one record as read from the kernel. Byte and packet counters
// are the delta since the previous read of the same flow.
type RawFlow struct {
	Key             FlowKey
	StartTime       uint64 // ns
	LastSeen        uint64 // ns
	BytesSent       DownUp[uint64]
	PacketsSent     DownUp[uint64]
	RateEstimateBps DownUp[uint32]
	TCPRetransmits  DownUp[uint16]
	EndStatus       EndStatus
	TOS             uint8
	Flags           uint8
	RTT             [2]RTTData
}

// HistoryCap bounds FlowState.ThroughputHistory.
const HistoryCap = 32

// FlowState is the condensed local view of a flow.
type FlowState struct {
	StartTime         uint64           `json:"start_time"`
	LastSeen          uint64           `json:"last_seen"`
	BytesSent         DownUp[uint64]   `json:"bytes_sent"`
	PacketsSent       DownUp[uint64]   `json:"packets_sent"`
	RateEstimateBps   DownUp[uint32]   `json:"rate_estimate_bps"`
	TCPRetransmits    DownUp[uint16]   `json:"tcp_retransmits"`
	EndStatus         EndStatus        `json:"end_status"`
	TOS               uint8            `json:"tos"`
	Flags             uint8            `json:"flags"`
	RTT               [2]RTTData       `json:"rtt"`
	ThroughputHistory []DownUp[uint64] `json:"throughput_history"`
}

func newFlowState(raw RawFlow) *FlowState {
	return &FlowState{
		StartTime:         raw.StartTime,
		LastSeen:          raw.LastSeen,
		BytesSent:         raw.BytesSent,
		PacketsSent:       raw.PacketsSent,
		RateEstimateBps:   raw.RateEstimateBps,
		TCPRetransmits:    raw.TCPRetransmits,
		EndStatus:         raw.EndStatus,
		TOS:               raw.TOS,
		Flags:             raw.Flags,
		RTT:               raw.RTT,
		ThroughputHistory: append(make([]DownUp[uint64], 0, 4), raw.BytesSent),
	}
}

// merge folds a later record for the same key into s.
func (s *FlowState) merge(raw RawFlow) {
	s.BytesSent.Down += raw.BytesSent.Down
	s.BytesSent.Up += raw.BytesSent.Up
	s.PacketsSent.Down += raw.PacketsSent.Down
	s.PacketsSent.Up += raw.PacketsSent.Up
	if raw.LastSeen > s.LastSeen {
		s.LastSeen = raw.LastSeen
	}
	s.RateEstimateBps = raw.RateEstimateBps
	s.TCPRetransmits = raw.TCPRetransmits
	s.EndStatus = raw.EndStatus
	s.TOS = raw.TOS
	s.Flags = raw.Flags
	s.RTT = raw.RTT

	if len(s.ThroughputHistory) >= HistoryCap {
		copy(s.ThroughputHistory, s.ThroughputHistory[1:])
		s.ThroughputHistory = s.ThroughputHistory[:HistoryCap-1]
	}
	s.ThroughputHistory = append(s.ThroughputHistory, raw.BytesSent)
}

func (s *FlowState) clone() FlowState {
	c := *s
	c.ThroughputHistory = append([]DownUp[uint64](nil), s.ThroughputHistory...)
	return c
}

// TotalBytes is the sum of both directions.
func (s *FlowState) TotalBytes() uint64 {
	return s.BytesSent.Down + s.BytesSent.Up
}

// FlowEntry is one flow in a snapshot.
type FlowEntry struct {
	Key      FlowKey      `json:"key"`
	State    FlowState    `json:"state"`
	Analysis FlowAnalysis `json:"analysis"`
}
