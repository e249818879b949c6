// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package flows

import (
	"context"
	"time"

	"github.com/ti-mo/conntrack"

	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
)

// Conntrack TCP states, from nf_conntrack_tcp.h.
const (
	tcpFinWait   = 4
	tcpCloseWait = 5
	tcpLastAck   = 6
	tcpTimeWait  = 7
	tcpClose     = 8
)

// ConntrackSource reads flows from the kernel connection tracking table.
// The original direction is upload, the reply direction download.
type ConntrackSource struct {
	conn   *conntrack.Conn
	logger *logging.Logger
	deltas *deltas
	seen   map[FlowKey]uint64
}

// OpenConntrackSource dials netfilter.
func OpenConntrackSource(logger *logging.Logger) (*ConntrackSource, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfiguration, "failed to open conntrack")
	}
	if logger == nil {
		logger = logging.WithComponent("flows")
	}
	return &ConntrackSource{
		conn:   conn,
		logger: logger,
		deltas: newDeltas(),
		seen:   make(map[FlowKey]uint64),
	}, nil
}

func endStatus(f *conntrack.Flow) EndStatus {
	if f.ProtoInfo.TCP == nil {
		return EndAlive
	}
	switch f.ProtoInfo.TCP.State {
	case tcpFinWait, tcpCloseWait, tcpLastAck, tcpTimeWait:
		return EndFinClosed
	case tcpClose:
		return EndResetClosed
	default:
		return EndAlive
	}
}

// Read implements Source.
func (s *ConntrackSource) Read(ctx context.Context) ([]RawFlow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dump, err := s.conn.Dump(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransient, "conntrack dump failed")
	}

	now := uint64(time.Now().UnixNano())
	out := make([]RawFlow, 0, len(dump))
	s.deltas.begin()
	for i := range dump {
		f := &dump[i]
		key := FlowKey{
			SrcIP:     f.TupleOrig.IP.SourceAddress,
			DstIP:     f.TupleOrig.IP.DestinationAddress,
			SrcPort:   f.TupleOrig.Proto.SourcePort,
			DstPort:   f.TupleOrig.Proto.DestinationPort,
			Protocol:  f.TupleOrig.Proto.Protocol,
			Direction: DirectionUpload,
		}
		start := now
		if !f.Timestamp.Start.IsZero() {
			start = uint64(f.Timestamp.Start.UnixNano())
		}
		raw := RawFlow{
			Key:       key,
			StartTime: start,
			LastSeen:  now,
			BytesSent: DownUp[uint64]{Down: f.CountersReply.Bytes, Up: f.CountersOrig.Bytes},
			PacketsSent: DownUp[uint64]{
				Down: f.CountersReply.Packets,
				Up:   f.CountersOrig.Packets,
			},
			EndStatus: endStatus(f),
		}
		s.deltas.apply(&raw)

		// Conntrack has no last-seen time; an idle flow keeps the time its
		// counters last moved.
		if raw.BytesSent.Down == 0 && raw.BytesSent.Up == 0 {
			if prev, ok := s.seen[key]; ok {
				raw.LastSeen = max(prev, start)
			}
		}
		s.seen[key] = raw.LastSeen
		out = append(out, raw)
	}
	s.deltas.end()
	for k := range s.seen {
		if _, ok := s.deltas.last[k]; !ok {
			delete(s.seen, k)
		}
	}
	return out, nil
}

// Close closes the netlink socket.
func (s *ConntrackSource) Close() error {
	return s.conn.Close()
}
