// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package queues

import (
	"fmt"
	"slices"

	"github.com/vishvananda/netlink"
)

// NetlinkReader reads class statistics over rtnetlink.
type NetlinkReader struct{}

// NewNetlinkReader returns the Linux class reader.
func NewNetlinkReader() ClassReader { return NetlinkReader{} }

// ReadClasses returns the counters of the requested classes on iface.
// Only the qdiscs that own a requested handle are dumped.
func (NetlinkReader) ReadClasses(iface string, handles []TCHandle) (map[TCHandle]ClassStats, error) {
	out := make(map[TCHandle]ClassStats, len(handles))
	if len(handles) == 0 {
		return out, nil
	}

	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", iface, err)
	}

	wanted := make(map[TCHandle]struct{}, len(handles))
	var majors []uint16
	for _, h := range handles {
		wanted[h] = struct{}{}
		if !slices.Contains(majors, h.Major()) {
			majors = append(majors, h.Major())
		}
	}

	for _, major := range majors {
		// The kernel only walks the qdisc whose handle matches the parent's major.
		classes, err := netlink.ClassList(link, uint32(MakeHandle(major, 0)))
		if err != nil {
			return nil, fmt.Errorf("failed to list classes of qdisc %x: on %s: %w", major, iface, err)
		}
		for _, c := range classes {
			attrs := c.Attrs()
			h := TCHandle(attrs.Handle)
			if _, ok := wanted[h]; !ok {
				continue
			}
			out[h] = classStats(attrs.Statistics)
		}
	}
	return out, nil
}

func classStats(st *netlink.ClassStatistics) ClassStats {
	var s ClassStats
	if st == nil {
		return s
	}
	if st.Basic != nil {
		s.Bytes = st.Basic.Bytes
		s.Packets = uint64(st.Basic.Packets)
	}
	if st.Queue != nil {
		s.Drops = st.Queue.Drops
		s.Backlog = st.Queue.Backlog
		s.Qlen = st.Queue.Qlen
	}
	return s
}
