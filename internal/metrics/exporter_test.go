// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/throughput"
	"grimm.is/ltsagent/internal/uplink"
)

type fixedQueue int

func (q fixedQueue) Len(context.Context) (int, error) { return int(q), nil }
func (q fixedQueue) Refused() uint64                  { return uint64(q) * 2 }

type fixedUplink uplink.Status

func (u fixedUplink) Status() uplink.Status { return uplink.Status(u) }

func TestExporter(t *testing.T) {
	tracker := throughput.NewTracker(logging.Discard())
	tracker.Apply(throughput.ThroughputChanged(throughput.Update{
		BytesPerSecond: throughput.DownUp[uint64]{Down: 1000, Up: 10},
	}))
	tracker.Apply(throughput.ShapedDeviceCountChanged(42))

	reg := flows.NewRegistry(logging.Discard(), nil, nil)
	require.NoError(t, reg.Observe(flows.RawFlow{
		Key: flows.FlowKey{SrcIP: netip.MustParseAddr("10.0.0.1"), DstIP: netip.MustParseAddr("10.0.0.2"), Protocol: flows.ProtoUDP},
	}))
	_ = reg.Observe(flows.RawFlow{})

	e := NewExporter(Sources{
		Tracker: tracker,
		Flows:   reg,
		Queue:   fixedQueue(7),
		Uplink:  fixedUplink{State: "idle", Attempts: 3, Delivered: 2},
	})

	expected := `
# HELP ltsagent_tracked_flows Number of flows in the flow table
# TYPE ltsagent_tracked_flows gauge
ltsagent_tracked_flows 1
# HELP ltsagent_flow_records_rejected_total Total number of raw flow records refused
# TYPE ltsagent_flow_records_rejected_total counter
ltsagent_flow_records_rejected_total 1
# HELP ltsagent_submission_queue_depth Submissions waiting to be delivered
# TYPE ltsagent_submission_queue_depth gauge
ltsagent_submission_queue_depth 7
# HELP ltsagent_submissions_refused_total Submissions refused because the queue was full
# TYPE ltsagent_submissions_refused_total counter
ltsagent_submissions_refused_total 14
# HELP ltsagent_shaped_devices Number of shaped devices
# TYPE ltsagent_shaped_devices gauge
ltsagent_shaped_devices 42
# HELP ltsagent_uplink_delivered_total Submissions written to the collector
# TYPE ltsagent_uplink_delivered_total counter
ltsagent_uplink_delivered_total 2
`
	err := testutil.GatherAndCompare(e.Registry(), strings.NewReader(expected),
		"ltsagent_tracked_flows",
		"ltsagent_flow_records_rejected_total",
		"ltsagent_submission_queue_depth",
		"ltsagent_submissions_refused_total",
		"ltsagent_shaped_devices",
		"ltsagent_uplink_delivered_total",
	)
	assert.NoError(t, err)

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ltsagent_throughput_bits_per_second{class="total",direction="down"} 8000`)
	assert.Contains(t, string(body), `ltsagent_uplink_state{state="idle"} 1`)
}
