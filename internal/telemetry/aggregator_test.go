// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ltsagent/internal/clock"
	"grimm.is/ltsagent/internal/codec"
	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/flows"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/submission"
	"grimm.is/ltsagent/internal/throughput"
	"grimm.is/ltsagent/internal/uplink"
)

func TestSummarise(t *testing.T) {
	assert.Equal(t, MinMaxAvg{}, summarise(nil))
	assert.Equal(t, MinMaxAvg{Min: 2, Max: 10, Avg: 6}, summarise([]uint64{10, 2, 6}))
}

func newAggregatorFixture(t *testing.T, loader config.Loader) (*Aggregator, *submission.Queue, chan uplink.Message) {
	t.Helper()
	clk := clock.NewMockClock(base)
	q, err := submission.OpenDir(t.TempDir(), submission.Options{Clock: clk})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	reg := flows.NewRegistry(logging.Discard(), nil, clk)
	for i := range 5 {
		require.NoError(t, reg.Observe(flowRaw(uint16(1000+i), uint64(100*(i+1)), 10)))
	}

	tracker := throughput.NewTracker(logging.Discard())
	for _, bps := range []uint64{100, 300, 200} {
		tracker.Apply(throughput.ThroughputChanged(throughput.Update{
			BytesPerSecond: throughput.DownUp[uint64]{Down: bps, Up: bps / 2},
		}))
	}
	tracker.Apply(throughput.FlowCountChanged(5))

	notify := make(chan uplink.Message, 1)
	a := NewAggregator(AggregatorOptions{
		Loader:   loader,
		NodeID:   "static-node",
		TopFlows: 2,
		Interval: 3 * time.Second,
		Tracker:  tracker,
		Flows:    reg,
		Queue:    q,
		Notify:   notify,
		Clock:    clk,
		Logger:   logging.Discard(),
	})
	return a, q, notify
}

func TestAggregator_Submit(t *testing.T) {
	ctx := context.Background()
	a, q, notify := newAggregatorFixture(t, nil)

	sub, err := a.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "static-node", sub.NodeID)
	assert.Equal(t, 3, sub.WindowSeconds)
	assert.Equal(t, MinMaxAvg{Min: 800, Max: 2400, Avg: 1600}, sub.Throughput.Down)
	assert.Equal(t, uint64(5), sub.FlowCount)
	require.Len(t, sub.TopFlows, 2)
	assert.Equal(t, uint64(500), sub.TopFlows[0].Bytes.Down)
	assert.Equal(t, "TCP https", sub.TopFlows[0].Protocol)

	select {
	case msg := <-notify:
		assert.Equal(t, uplink.QueueReady, msg)
	default:
		t.Fatal("uplink not notified")
	}

	items, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, sub.BatchID, items[0].BatchID.String())

	var decoded StatsSubmission
	require.NoError(t, codec.Unmarshal(items[0].Payload, &decoded))
	assert.Equal(t, sub.NodeID, decoded.NodeID)
	assert.Equal(t, sub.Throughput, decoded.Throughput)
	assert.Len(t, decoded.TopFlows, 2)
}

func TestAggregator_FirstWindowIgnoresEmptyHistory(t *testing.T) {
	a, _, _ := newAggregatorFixture(t, nil)
	a.opts.Interval = time.Minute

	// Only three samples exist in a sixty second window.
	sub := a.Build("static-node", 2)
	assert.Equal(t, 60, sub.WindowSeconds)
	assert.Equal(t, MinMaxAvg{Min: 800, Max: 2400, Avg: 1600}, sub.Throughput.Down)
	assert.Equal(t, MinMaxAvg{Min: 400, Max: 1200, Avg: 800}, sub.Throughput.Up)
}

func TestAggregator_NotifyNeverBlocks(t *testing.T) {
	ctx := context.Background()
	a, q, _ := newAggregatorFixture(t, nil)

	for range 3 {
		_, err := a.Submit(ctx)
		require.NoError(t, err)
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAggregator_GatedByConfig(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{NodeID: "cfg-node", LongTermStats: &config.LongTermStatsConfig{GatherStats: false}}
	a, q, notify := newAggregatorFixture(t, config.StaticLoader(cfg))

	_, err := a.Submit(ctx)
	assert.ErrorIs(t, err, ErrSkipped)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, notify)

	cfg.LongTermStats.GatherStats = true
	cfg.LongTermStats.TopFlows = 4
	sub, err := a.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cfg-node", sub.NodeID)
	assert.Len(t, sub.TopFlows, 4)
}
