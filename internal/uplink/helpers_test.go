// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package uplink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/submission"
)

func ltsConfig(collector string) *config.Config {
	return &config.Config{
		NodeID:   "node-1",
		NodeName: "Node One",
		LongTermStats: &config.LongTermStatsConfig{
			GatherStats: true,
			LicenseKey:  "license-abc",
			Collector:   collector,
			IOTimeout:   "2s",
		},
	}
}

type memQueue struct {
	mu           sync.Mutex
	items        []submission.Item
	next         int64
	pendingCalls int
}

func (q *memQueue) add(payloads ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range payloads {
		q.next++
		q.items = append(q.items, submission.Item{ID: q.next, BatchID: uuid.New(), Payload: []byte(p)})
	}
}

func (q *memQueue) Pending(_ context.Context, limit int) ([]submission.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingCalls++
	out := append([]submission.Item(nil), q.items...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *memQueue) Ack(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return nil
}

func (q *memQueue) ids() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []int64
	for _, it := range q.items {
		out = append(out, it.ID)
	}
	return out
}

type sink struct {
	mu       sync.Mutex
	received []Received
}

func (s *sink) handle(r Received) {
	s.mu.Lock()
	s.received = append(s.received, r)
	s.mu.Unlock()
}

func (s *sink) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.received {
		out = append(out, string(r.Payload))
	}
	return out
}

func startCollector(t *testing.T, policy Policy) (*Collector, *sink) {
	t.Helper()
	s := &sink{}
	c, err := Listen("127.0.0.1:0", CollectorOptions{
		Policy:    policy,
		Handler:   s.handle,
		Logger:    logging.Discard(),
		IOTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	go c.Serve(context.Background())
	t.Cleanup(func() { c.Close() })
	return c, s
}

func newTestClient(t *testing.T, loader config.Loader, q Queue, dial DialFunc) *Client {
	t.Helper()
	c, err := New(Options{
		Loader: loader,
		Queue:  q,
		Logger: logging.Discard(),
		Dial:   dial,
	})
	require.NoError(t, err)
	return c
}
