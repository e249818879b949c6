// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package submission

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ltsagent/internal/clock"
)

func openTestQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q, err := OpenDir(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	q := openTestQueue(t, Options{Clock: clk})

	for i := range 3 {
		_, err := q.Enqueue(ctx, []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, fmt.Sprintf("p%d", i), string(it.Payload))
		assert.NotEqual(t, uuid.Nil, it.BatchID)
	}
	assert.True(t, items[0].CreatedAt.Before(items[1].CreatedAt))
	assert.Less(t, items[0].ID, items[1].ID)

	limited, err := q.Pending(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestQueue_Ack(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{})

	a, err := q.Enqueue(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("b"))
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, a.ID))
	require.NoError(t, q.Ack(ctx, a.ID), "double ack is harmless")

	items, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b", string(items[0].Payload))
}

func TestQueue_UnboundedByDefault(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{})

	const total = 1500
	for i := range total {
		_, err := q.Enqueue(ctx, []byte(fmt.Sprintf("p%d", i)))
		require.NoError(t, err)
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, n)

	oldest, err := q.Pending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, "p0", string(oldest[0].Payload))
	assert.Zero(t, q.Refused())
}

func TestQueue_FullRefusesWithoutDropping(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Options{MaxItems: 3})

	for i := range 3 {
		_, err := q.Enqueue(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}
	for i := 3; i < 5; i++ {
		_, err := q.Enqueue(ctx, []byte{byte(i)})
		assert.ErrorIs(t, err, ErrQueueFull)
	}
	assert.Equal(t, uint64(2), q.Refused())

	items, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []byte{0}, items[0].Payload)
	assert.Equal(t, []byte{2}, items[2].Payload)

	// Delivering one makes room again.
	require.NoError(t, q.Ack(ctx, items[0].ID))
	_, err = q.Enqueue(ctx, []byte{9})
	require.NoError(t, err)
}

func TestQueue_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	batch := uuid.New()

	q, err := OpenDir(dir, Options{})
	require.NoError(t, err)
	_, err = q.EnqueueBatch(ctx, batch, []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = OpenDir(dir, Options{})
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, batch, items[0].BatchID)
	assert.Equal(t, "kept", string(items[0].Payload))
}
