package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(id string) *Event {
	return &Event{Action: ActionProgress, InteractionID: id}
}

func TestQueue_EnqueueDrain(t *testing.T) {
	q := NewQueue(16)
	require.NoError(t, q.Enqueue(ev("a"), time.Millisecond))
	require.NoError(t, q.Enqueue(ev("b"), time.Millisecond))
	assert.Equal(t, 2, q.Depth())

	batch := q.DrainBatch(context.Background(), 100, 10*time.Millisecond)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].InteractionID, "FIFO order")
	assert.Equal(t, "b", batch[1].InteractionID)
}

func TestQueue_FullAfterWaitReturnsErrFull(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.Enqueue(ev("a"), time.Millisecond))
	require.NoError(t, q.Enqueue(ev("b"), time.Millisecond))

	start := time.Now()
	err := q.Enqueue(ev("c"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "producer waits before giving up")
}

func TestQueue_ProducerSucceedsWhenConsumerDrains(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(ev("a"), time.Millisecond))

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.DrainBatch(context.Background(), 1, time.Millisecond)
	}()

	// Queue is at capacity; the producer blocks until the drain frees a slot.
	err := q.Enqueue(ev("b"), 100*time.Millisecond)
	assert.NoError(t, err)
}

func TestQueue_DrainBatchStopsAtMax(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ev("x"), time.Millisecond))
	}
	batch := q.DrainBatch(context.Background(), 4, 50*time.Millisecond)
	assert.Len(t, batch, 4)
	assert.Equal(t, 6, q.Depth())
}

func TestQueue_DrainBatchHonorsWaitAndContext(t *testing.T) {
	q := NewQueue(4)

	start := time.Now()
	batch := q.DrainBatch(context.Background(), 10, 30*time.Millisecond)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch = q.DrainBatch(ctx, 10, time.Second)
	assert.Empty(t, batch)
}

func TestQueue_TryDrain(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ev("x"), time.Millisecond))
	}
	assert.Len(t, q.TryDrain(100), 3)
	assert.Empty(t, q.TryDrain(100))
}
