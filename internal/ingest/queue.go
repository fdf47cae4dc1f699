package ingest

import (
	"context"
	"errors"
	"time"
)

// DefaultCapacity is the default bounded queue size.
const DefaultCapacity = 10_000

// DefaultProducerWait is how long a producer blocks on a full queue before
// the ingestion API answers unavailable.
const DefaultProducerWait = 50 * time.Millisecond

// ErrFull is returned when the queue stayed full past the producer wait.
var ErrFull = errors.New("interaction queue full")

// Queue is the bounded multi-producer single-consumer intake between the
// ingestion API and the log processor.
type Queue struct {
	ch chan *Event
}

// NewQueue creates a queue with the given capacity (DefaultCapacity if <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan *Event, capacity)}
}

// Enqueue adds an event, blocking up to wait when the queue is full.
func (q *Queue) Enqueue(ev *Event, wait time.Duration) error {
	select {
	case q.ch <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case q.ch <- ev:
		return nil
	case <-timer.C:
		return ErrFull
	}
}

// DrainBatch gathers up to max events, waiting up to maxWait for the first
// one and returning as soon as max is reached or the wait elapses. Returns
// nil when the context is canceled before any event arrives.
func (q *Queue) DrainBatch(ctx context.Context, max int, maxWait time.Duration) []*Event {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	var batch []*Event
	for len(batch) < max {
		select {
		case ev := <-q.ch:
			batch = append(batch, ev)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

// TryDrain empties whatever is immediately available, up to max. Used
// during shutdown to flush without waiting.
func (q *Queue) TryDrain(max int) []*Event {
	var batch []*Event
	for len(batch) < max {
		select {
		case ev := <-q.ch:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// Depth returns the number of queued events.
func (q *Queue) Depth() int { return len(q.ch) }

// Capacity returns the queue capacity.
func (q *Queue) Capacity() int { return cap(q.ch) }
