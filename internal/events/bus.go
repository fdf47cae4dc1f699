// Package events is the in-process pub/sub bus carrying accepted
// interaction events to live subscribers (the websocket tail).
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event is the envelope published on the bus.
type Event struct {
	Type          string          `json:"type"` // interaction_start, interaction_progress, ...
	InteractionID string          `json:"interaction_id"`
	MCPID         string          `json:"mcp_id,omitempty"`
	Time          time.Time       `json:"time"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Bus fans events out to subscriber channels. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan *Event]struct{}
	logger *log.Logger
	buffer int
}

// NewBus creates a bus with a per-subscriber buffer of 256 events.
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[chan *Event]struct{}),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		buffer: 256,
	}
}

// Subscribe returns a channel receiving all published events.
func (b *Bus) Subscribe() chan *Event {
	ch := make(chan *Event, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber with buffer room.
func (b *Bus) Publish(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Channel full, skip. The live tail is best-effort.
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
