// Package stream serves the websocket live tail of accepted interaction
// events. The tail is best-effort: slow readers miss events rather than
// backpressuring ingestion.
package stream

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/coordcore/coordinator/internal/events"
)

// Tail upgrades HTTP requests and pipes bus events to each connection.
type Tail struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewTail(bus *events.Bus) *Tail {
	return &Tail{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// ServeHTTP handles one websocket subscriber. Optional query filters:
// mcp_id narrows to one MCP, interaction_id to one interaction.
func (t *Tail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mcpID := r.URL.Query().Get("mcp_id")
	interactionID := r.URL.Query().Get("interaction_id")

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Printf("Websocket upgrade failed: %v", err)
		return
	}

	sub := t.bus.Subscribe()
	t.logger.Printf("Tail subscriber connected (total: %d)", t.bus.SubscriberCount())

	// Reader goroutine: its only job is to notice the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		t.bus.Unsubscribe(sub)
		conn.Close()
		t.logger.Printf("Tail subscriber disconnected (total: %d)", t.bus.SubscriberCount())
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if mcpID != "" && ev.MCPID != mcpID {
				continue
			}
			if interactionID != "" && ev.InteractionID != interactionID {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// Stats reports tail fan-out state for the stats endpoint.
func (t *Tail) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": t.bus.SubscriberCount(),
	}
}
