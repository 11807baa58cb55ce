// Package gateway serves the dashboard read model over HTTP and WebSocket.
package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketdash/internal/model"
)

// Selector is the session the gateway reads from and steers.
type Selector interface {
	Select(symbol, interval string) error
	View() model.View
}

// ViewStore returns the last view stored for a selection that is not active.
type ViewStore interface {
	LatestView(ctx context.Context, key model.SelectionKey) (*model.View, error)
}

// Hub manages WebSocket clients and fans views out to them.
type Hub struct {
	sel Selector

	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	// Ages tracks publish-to-emit latency of broadcast views.
	Ages *AgeTracker

	// OnClients is called with the client count after each connect or disconnect.
	OnClients func(n int)

	Broadcaster *Broadcaster
}

// NewHub creates a Hub serving views from sel.
func NewHub(sel Selector) *Hub {
	h := &Hub{
		sel:     sel,
		clients: make(map[*Client]bool),
		Ages:    NewAgeTracker(4096),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Run broadcasts views until ctx is cancelled or views is closed.
func (h *Hub) Run(ctx context.Context, views <-chan *model.View) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-views:
			if !ok {
				return
			}
			h.Broadcaster.Broadcast(v)
		}
	}
}

// HandleWSRequest registers an upgraded connection. The client receives
// the current view first, then every broadcast view.
func (h *Hub) HandleWSRequest(conn *websocket.Conn) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	conn.EnableWriteCompression(true)

	v := h.sel.View()
	h.mu.Lock()
	client.send <- buildEnvelope(v.JSON(), time.Now().UTC(), h.seq, true)
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClients != nil {
		h.OnClients(count)
	}

	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	close(c.send)
	if h.OnClients != nil {
		h.OnClients(count)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns broadcast counters and view-age percentiles.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	s := Stats{Clients: len(h.clients), Seq: h.seq, Broadcasts: h.seq}
	h.mu.RUnlock()
	s.AgeP50Ms, s.AgeP95Ms, s.AgeP99Ms = h.Ages.Percentiles()
	return s
}
