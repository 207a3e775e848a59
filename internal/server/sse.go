package server

import (
	"sync"

	"github.com/droverhq/drover/internal/events"
)

// clientBuffer is each client's event channel capacity. A client that
// falls this far behind starts losing events.
const clientBuffer = 256

// Hub manages SSE client connections and broadcasts bus events to
// them. It runs an event loop in its own goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan events.Event

	done chan struct{}
}

// Client is one connected event-stream consumer.
type Client struct {
	id     string
	events chan events.Event
}

// NewHub creates a hub. Call Run to start the event loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan events.Event),
		done:       make(chan struct{}),
	}
}

// Run processes register, unregister, and broadcast operations.
// Blocks until Stop; run in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.events)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.events <- event:
				default:
					// Buffer full, drop for this client.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stop signals the loop to exit and closes every client connection.
func (h *Hub) Stop() {
	close(h.done)
}

// Register adds a client to the fanout. No-op after Stop.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client and closes its channel. No-op after
// Stop.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast fans an event out to every connected client. Clients with
// full buffers miss it. No-op after Stop.
func (h *Hub) Broadcast(e events.Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client with a buffered event channel.
func NewClient(id string) *Client {
	return &Client{
		id:     id,
		events: make(chan events.Event, clientBuffer),
	}
}
