package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Scoped events are only delivered to clients watching that settings record
// (or watching everything).
type Scoped interface {
	Scope() uint
}

type outbound struct {
	scope uint
	data  []byte
}

// Hub maintains the set of active clients and broadcasts status events
type Hub struct {
	// Registered clients map: ClientID -> Client
	clients map[string]*Client

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Outbound events
	broadcast chan outbound

	// closed when Run returns
	done chan struct{}

	log *zap.Logger

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		log:        log,
	}
}

// Run starts the hub's main loop and closes every client when ctx ends
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.log.Debug("📡 status client connected", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Debug("📴 status client disconnected", zap.String("client_id", client.ID))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				if !client.wants(msg.scope) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Buffer full, the client will catch up from the REST API
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for every interested client. It never blocks the caller.
func (h *Hub) Broadcast(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to marshal event", zap.Error(err))
		return
	}
	msg := outbound{data: data}
	if s, ok := v.(Scoped); ok {
		msg.scope = s.Scope()
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("event dropped, broadcast buffer full")
	}
}

// Clients reports how many clients are connected
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
