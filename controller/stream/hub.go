// Package stream pushes decision records to WebSocket subscribers as each
// control cycle finishes.
package stream

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gridsentry/derms/controller/store"
)

const maxConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Operator dashboards connect from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans decision records out to connected clients. A single broadcaster
// goroutine owns the client set; publishers never block on a slow client.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	records    chan *store.DecisionRecord
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		records:    make(chan *store.DecisionRecord, 16),
	}
}

// Run is the hub's main loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("decision stream: connection rejected, cap %d reached", maxConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if h.clients[conn] {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case rec := <-h.records:
			h.broadcastRecord(rec)
		}
	}
}

// Broadcast queues a record for delivery. Never blocks; when the buffer is
// full the record is dropped, the database copy remains authoritative.
func (h *Hub) Broadcast(rec *store.DecisionRecord) {
	select {
	case h.records <- rec:
	default:
	}
}

func (h *Hub) broadcastRecord(rec *store.DecisionRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(rec); err != nil {
			log.Printf("decision stream write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// ServeHTTP upgrades the request and registers the client. The read pump only
// watches for close frames; the stream is one-way.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("decision stream upgrade failed: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer h.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
