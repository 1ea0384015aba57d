package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvclabs/optirecall/internal/agent"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsSendBuffer   = 16
)

// AgentWSHandler broadcasts live pipeline events to connected dashboard
// clients over WebSocket. It implements agent.EventSink; a slow or dead
// client is dropped rather than allowed to block the pipeline.
type AgentWSHandler struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan agent.Event
}

// NewAgentWSHandler creates a new WebSocket event handler
func NewAgentWSHandler() *AgentWSHandler {
	return &AgentWSHandler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // same-origin enforced by the auth middleware
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// SetupRoutes configures WebSocket routes
func (h *AgentWSHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/agent", h.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and streams events until the
// client disconnects.
func (h *AgentWSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("AgentWSHandler: failed to upgrade WebSocket: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan agent.Event, wsSendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("AgentWSHandler: client connected from %s (%d total)", r.RemoteAddr, count)

	go h.writeLoop(client)
	h.readLoop(client)
}

// Publish implements agent.EventSink
func (h *AgentWSHandler) Publish(event agent.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			// Client is not keeping up; the write loop will reap it.
		}
	}
}

// ClientCount returns the number of connected clients
func (h *AgentWSHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *AgentWSHandler) writeLoop(client *wsClient) {
	for event := range client.send {
		if err := client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			h.drop(client)
			return
		}
		if err := client.conn.WriteJSON(event); err != nil {
			h.drop(client)
			return
		}
	}
}

// readLoop consumes control frames; clients do not send data
func (h *AgentWSHandler) readLoop(client *wsClient) {
	defer h.drop(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *AgentWSHandler) drop(client *wsClient) {
	h.mu.Lock()
	_, present := h.clients[client]
	if present {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()

	if present {
		client.conn.Close()
		log.Printf("AgentWSHandler: client disconnected")
	}
}
