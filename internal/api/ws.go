package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/pkosek/solis-ginlong-local-monitor/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Dashboard and API share a host on the local network.
		return true
	},
}

const (
	// sendQueueSize bounds how far behind a client may fall before it is
	// dropped instead of waited on.
	sendQueueSize = 8

	// writeWait bounds a single websocket write to a stalled peer.
	writeWait = 5 * time.Second
)

// Hub pushes each freshly stored reading to connected websocket clients.
// Every connection has a single writer goroutine fed by a bounded queue, so
// queueing a message never blocks the caller and no two goroutines ever
// write the same connection.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	logger  logrus.FieldLogger
}

// NewHub creates an empty hub.
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan []byte),
		logger:  logger,
	}
}

// Broadcast queues a reading for every client. A client whose queue is full
// is dropped: the collector goroutine calls this after each stored reading,
// and a peer that stopped reading must not stall the poll loop. Safe to call
// from any goroutine.
func (h *Hub) Broadcast(reading models.Reading) {
	data, err := json.Marshal(reading)
	if err != nil {
		h.logger.WithError(err).Error("marshaling reading for broadcast")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- data:
		default:
			h.logger.Warn("dropping websocket client that stopped reading")
			h.dropLocked(conn)
		}
	}
}

// add registers conn and starts its writer goroutine.
func (h *Hub) add(conn *websocket.Conn) {
	send := make(chan []byte, sendQueueSize)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()
	go h.writeLoop(conn, send)
}

// send queues data for conn, if it is still connected.
func (h *Hub) send(conn *websocket.Conn, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.clients[conn]
	if !ok {
		return
	}
	select {
	case ch <- data:
	default:
		h.dropLocked(conn)
	}
}

// writeLoop is conn's single writer. It exits when the queue is closed, or
// drops the client on the first failed or timed-out write.
func (h *Hub) writeLoop(conn *websocket.Conn, send chan []byte) {
	defer conn.Close()
	for data := range send {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
			for range send {
				// drain until remove closes the queue
			}
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	h.dropLocked(conn)
	h.mu.Unlock()
}

// dropLocked unregisters conn and closes its queue, stopping the writer.
// Queue sends happen under mu, so the close cannot race one. Idempotent.
func (h *Hub) dropLocked(conn *websocket.Conn) {
	send, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	close(send)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.dropLocked(conn)
	}
}
