// Package main provides the WebSocket status server for local UIs.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lhsu/syncbox/internal/logging"
	"github.com/lhsu/syncbox/internal/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local UIs only
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// WSClient is one connected status subscriber.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub fans sync state changes out to connected clients.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient

	mu   sync.RWMutex
	last []byte
}

// WSEnvelope wraps every message sent to clients.
type WSEnvelope struct {
	Type      string             `json:"type"`
	State     orchestrator.State `json:"state"`
	Timestamp int64              `json:"timestamp"`
}

const EventSyncStatus = "sync.status"

// NewWSHub creates the hub and starts its dispatch loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			last := h.last
			h.mu.Unlock()
			// New subscribers get the current state immediately.
			if last != nil {
				client.send <- last
			}
			logging.Debug("Status client connected", map[string]interface{}{"client": client.id})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Debug("Status client disconnected", map[string]interface{}{"client": client.id})

		case message := <-h.broadcast:
			h.mu.Lock()
			h.last = message
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer; drop it.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastState pushes a sync state change to every client. It is the
// orchestrator listener.
func (h *WSHub) BroadcastState(state orchestrator.State) {
	envelope := WSEnvelope{
		Type:      EventSyncStatus,
		State:     state,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to encode status message", err)
		return
	}

	select {
	case h.broadcast <- bytes:
	default:
		// Hub backed up; state changes are idempotent snapshots, losing
		// one is harmless.
	}
}

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Debug("Status client read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket upgrades status subscriber connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("Failed to upgrade status connection", err)
			return
		}

		client := &WSClient{
			id:   time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
