package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"sipgate-server/pkg/gateway"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	eventQueueSize = 64
)

// EventClient is a single websocket subscriber to the event stream
type EventClient struct {
	hub     *EventHub
	conn    *websocket.Conn
	send    chan []byte
	logger  *logrus.Logger
	outcome string
}

// EventHub fans security events out to websocket subscribers. Clients
// may subscribe to a single outcome (rejected, challenged, advisory)
// or receive everything.
type EventHub struct {
	logger             *logrus.Logger
	clients            map[*EventClient]bool
	outcomeSubscribers map[string]map[*EventClient]bool
	broadcast          chan gateway.SecurityEvent
	register           chan *EventClient
	unregister         chan *EventClient
	running            bool
	mutex              sync.RWMutex
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections
		return true
	},
}

// NewEventHub creates a new security event hub
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger:             logger,
		clients:            make(map[*EventClient]bool),
		outcomeSubscribers: make(map[string]map[*EventClient]bool),
		broadcast:          make(chan gateway.SecurityEvent, eventQueueSize),
		register:           make(chan *EventClient),
		unregister:         make(chan *EventClient),
	}
}

// Run starts the event hub
func (h *EventHub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket event hub")
	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	defer func() {
		h.mutex.Lock()
		h.running = false
		for client := range h.clients {
			close(client.send)
		}
		h.clients = make(map[*EventClient]bool)
		h.outcomeSubscribers = make(map[string]map[*EventClient]bool)
		h.mutex.Unlock()
		h.logger.Info("WebSocket event hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true

			if client.outcome != "" {
				if _, exists := h.outcomeSubscribers[client.outcome]; !exists {
					h.outcomeSubscribers[client.outcome] = make(map[*EventClient]bool)
				}
				h.outcomeSubscribers[client.outcome][client] = true
			}
			h.mutex.Unlock()

			h.logger.WithField("outcome", client.outcome).Debug("Client connected to event stream")

		case client := <-h.unregister:
			h.mutex.Lock()
			h.dropClient(client)
			h.mutex.Unlock()

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal security event")
				continue
			}

			h.mutex.Lock()

			// Send to subscribers of this specific outcome
			if subscribers, exists := h.outcomeSubscribers[event.Outcome]; exists {
				for client := range subscribers {
					select {
					case client.send <- data:
					default:
						h.dropClient(client)
					}
				}
			}

			// Also broadcast to clients that want all events
			for client := range h.clients {
				if client.outcome != "" {
					continue
				}

				select {
				case client.send <- data:
				default:
					h.dropClient(client)
				}
			}

			h.mutex.Unlock()
		}
	}
}

// dropClient removes a client and closes its send channel. Callers
// must hold the write lock.
func (h *EventHub) dropClient(client *EventClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if client.outcome != "" {
		if subscribers, exists := h.outcomeSubscribers[client.outcome]; exists {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.outcomeSubscribers, client.outcome)
			}
		}
	}
}

// PublishSecurityEvent queues an event for broadcast. It never blocks;
// when the queue is full the event is dropped.
func (h *EventHub) PublishSecurityEvent(event gateway.SecurityEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Debug("Event stream queue full, dropping event")
	}
}

// IsRunning returns true if the hub's run loop is active
func (h *EventHub) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeWS handles WebSocket requests from event stream clients
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.IsRunning() {
		http.Error(w, "event hub not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	// Optional outcome filter from query parameter
	outcome := strings.ToLower(r.URL.Query().Get("outcome"))

	client := &EventClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		logger:  h.logger,
		outcome: outcome,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// writePump pumps events from the hub to the WebSocket connection
func (c *EventClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued events to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so close frames and pongs are
// processed. Clients have nothing to say to the hub.
func (c *EventClient) readPump() {
	defer func() {
		if c.hub.IsRunning() {
			c.hub.unregister <- c
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Debug("WebSocket read error")
			}
			break
		}
	}
}
