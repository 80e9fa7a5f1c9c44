// Package display streams the event countdown to external display screens
// over WebSocket.
package display

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/judgesync/go/internal/timer"
)

// Hub manages display connections grouped by event.
type Hub struct {
	eventConnections map[string]map[*Connection]bool
	lastFrames       map[string][]byte
	mu               sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
}

// Connection is one display screen.
type Connection struct {
	ID      string
	EventID string
	Conn    *websocket.Conn
	Send    chan []byte
	Hub     *Hub

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for display connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Frame is the message sent to displays.
type Frame struct {
	Type    string     `json:"type"`
	EventID string     `json:"event_id"`
	Timer   timer.View `json:"timer"`
	SentAt  time.Time  `json:"sent_at"`
}

type broadcastMessage struct {
	eventID string
	frame   Frame
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  512, // displays only send pongs
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Displays are opened from share links on arbitrary screens.
			return true
		},
	}
}

func NewHub(config ConnectionConfig) *Hub {
	return &Hub{
		eventConnections: make(map[string]map[*Connection]bool),
		lastFrames:       make(map[string][]byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 256),
	}
}

// Start processes broadcasts until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("display hub started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("display hub shutting down")
			h.closeAll()
			return
		case message := <-h.broadcastCh:
			h.handleBroadcast(message)
		}
	}
}

// BroadcastTimer queues view for every display of eventID. Frames are
// dropped when the queue is full; the next tick carries fresher state.
func (h *Hub) BroadcastTimer(eventID string, view timer.View) {
	msg := broadcastMessage{
		eventID: eventID,
		frame:   Frame{Type: "timer", EventID: eventID, Timer: view, SentAt: time.Now().UTC()},
	}
	select {
	case h.broadcastCh <- msg:
	default:
		log.Warn().Str("event_id", eventID).Msg("display broadcast channel full, dropping frame")
	}
}

// UpgradeConnection upgrades the request and registers the display.
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request, eventID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		EventID:     eventID,
		Conn:        conn,
		Send:        make(chan []byte, 64),
		Hub:         h,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}
	h.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("event_id", eventID).
		Msg("display connected")
	return nil
}

// registerConnection adds the connection and primes it with the last frame.
func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.eventConnections[conn.EventID] == nil {
		h.eventConnections[conn.EventID] = make(map[*Connection]bool)
	}
	h.eventConnections[conn.EventID][conn] = true
	if last := h.lastFrames[conn.EventID]; last != nil {
		conn.Send <- last
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("event_id", conn.EventID).
		Int("total_connections", len(h.eventConnections[conn.EventID])).
		Msg("display registered")
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connections, exists := h.eventConnections[conn.EventID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(h.eventConnections, conn.EventID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("event_id", conn.EventID).
		Msg("display disconnected")
}

func (h *Hub) handleBroadcast(message broadcastMessage) {
	data, err := json.Marshal(message.frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal display frame")
		return
	}

	// Sends happen under the lock so a concurrent unregister cannot close
	// Send mid-write.
	var slow []*Connection
	h.mu.Lock()
	h.lastFrames[message.eventID] = data
	for conn := range h.eventConnections[message.eventID] {
		select {
		case conn.Send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.Unlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("display send buffer full, closing connection")
		h.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Connection
	for _, conns := range h.eventConnections {
		for conn := range conns {
			all = append(all, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range all {
		h.unregisterConnection(conn)
	}
}

// Stats reports open displays per event.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveEvents     int            `json:"active_events"`
	EventConnections map[string]int `json:"event_connections"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Stats{EventConnections: make(map[string]int)}
	for eventID, connections := range h.eventConnections {
		stats.TotalConnections += len(connections)
		stats.EventConnections[eventID] = len(connections)
	}
	stats.ActiveEvents = len(h.eventConnections)
	return stats
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Hub.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write display frame")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump only keeps the read deadline alive; displays send nothing useful.
func (c *Connection) readPump() {
	defer func() {
		c.Hub.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected display close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Hub.config.ReadTimeout))
	}
}
