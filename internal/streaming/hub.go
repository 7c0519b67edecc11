package streaming

import (
	"context"
	"encoding/json"
	"html"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/common/logger"
	"github.com/kilnci/kiln/internal/events/bus"
)

// Frame is one WebSocket message to a client.
type Frame struct {
	Type  string          `json:"type"` // line | state | event
	ID    int             `json:"id,omitempty"`
	Stage string          `json:"stage,omitempty"`
	Text  string          `json:"text,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
	Event *bus.Event      `json:"event,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Client is one WebSocket connection, optionally bound to a single run.
type Client struct {
	ID         string
	Identifier string // empty = lobby client receiving all run events

	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	stop   *cancel.Token
	logger *logger.Logger
}

// Hub tracks WebSocket clients and fans bus events out to them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event
	logger     *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Event, 256),
		logger:     log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// AttachBus forwards run lifecycle events from the bus into the hub.
func (h *Hub) AttachBus(b bus.EventBus) error {
	for _, subject := range []string{bus.SubjectRunStarted, bus.SubjectRunState, bus.SubjectRunFinished} {
		if _, err := b.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			select {
			case h.broadcast <- event:
			default:
				h.logger.Warn("event broadcast buffer full, dropping event",
					zap.String("type", event.Type))
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("client registered",
				zap.String("client_id", client.ID),
				zap.String("identifier", client.Identifier))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
		case event := <-h.broadcast:
			frame, err := json.Marshal(Frame{Type: "event", Event: event})
			if err != nil {
				continue
			}
			for client := range h.clients {
				if client.Identifier != "" && client.Identifier != event.Identifier {
					continue
				}
				select {
				case client.send <- frame:
				default:
					// slow consumer; it will miss this event
				}
			}
		}
	}
}

// Serve registers a WebSocket connection and streams the run at logDir to
// it, starting from line fromLine. Blocks until the client disconnects.
func (h *Hub) Serve(conn *websocket.Conn, identifier, logDir string, fromLine int) {
	client := &Client{
		ID:         uuid.New().String(),
		Identifier: identifier,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		hub:        h,
		stop:       cancel.New(),
		logger:     h.logger.WithFields(zap.String("identifier", identifier)),
	}
	h.register <- client

	if logDir != "" {
		go client.follow(logDir, fromLine)
	}
	go client.writePump()
	client.readPump()
}

// follow feeds the run's log and state stream into the send channel.
func (c *Client) follow(logDir string, fromLine int) {
	lineNumber := fromLine
	for item := range Follow(logDir, fromLine, c.stop) {
		var frame Frame
		switch item.Kind {
		case KindLine:
			frame = Frame{
				Type:  "line",
				ID:    lineNumber,
				Stage: html.EscapeString(Stage(item.Line)),
				Text:  html.EscapeString(item.Line),
			}
			lineNumber++
		case KindState:
			frame = Frame{Type: "state", State: item.State}
		}
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		case <-c.stop.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.stop.Cancel()
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
