// Package ws streams order and cache-change events to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// DefaultPatterns are the bus patterns the hub forwards.
var DefaultPatterns = []string{"*.changed", "order.*"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// subscribeMsg is the text frame a client sends to change its patterns.
type subscribeMsg struct {
	Action   string   `json:"action"`
	Patterns []string `json:"patterns"`
}

type frame struct {
	name string
	data []byte
}

// Hub fans bus messages out to connected clients. Each client receives
// only events whose name matches one of its glob patterns.
type Hub struct {
	bus      domain.EventSubscriber
	patterns []string
	logger   *slog.Logger

	broadcast  chan frame
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a Hub. Empty patterns fall back to DefaultPatterns.
func NewHub(bus domain.EventSubscriber, patterns []string, logger *slog.Logger) *Hub {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Hub{
		bus:        bus,
		patterns:   patterns,
		logger:     logger.With(slog.String("component", "ws-hub")),
		broadcast:  make(chan frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run subscribes to the bus and serves clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range h.patterns {
		msgs, err := h.bus.Subscribe(ctx, p)
		if err != nil {
			return fmt.Errorf("ws: subscribe %s: %w", p, err)
		}
		g.Go(func() error {
			h.forward(ctx, p, msgs)
			return nil
		})
	}
	g.Go(func() error { return h.loop(ctx) })
	return g.Wait()
}

func (h *Hub) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.String("client", c.id), slog.Int("total_clients", total))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", slog.String("client", c.id), slog.Int("total_clients", total))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(f.name) {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					h.logger.Warn("dropping message for slow client", slog.String("client", c.id))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) forward(ctx context.Context, pattern string, msgs <-chan domain.BusMessage) {
	h.logger.Info("subscribed", slog.String("pattern", pattern))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				h.logger.Warn("subscription closed", slog.String("pattern", pattern))
				return
			}
			data, err := Encode(msg)
			if err != nil {
				h.logger.Warn("encode frame failed", slog.String("event", msg.Name), slog.String("error", err.Error()))
				continue
			}
			select {
			case h.broadcast <- frame{name: msg.Name, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Encode turns a bus message into a binary frame: a protobuf Struct with
// name, tags, data and publishedAt fields.
func Encode(msg domain.BusMessage) ([]byte, error) {
	var data any
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("ws: decode %s data: %w", msg.Name, err)
		}
	}
	tags := make(map[string]any, len(msg.Tags))
	for k, v := range msg.Tags {
		tags[k] = v
	}
	s, err := structpb.NewStruct(map[string]any{
		"name":        msg.Name,
		"tags":        tags,
		"data":        data,
		"publishedAt": msg.PublishedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("ws: build %s frame: %w", msg.Name, err)
	}
	return proto.Marshal(s)
}

// Decode parses a frame produced by Encode.
func Decode(b []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("ws: decode frame: %w", err)
	}
	return &s, nil
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	for _, p := range h.patterns {
		c.subs[p] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("client", c.id), slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.apply(sub)
	}
}

func (c *client) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range msg.Patterns {
		if _, err := path.Match(p, ""); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.subs[p] = true
		case "unsubscribe":
			delete(c.subs, p)
		}
	}
}

func (c *client) wants(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for p := range c.subs {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

func (c *client) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
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
