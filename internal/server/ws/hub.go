package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// defaultChannels are broadcast to every client.
var defaultChannels = []string{
	domain.ChannelAlerts,
	domain.ChannelStatus,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS and auth middleware in front of /ws.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber is the part of the feed registry the hub needs.
type Subscriber interface {
	Subscribe(symbol string, c *feed.Consumer) (unsubscribe func())
}

// controlMsg is what a client sends to manage its symbol set.
type controlMsg struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Config carries metadata sent to clients on connect.
type Config struct {
	Mode       string
	StartedAt  time.Time
	MaxSymbols int
	Status     func() domain.ConnStatus
}

// Hub bridges the registry and the signal bus to browser clients. Each
// client's symbols are registry consumers, so a symbol a browser watches
// stays subscribed upstream while that browser is connected.
type Hub struct {
	bus      domain.SignalBus
	registry Subscriber
	cfg      Config
	logger   *slog.Logger

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates a Hub. bus may be nil, in which case only ticks reach
// clients.
func NewHub(bus domain.SignalBus, registry Subscriber, cfg Config, logger *slog.Logger) *Hub {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = 50
	}
	return &Hub{
		bus:        bus,
		registry:   registry,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "ws_hub")),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run owns client registration and broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		for _, ch := range defaultChannels {
			go h.subscribeToChannel(ctx, ch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			delete(h.clients, c)
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				c.close()
				h.logger.Info("client disconnected", slog.Int("total_clients", n))
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.enqueue(msg) {
					h.logger.Warn("dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribeToChannel(ctx context.Context, channel string) {
	msgCh, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("subscribe to channel failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("channel subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		symbols: make(map[string]func()),
	}
	c.consumer = feed.NewConsumer("ws_client", c.onTick)

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// client is one browser connection.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	consumer *feed.Consumer

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	symbols map[string]func()
}

// enqueue queues msg without blocking. It reports false when the buffer is
// full; messages for a closed client are discarded.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close releases the client's registry subscriptions and ends writePump.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.symbols
	c.symbols = nil
	close(c.send)
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

func (c *client) onTick(t domain.Tick) {
	msg, err := json.Marshal(envelope{Type: "tick", Payload: t})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *client) sendJSON(typ string, payload any) {
	msg, err := json.Marshal(envelope{Type: typ, Payload: payload})
	if err != nil {
		return
	}
	c.enqueue(msg)
}

func (c *client) sendHello() {
	payload := map[string]any{
		"mode":           c.hub.cfg.Mode,
		"uptime_seconds": max(int64(time.Since(c.hub.cfg.StartedAt).Seconds()), 0),
	}
	if c.hub.cfg.Status != nil {
		payload["feed"] = c.hub.cfg.Status()
	}
	c.sendJSON("hello", payload)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
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
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}

		var msg controlMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendJSON("error", map[string]string{"error": "invalid message"})
			continue
		}
		c.handleControl(msg)
	}
}

func (c *client) handleControl(msg controlMsg) {
	switch strings.ToLower(msg.Action) {
	case "subscribe":
		c.subscribe(msg.Symbols)
	case "unsubscribe":
		c.unsubscribe(msg.Symbols)
	default:
		c.sendJSON("error", map[string]string{"error": "unknown action " + msg.Action})
		return
	}
	c.sendJSON("subscriptions", map[string]any{"symbols": c.subscribed()})
}

func (c *client) subscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, sym := range symbols {
		sym = domain.NormalizeSymbol(sym)
		if sym == "" {
			continue
		}
		if _, ok := c.symbols[sym]; ok {
			continue
		}
		if len(c.symbols) >= c.hub.cfg.MaxSymbols {
			break
		}
		c.symbols[sym] = c.hub.registry.Subscribe(sym, c.consumer)
	}
}

func (c *client) unsubscribe(symbols []string) {
	c.mu.Lock()
	var release []func()
	for _, sym := range symbols {
		sym = domain.NormalizeSymbol(sym)
		if unsub, ok := c.symbols[sym]; ok {
			release = append(release, unsub)
			delete(c.symbols, sym)
		}
	}
	c.mu.Unlock()

	for _, unsub := range release {
		unsub()
	}
}

func (c *client) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// writePump sends queued messages as text frames and keeps the connection
// alive with pings.
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
