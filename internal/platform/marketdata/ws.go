package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Dialer opens streaming connections to the market data WebSocket.
type Dialer struct {
	wsURL            string
	header           http.Header
	handshakeTimeout time.Duration
}

// NewDialer creates a Dialer for wsURL. A non-empty token is sent as a
// bearer Authorization header on the handshake.
func NewDialer(wsURL, token string, handshakeTimeout time.Duration) *Dialer {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}
	return &Dialer{wsURL: wsURL, header: header, handshakeTimeout: handshakeTimeout}
}

// Dial establishes one connection. The returned Conn keeps itself alive
// with pings until closed or until a read fails.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, d.wsURL, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("marketdata/ws: dial: %w: HTTP %d: %v", domain.ErrTransport, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("marketdata/ws: dial: %w: %v", domain.ErrTransport, err)
	}

	c := &Conn{ws: ws, done: make(chan struct{})}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.pingLoop()
	return c, nil
}

// Conn is a single WebSocket connection. ReadMessage must be called from
// one goroutine; writes are serialized internally.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// ReadMessage blocks for the next data message.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, fmt.Errorf("marketdata/ws: closed by peer: %w", domain.ErrTransport)
		}
		return nil, fmt.Errorf("marketdata/ws: read: %w: %v", domain.ErrTransport, err)
	}
	return data, nil
}

// WriteJSON sends v as a JSON text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marketdata/ws: marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("marketdata/ws: write: %w: %v", domain.ErrTransport, err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection. It is safe
// to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()

		err = c.ws.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
