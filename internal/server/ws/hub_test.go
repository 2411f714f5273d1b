package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tickwatch/internal/cache/memory"
	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
)

type hubFixture struct {
	hub        *Hub
	registry   *feed.Registry
	dispatcher *feed.Dispatcher
	bus        *memory.Bus
	url        string
}

func newHubFixture(t *testing.T) hubFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := feed.NewRegistry(nil, logger)
	bus := memory.NewBus(0)
	hub := NewHub(bus, registry, Config{
		Mode:   "stream",
		Status: func() domain.ConnStatus { return domain.ConnStatus{StateName: "connected"} },
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return hubFixture{
		hub:        hub,
		registry:   registry,
		dispatcher: feed.NewDispatcher(registry, nil, nil, logger),
		bus:        bus,
		url:        "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readType(t *testing.T, conn *websocket.Conn, want string) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m message
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == want {
			return m
		}
	}
}

func TestHub_HelloAndTicks(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url)

	hello := readType(t, conn, "hello")
	assert.Contains(t, string(hello.Payload), `"mode":"stream"`)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "symbols": []string{"nifty", "BANKNIFTY"}}))
	subs := readType(t, conn, "subscriptions")
	assert.JSONEq(t, `{"symbols":["BANKNIFTY","NIFTY"]}`, string(subs.Payload))
	assert.Equal(t, []string{"BANKNIFTY", "NIFTY"}, f.registry.Symbols())

	f.dispatcher.DispatchBatch(context.Background(), []domain.Tick{{Symbol: "NIFTY", LastPrice: 22500, Timestamp: time.Now()}})
	tick := readType(t, conn, "tick")
	var got domain.Tick
	require.NoError(t, json.Unmarshal(tick.Payload, &got))
	assert.Equal(t, "NIFTY", got.Symbol)
	assert.Equal(t, 22500.0, got.LastPrice)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "symbols": []string{"NIFTY"}}))
	readType(t, conn, "subscriptions")
	assert.Equal(t, []string{"BANKNIFTY"}, f.registry.Symbols())
}

func TestHub_BroadcastsBusMessages(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url)
	readType(t, conn, "hello")

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	payload := []byte(`{"type":"alert","payload":{"rule_id":"r1"}}`)
	// the bus subscription starts asynchronously; publish until it lands
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = f.bus.Publish(context.Background(), domain.ChannelAlerts, payload)
			}
		}
	}()

	msg := readType(t, conn, "alert")
	assert.JSONEq(t, `{"rule_id":"r1"}`, string(msg.Payload))
}

func TestHub_DisconnectReleasesSubscriptions(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url)
	readType(t, conn, "hello")

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "symbols": []string{"SENSEX"}}))
	readType(t, conn, "subscriptions")
	require.Equal(t, []string{"SENSEX"}, f.registry.Symbols())

	conn.Close()
	require.Eventually(t, func() bool { return len(f.registry.Symbols()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsUnknownAction(t *testing.T) {
	f := newHubFixture(t)
	conn := dial(t, f.url)
	readType(t, conn, "hello")

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "dance"}))
	msg := readType(t, conn, "error")
	assert.Contains(t, string(msg.Payload), "unknown action")
}
