package ws

import (
	"context"
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

	cachemem "github.com/alanyoungcy/orderbookd/internal/cache/memory"
	"github.com/alanyoungcy/orderbookd/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := Encode(domain.BusMessage{
		Name:        "token-floor.changed",
		Tags:        map[string]string{"contract": "0xabc"},
		Data:        []byte(`{"entityId":"0xabc:1","current":{"orderId":"o1"}}`),
		PublishedAt: at,
	})
	require.NoError(t, err)

	s, err := Decode(b)
	require.NoError(t, err)
	m := s.AsMap()
	assert.Equal(t, "token-floor.changed", m["name"])
	assert.Equal(t, "0xabc", m["tags"].(map[string]any)["contract"])
	assert.Equal(t, "o1", m["data"].(map[string]any)["current"].(map[string]any)["orderId"])
	assert.Equal(t, at.Format(time.RFC3339Nano), m["publishedAt"])

	_, err = Encode(domain.BusMessage{Name: "bad", Data: []byte(`{`)})
	assert.Error(t, err)
}

func TestClientPatterns(t *testing.T) {
	c := &client{subs: map[string]bool{"*.changed": true}}
	assert.True(t, c.wants("token-floor.changed"))
	assert.False(t, c.wants("order.created"))

	c.apply(subscribeMsg{Action: "subscribe", Patterns: []string{"order.*", "[bad"}})
	assert.True(t, c.wants("order.cancelled"))
	assert.Len(t, c.subs, 2)

	c.apply(subscribeMsg{Action: "unsubscribe", Patterns: []string{"*.changed"}})
	assert.False(t, c.wants("token-floor.changed"))
}

func TestHubStreamsBinaryFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := cachemem.NewBus()
	hub := NewHub(bus, nil, discardLogger())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	frames := make(chan []byte, 64)
	go func() {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			if kind == websocket.BinaryMessage {
				frames <- data
			}
		}
	}()

	var got []byte
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, "order.created", map[string]string{"kind": "seaport"}, map[string]string{"id": "o1"})
		_ = bus.Publish(ctx, "ignored.event", nil, map[string]string{})
		select {
		case got = <-frames:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	s, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, "order.created", s.AsMap()["name"])
	assert.Equal(t, "o1", s.AsMap()["data"].(map[string]any)["id"])
}
