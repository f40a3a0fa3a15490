package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
)

func newTestClient(h *WSHub, id string) *wsClient {
	c := &wsClient{id: id, subs: make(map[string]struct{})}
	h.register(c)
	return c
}

func TestWSSubscribeUppercasesAndIndexes(t *testing.T) {
	h := NewWSHub(50, zerolog.Nop())
	newTestClient(h, "c1")

	accepted := h.subscribe("c1", []string{"aapl", " msft ", ""})
	assert.Equal(t, []string{"AAPL", "MSFT"}, accepted)
	assert.Equal(t, 1, h.SubscriberCount("AAPL"))
	assert.Equal(t, 1, h.SubscriberCount("aapl"), "lookup is case-insensitive")
}

func TestWSSubscriptionCap(t *testing.T) {
	h := NewWSHub(3, zerolog.Nop())
	newTestClient(h, "c1")

	accepted := h.subscribe("c1", []string{"AAPL", "MSFT", "NVDA", "TSLA", "AMD"})
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, accepted)
	assert.Equal(t, 0, h.SubscriberCount("TSLA"))

	// Duplicates of existing subscriptions are accepted past the cap.
	accepted = h.subscribe("c1", []string{"AAPL"})
	assert.Equal(t, []string{"AAPL"}, accepted)
}

func TestWSUnsubscribeCleansReverseIndex(t *testing.T) {
	h := NewWSHub(50, zerolog.Nop())
	newTestClient(h, "c1")
	newTestClient(h, "c2")

	h.subscribe("c1", []string{"AAPL"})
	h.subscribe("c2", []string{"AAPL"})
	assert.Equal(t, 2, h.SubscriberCount("AAPL"))

	h.unsubscribe("c1", []string{"AAPL"})
	assert.Equal(t, 1, h.SubscriberCount("AAPL"))

	h.unsubscribe("c2", []string{"AAPL"})
	assert.Equal(t, 0, h.SubscriberCount("AAPL"))
	h.mu.RLock()
	_, exists := h.byTicker["AAPL"]
	h.mu.RUnlock()
	assert.False(t, exists, "empty ticker sets are removed")
}

func TestWSUnregisterDropsSubscriptions(t *testing.T) {
	h := NewWSHub(50, zerolog.Nop())
	newTestClient(h, "c1")
	h.subscribe("c1", []string{"AAPL", "MSFT"})

	h.unregister("c1")
	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.SubscriberCount("AAPL"))
	assert.Equal(t, 0, h.SubscriberCount("MSFT"))
}

func TestWSRequestWireFormat(t *testing.T) {
	var req wsRequest
	require.NoError(t, json.Unmarshal([]byte(`{"op":"subscribe","tickers":["aapl","msft"]}`), &req))
	assert.Equal(t, "subscribe", req.Op)
	assert.Equal(t, []string{"aapl", "msft"}, req.Tickers)
}

func TestWSRefreshBuildsBatchForSubscriptions(t *testing.T) {
	h := NewWSHub(50, zerolog.Nop())
	newTestClient(h, "c1")
	h.subscribe("c1", []string{"aapl", "msft"})

	var asked []string
	h.OnRefresh(func(ctx context.Context, tickers []string) map[string]map[string]interface{} {
		asked = append([]string(nil), tickers...)
		return map[string]map[string]interface{}{
			"AAPL": {"ticker": "AAPL", "price": 182.5},
			"MSFT": {"ticker": "MSFT", "price": 410.0},
		}
	})

	payload := h.refreshPayload(context.Background(), "c1")
	sort.Strings(asked)
	assert.Equal(t, []string{"AAPL", "MSFT"}, asked, "source is asked for the client's subscriptions")
	assert.Equal(t, "price_batch", payload["type"])

	prices, ok := payload["prices"].(map[string]map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 182.5, prices["AAPL"]["price"])
	assert.NotEmpty(t, payload["timestamp"])
}

func TestWSRefreshWithoutSourceOrSubscriptions(t *testing.T) {
	h := NewWSHub(50, zerolog.Nop())
	newTestClient(h, "c1")

	// No subscriptions yet: the source is never consulted.
	called := false
	h.OnRefresh(func(ctx context.Context, tickers []string) map[string]map[string]interface{} {
		called = true
		return nil
	})
	payload := h.refreshPayload(context.Background(), "c1")
	assert.False(t, called)
	assert.Empty(t, payload["prices"])

	// No source installed: still a well-formed empty batch.
	h.OnRefresh(nil)
	h.subscribe("c1", []string{"AAPL"})
	payload = h.refreshPayload(context.Background(), "c1")
	assert.Equal(t, "price_batch", payload["type"])
	assert.Empty(t, payload["prices"])
}

func TestEncodeSSEFrameShape(t *testing.T) {
	frame, err := encodeSSE(events.PriceUpdate, map[string]interface{}{"ticker": "AAPL"})
	require.NoError(t, err)
	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: price_update\ndata: "))
	assert.True(t, strings.HasSuffix(text, "\n\n"))
	assert.Contains(t, text, `"ticker":"AAPL"`)
}

func TestEncodeSSESizeGate(t *testing.T) {
	big := strings.Repeat("x", maxPayloadBytes+1)
	_, err := encodeSSE(events.Snapshot, map[string]interface{}{"blob": big})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestSSESendEventRejectsUnknownType(t *testing.T) {
	bus := events.NewBus()
	h := NewSSEHub(bus, nil, zerolog.Nop())
	err := h.SendEvent(events.EventType("not_a_thing"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestSSEDropsSlowClients(t *testing.T) {
	bus := events.NewBus()
	h := NewSSEHub(bus, nil, zerolog.Nop())

	// A client that never drains its queue.
	slow := &sseClient{queue: make(chan []byte, 1)}
	h.mu.Lock()
	h.clients[slow] = struct{}{}
	h.mu.Unlock()

	require.NoError(t, h.SendEvent(events.Heartbeat, nil))
	assert.Equal(t, 1, h.ClientCount())

	// Second event finds the queue full; the client is reaped.
	require.NoError(t, h.SendEvent(events.Heartbeat, nil))
	assert.Equal(t, 0, h.ClientCount())
}

func TestSSEHubForwardsBusEvents(t *testing.T) {
	bus := events.NewBus()
	h := NewSSEHub(bus, nil, zerolog.Nop())

	client := &sseClient{queue: make(chan []byte, sseQueueSize)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	bus.Publish(events.Alert, map[string]interface{}{"alert_id": 7})
	frame := <-client.queue
	assert.Contains(t, string(frame), "event: alert")
	assert.Contains(t, string(frame), `"alert_id":7`)
}
