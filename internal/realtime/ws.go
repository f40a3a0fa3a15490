package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// wsClient is one connected price-stream client.
type wsClient struct {
	id   string
	conn *websocket.Conn

	// sendMu serialises writes; nhooyr allows one concurrent writer.
	sendMu sync.Mutex
	subs   map[string]struct{}
}

// RefreshFunc fetches current prices for the given tickers, keyed by
// ticker, in the same shape BroadcastPrices consumes.
type RefreshFunc func(ctx context.Context, tickers []string) map[string]map[string]interface{}

// WSHub tracks WebSocket clients and their ticker subscriptions. A
// reverse index keeps subscriber lookup O(1) per ticker.
type WSHub struct {
	mu        sync.RWMutex
	clients   map[string]*wsClient
	byTicker  map[string]map[string]struct{}
	refreshFn RefreshFunc

	maxSubs int
	log     zerolog.Logger
}

// NewWSHub creates the hub. maxSubs caps subscriptions per client.
func NewWSHub(maxSubs int, log zerolog.Logger) *WSHub {
	if maxSubs <= 0 {
		maxSubs = 50
	}
	return &WSHub{
		clients:  make(map[string]*wsClient),
		byTicker: make(map[string]map[string]struct{}),
		maxSubs:  maxSubs,
		log:      log.With().Str("component", "ws_hub").Logger(),
	}
}

// OnRefresh installs the price source backing the refresh op.
func (h *WSHub) OnRefresh(fn RefreshFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.refreshFn = fn
}

// ClientCount returns connected client count.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients follow a ticker.
func (h *WSHub) SubscriberCount(ticker string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTicker[strings.ToUpper(ticker)])
}

func (h *WSHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Debug().Str("client_id", c.id).Msg("WebSocket client connected")
}

func (h *WSHub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		for ticker := range c.subs {
			if set := h.byTicker[ticker]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(h.byTicker, ticker)
				}
			}
		}
	}
	h.mu.Unlock()
	if ok {
		h.log.Debug().Str("client_id", id).Msg("WebSocket client disconnected")
	}
}

// subscribe adds tickers to the client, silently ignoring entries past
// the cap. Returns the accepted tickers.
func (h *WSHub) subscribe(id string, tickers []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return nil
	}
	var accepted []string
	for _, raw := range tickers {
		ticker := strings.ToUpper(strings.TrimSpace(raw))
		if ticker == "" {
			continue
		}
		if _, dup := c.subs[ticker]; dup {
			accepted = append(accepted, ticker)
			continue
		}
		if len(c.subs) >= h.maxSubs {
			break
		}
		c.subs[ticker] = struct{}{}
		if h.byTicker[ticker] == nil {
			h.byTicker[ticker] = make(map[string]struct{})
		}
		h.byTicker[ticker][id] = struct{}{}
		accepted = append(accepted, ticker)
	}
	return accepted
}

func (h *WSHub) unsubscribe(id string, tickers []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	for _, raw := range tickers {
		ticker := strings.ToUpper(strings.TrimSpace(raw))
		delete(c.subs, ticker)
		if set := h.byTicker[ticker]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(h.byTicker, ticker)
			}
		}
	}
}

// send writes one JSON message with the payload size gate applied. A
// failed send marks the client dead.
func (h *WSHub) send(c *wsClient, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: payload not serialisable: %w", err)
	}
	if len(raw) > maxPayloadBytes {
		return fmt.Errorf("ws: payload %d bytes exceeds %d limit", len(raw), maxPayloadBytes)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.sendMu.Lock()
	err = c.conn.Write(ctx, websocket.MessageText, raw)
	c.sendMu.Unlock()
	if err != nil {
		h.unregister(c.id)
		return err
	}
	return nil
}

// BroadcastToSubscribers sends one payload to every subscriber of the
// ticker. The subscriber set is snapshotted under the lock; sends
// happen outside it.
func (h *WSHub) BroadcastToSubscribers(ticker string, payload interface{}) {
	ticker = strings.ToUpper(ticker)

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.byTicker[ticker]))
	for id := range h.byTicker[ticker] {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := h.send(c, payload); err != nil {
			h.log.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket send failed")
		}
	}
}

// BroadcastPrices groups fresh prices by subscriber so each client
// receives a single price_batch holding only its tickers.
func (h *WSHub) BroadcastPrices(prices map[string]map[string]interface{}) {
	h.mu.RLock()
	batches := make(map[*wsClient]map[string]map[string]interface{})
	for ticker, data := range prices {
		upper := strings.ToUpper(ticker)
		for id := range h.byTicker[upper] {
			c, ok := h.clients[id]
			if !ok {
				continue
			}
			if batches[c] == nil {
				batches[c] = make(map[string]map[string]interface{})
			}
			batches[c][upper] = data
		}
	}
	h.mu.RUnlock()

	for c, batch := range batches {
		payload := map[string]interface{}{
			"type":      "price_batch",
			"prices":    batch,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if err := h.send(c, payload); err != nil {
			h.log.Debug().Err(err).Str("client_id", c.id).Msg("WebSocket price batch failed")
		}
	}
}

// refreshPayload builds the on-demand price frame for one client: its
// current subscriptions run through the refresh source and come back as
// a price_batch.
func (h *WSHub) refreshPayload(ctx context.Context, id string) map[string]interface{} {
	h.mu.RLock()
	fn := h.refreshFn
	var tickers []string
	if c, ok := h.clients[id]; ok {
		for ticker := range c.subs {
			tickers = append(tickers, ticker)
		}
	}
	h.mu.RUnlock()

	prices := map[string]map[string]interface{}{}
	if fn != nil && len(tickers) > 0 {
		prices = fn(ctx, tickers)
	}
	return map[string]interface{}{
		"type":      "price_batch",
		"prices":    prices,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// wsRequest is an inbound control message.
type wsRequest struct {
	Op      string   `json:"op"`
	Tickers []string `json:"tickers"`
}

// ServeHTTP upgrades the connection and processes subscribe,
// unsubscribe and refresh ops until the client goes away.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		subs: make(map[string]struct{}),
	}
	h.register(client)
	defer func() {
		h.unregister(client.id)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	if err := h.send(client, map[string]interface{}{
		"type":      "connected",
		"client_id": client.id,
	}); err != nil {
		return
	}

	for {
		var req wsRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		switch req.Op {
		case "subscribe":
			accepted := h.subscribe(client.id, req.Tickers)
			_ = h.send(client, map[string]interface{}{
				"type":    "subscribed",
				"tickers": accepted,
			})
		case "unsubscribe":
			h.unsubscribe(client.id, req.Tickers)
			_ = h.send(client, map[string]interface{}{
				"type":    "unsubscribed",
				"tickers": req.Tickers,
			})
		case "refresh":
			refreshCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
			payload := h.refreshPayload(refreshCtx, client.id)
			cancel()
			_ = h.send(client, payload)
		case "ping":
			_ = h.send(client, map[string]interface{}{"type": "pong"})
		default:
			_ = h.send(client, map[string]interface{}{
				"type":  "error",
				"error": fmt.Sprintf("unknown op %q", req.Op),
			})
		}
	}
}
