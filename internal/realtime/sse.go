// Package realtime implements the push layer: an SSE hub with bounded
// per-client queues and a WebSocket hub with per-client ticker
// subscriptions. Both registries are safe for concurrent callers and
// never hold their lock across I/O.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
)

const (
	// sseQueueSize bounds each client's event queue. A full queue
	// means the client stopped reading and is dropped.
	sseQueueSize = 256
	// maxPayloadBytes gates serialized event payloads.
	maxPayloadBytes = 64 * 1024
	// heartbeatInterval keeps idle connections alive.
	heartbeatInterval = 15 * time.Second
)

// SnapshotFunc builds the initial state sent to a newly connected SSE
// client: active alerts, last regime result and the last technical
// signal result.
type SnapshotFunc func() map[string]interface{}

type sseClient struct {
	queue chan []byte
}

// SSEHub fans bus events out to connected EventSource clients.
type SSEHub struct {
	mu       sync.Mutex
	clients  map[*sseClient]struct{}
	snapshot SnapshotFunc
	log      zerolog.Logger
}

// NewSSEHub creates the hub and subscribes it to the bus.
func NewSSEHub(bus *events.Bus, snapshot SnapshotFunc, log zerolog.Logger) *SSEHub {
	h := &SSEHub{
		clients:  make(map[*sseClient]struct{}),
		snapshot: snapshot,
		log:      log.With().Str("component", "sse_hub").Logger(),
	}
	bus.SubscribeAll(func(e *events.Event) {
		h.SendEvent(e.Type, e.Data)
	})
	return h
}

// ClientCount returns connected client count.
func (h *SSEHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SendEvent validates and enqueues an event to every client. Clients
// with full queues are dropped. Invalid types and oversized payloads
// are rejected with an error.
func (h *SSEHub) SendEvent(eventType events.EventType, data map[string]interface{}) error {
	if !events.Allowed(eventType) {
		return fmt.Errorf("sse: event type %q not allowed", eventType)
	}
	frame, err := encodeSSE(eventType, data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	var dead []*sseClient
	for c := range h.clients {
		select {
		case c.queue <- frame:
		default:
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		delete(h.clients, c)
		close(c.queue)
	}
	h.mu.Unlock()

	if len(dead) > 0 {
		h.log.Debug().Int("dropped", len(dead)).Str("event", string(eventType)).Msg("Dropped slow SSE clients")
	}
	return nil
}

// encodeSSE serialises one event into a wire frame, enforcing the size
// gate.
func encodeSSE(eventType events.EventType, data map[string]interface{}) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":      string(eventType),
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("sse: payload not serialisable: %w", err)
	}
	if len(payload) > maxPayloadBytes {
		return nil, fmt.Errorf("sse: payload %d bytes exceeds %d limit", len(payload), maxPayloadBytes)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, payload)), nil
}

// ServeHTTP streams events to one client. The first frames are a
// heartbeat and a snapshot; afterwards queued events are interleaved
// with 15 second keepalive heartbeats.
func (h *SSEHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &sseClient{queue: make(chan []byte, sseQueueSize)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Int("clients", h.ClientCount()).Msg("SSE client connected")

	defer func() {
		h.mu.Lock()
		if _, live := h.clients[client]; live {
			delete(h.clients, client)
			close(client.queue)
		}
		h.mu.Unlock()
		h.log.Debug().Int("clients", h.ClientCount()).Msg("SSE client disconnected")
	}()

	writeFrame := func(frame []byte) bool {
		if _, err := w.Write(frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	hello, err := encodeSSE(events.Heartbeat, map[string]interface{}{"status": "connected"})
	if err != nil || !writeFrame(hello) {
		return
	}
	if h.snapshot != nil {
		snap, err := encodeSSE(events.Snapshot, h.snapshot())
		if err != nil {
			h.log.Warn().Err(err).Msg("Failed to build SSE snapshot")
		} else if !writeFrame(snap) {
			return
		}
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-client.queue:
			if !open {
				return
			}
			if !writeFrame(frame) {
				return
			}
		case <-ticker.C:
			beat, err := encodeSSE(events.Heartbeat, map[string]interface{}{"status": "alive"})
			if err != nil || !writeFrame(beat) {
				return
			}
		}
	}
}
