// Package events provides the in-process event bus feeding the SSE and
// WebSocket fan-out layers. Emitters publish typed events; subscribers
// (stream handlers, listeners) receive them synchronously on the
// emitting goroutine, so handlers must never block.
package events

import (
	"sync"
	"time"
)

// EventType identifies an event on the bus. The set doubles as the SSE
// allowlist: stream types outside this list are rejected before
// broadcast.
type EventType string

const (
	Heartbeat        EventType = "heartbeat"
	Snapshot         EventType = "snapshot"
	Alert            EventType = "alert"
	PriceUpdate      EventType = "price_update"
	TechnicalAlerts  EventType = "technical_alerts"
	RegimeUpdate     EventType = "regime_update"
	MorningBriefing  EventType = "morning_briefing"
	DailySummary     EventType = "daily_summary"
	WeeklyReview     EventType = "weekly_review"
	RedditTrending   EventType = "reddit_trending"
	DownloadTracker  EventType = "download_tracker"
	ProviderFallback EventType = "provider_fallback"
	JobCompleted     EventType = "job_completed"
	RateLimitUpdate  EventType = "rate_limit_update"
	News             EventType = "news"
)

// allowedTypes is the SSE emission allowlist.
var allowedTypes = map[EventType]bool{
	Heartbeat:        true,
	Snapshot:         true,
	Alert:            true,
	PriceUpdate:      true,
	TechnicalAlerts:  true,
	RegimeUpdate:     true,
	MorningBriefing:  true,
	DailySummary:     true,
	WeeklyReview:     true,
	RedditTrending:   true,
	DownloadTracker:  true,
	ProviderFallback: true,
	JobCompleted:     true,
	RateLimitUpdate:  true,
	News:             true,
}

// Allowed reports whether t may be broadcast to SSE clients.
func Allowed(t EventType) bool {
	return allowedTypes[t]
}

// Event is a single bus message.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must hand off any blocking work.
type Handler func(event *Event)

// Bus is a minimal synchronous pub/sub hub.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event to type subscribers then catch-all
// subscribers. The handler list is snapshotted under the read lock so
// handlers may themselves subscribe without deadlocking.
func (b *Bus) Publish(t EventType, data map[string]interface{}) {
	event := &Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	b.mu.RLock()
	typed := make([]Handler, len(b.handlers[t]))
	copy(typed, b.handlers[t])
	all := make([]Handler, len(b.all))
	copy(all, b.all)
	b.mu.RUnlock()

	for _, h := range typed {
		h(event)
	}
	for _, h := range all {
		h(event)
	}
}
