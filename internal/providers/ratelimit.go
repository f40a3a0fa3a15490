package providers

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
)

// RateLimitStatus is a point-in-time usage reading for one provider.
type RateLimitStatus struct {
	ProviderID string    `json:"provider_id"`
	Used       int       `json:"rate_limit_used"`
	Max        int       `json:"rate_limit_max"`
	ResetAt    time.Time `json:"reset_at"`
}

// bucketFor maps a usage ratio onto the notification buckets. Crossings
// upward, and the drop back to 0, are the only events that notify.
func bucketFor(used, max int) int {
	if max <= 0 {
		return 0
	}
	pct := float64(used) / float64(max) * 100
	switch {
	case pct >= 100:
		return 100
	case pct >= 90:
		return 90
	case pct >= 70:
		return 70
	default:
		return 0
	}
}

type limiterState struct {
	timestamps []time.Time
	bucket     int
}

// RateLimitTracker keeps a rolling 60 second request count per provider
// and emits rate_limit_update events on bucket crossings. The SSE
// publish and the data_providers_config flush are best effort; failures
// are logged, never returned.
type RateLimitTracker struct {
	mu    sync.Mutex
	state map[string]*limiterState

	db  *sql.DB
	bus *events.Bus
	log zerolog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewRateLimitTracker creates a tracker. db and bus may be nil (the
// tracker then only counts).
func NewRateLimitTracker(db *sql.DB, bus *events.Bus, log zerolog.Logger) *RateLimitTracker {
	return &RateLimitTracker{
		state: make(map[string]*limiterState),
		db:    db,
		bus:   bus,
		log:   log.With().Str("component", "rate_limit").Logger(),
		now:   time.Now,
	}
}

// Track records one request against the provider and returns the
// updated status. Called by the registry on every upstream call.
func (t *RateLimitTracker) Track(info ProviderInfo) RateLimitStatus {
	now := t.now().UTC()

	t.mu.Lock()
	st, ok := t.state[info.ID]
	if !ok {
		st = &limiterState{}
		t.state[info.ID] = st
	}

	st.timestamps = append(st.timestamps, now)
	cutoff := now.Add(-60 * time.Second)
	for len(st.timestamps) > 0 && st.timestamps[0].Before(cutoff) {
		st.timestamps = st.timestamps[1:]
	}

	status := RateLimitStatus{
		ProviderID: info.ID,
		Used:       len(st.timestamps),
		Max:        info.RateLimitPerMinute,
		ResetAt:    st.timestamps[0].Add(60 * time.Second),
	}

	bucket := bucketFor(status.Used, status.Max)
	crossed := bucket != st.bucket && (bucket > st.bucket || bucket == 0)
	st.bucket = bucket
	t.mu.Unlock()

	if crossed {
		t.notify(status)
	}
	t.flush(status)
	return status
}

// Status returns the current reading without recording a request.
func (t *RateLimitTracker) Status(info ProviderInfo) RateLimitStatus {
	now := t.now().UTC()
	cutoff := now.Add(-60 * time.Second)

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[info.ID]
	if !ok {
		return RateLimitStatus{ProviderID: info.ID, Max: info.RateLimitPerMinute, ResetAt: now}
	}
	for len(st.timestamps) > 0 && st.timestamps[0].Before(cutoff) {
		st.timestamps = st.timestamps[1:]
	}
	status := RateLimitStatus{
		ProviderID: info.ID,
		Used:       len(st.timestamps),
		Max:        info.RateLimitPerMinute,
		ResetAt:    now,
	}
	if len(st.timestamps) > 0 {
		status.ResetAt = st.timestamps[0].Add(60 * time.Second)
	}
	return status
}

func (t *RateLimitTracker) notify(status RateLimitStatus) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.RateLimitUpdate, map[string]interface{}{
		"provider_id":     status.ProviderID,
		"rate_limit_used": status.Used,
		"rate_limit_max":  status.Max,
		"reset_at":        status.ResetAt.Format(time.RFC3339),
	})
}

func (t *RateLimitTracker) flush(status RateLimitStatus) {
	if t.db == nil {
		return
	}
	_, err := t.db.Exec(`
		INSERT INTO data_providers_config (provider_id, rate_limit_used, rate_limit_max, rate_limit_reset_at, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(provider_id) DO UPDATE SET
			rate_limit_used = excluded.rate_limit_used,
			rate_limit_max = excluded.rate_limit_max,
			rate_limit_reset_at = excluded.rate_limit_reset_at,
			updated_at = excluded.updated_at
	`, status.ProviderID, status.Used, status.Max, status.ResetAt.Format(time.RFC3339))
	if err != nil {
		t.log.Warn().Err(err).Str("provider", status.ProviderID).Msg("Failed to flush rate limit state")
	}
}
