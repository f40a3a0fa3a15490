package providers

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/events"
)

func TestBucketFor(t *testing.T) {
	tests := []struct {
		name string
		used int
		max  int
		want int
	}{
		{"empty", 0, 10, 0},
		{"below threshold", 6, 10, 0},
		{"at 70", 7, 10, 70},
		{"between 70 and 90", 8, 10, 70},
		{"at 90", 9, 10, 90},
		{"at 100", 10, 10, 100},
		{"over limit", 12, 10, 100},
		{"zero max", 5, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bucketFor(tt.used, tt.max))
		})
	}
}

func TestTrackerCountsWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	tracker := NewRateLimitTracker(nil, nil, zerolog.Nop())
	tracker.now = func() time.Time { return now }

	info := ProviderInfo{ID: "finnhub", RateLimitPerMinute: 60}
	for i := 0; i < 5; i++ {
		tracker.Track(info)
	}
	status := tracker.Status(info)
	assert.Equal(t, 5, status.Used)
	assert.Equal(t, 60, status.Max)
	assert.Equal(t, now.Add(60*time.Second), status.ResetAt)

	// Everything ages out after the window passes.
	now = now.Add(61 * time.Second)
	status = tracker.Status(info)
	assert.Equal(t, 0, status.Used)
}

func TestTrackerEmitsOnBucketCrossing(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	bus := events.NewBus()
	var updates []map[string]interface{}
	bus.Subscribe(events.RateLimitUpdate, func(e *events.Event) {
		updates = append(updates, e.Data)
	})

	tracker := NewRateLimitTracker(nil, bus, zerolog.Nop())
	tracker.now = func() time.Time { return now }

	info := ProviderInfo{ID: "alphavantage", RateLimitPerMinute: 10}

	// 1..6 requests stay in bucket 0: no events.
	for i := 0; i < 6; i++ {
		tracker.Track(info)
	}
	assert.Empty(t, updates)

	// 7th crosses into 70.
	tracker.Track(info)
	assert.Len(t, updates, 1)
	assert.Equal(t, 7, updates[0]["rate_limit_used"])
	assert.Equal(t, 10, updates[0]["rate_limit_max"])

	// 8th stays in 70: still one event.
	tracker.Track(info)
	assert.Len(t, updates, 1)

	// 9th and 10th cross 90 then 100.
	tracker.Track(info)
	tracker.Track(info)
	assert.Len(t, updates, 3)

	// Window expiry drops back to bucket 0, which also notifies.
	now = now.Add(61 * time.Second)
	tracker.Track(info)
	assert.Len(t, updates, 4)
	assert.Equal(t, 1, updates[3]["rate_limit_used"])
}

func TestTrackerIndependentPerProvider(t *testing.T) {
	tracker := NewRateLimitTracker(nil, nil, zerolog.Nop())
	a := ProviderInfo{ID: "a", RateLimitPerMinute: 10}
	b := ProviderInfo{ID: "b", RateLimitPerMinute: 10}

	tracker.Track(a)
	tracker.Track(a)
	tracker.Track(b)

	assert.Equal(t, 2, tracker.Status(a).Used)
	assert.Equal(t, 1, tracker.Status(b).Used)
}
