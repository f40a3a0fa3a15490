// Package metrics collects API latency, job performance and system
// resource snapshots backing the observability endpoints.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// maxBufferedSamples caps the in-memory buffer between flushes; the
// oldest samples are dropped past the cap.
const maxBufferedSamples = 50000

type sample struct {
	endpoint    string
	method      string
	statusClass string
	ms          float64
}

// LatencyBuffer accumulates per-request latencies in memory. The
// metrics_snapshot job flushes it into api_request_log.
type LatencyBuffer struct {
	mu      sync.Mutex
	samples []sample
	now     func() time.Time
	log     zerolog.Logger
}

// NewLatencyBuffer creates an empty buffer.
func NewLatencyBuffer(log zerolog.Logger) *LatencyBuffer {
	return &LatencyBuffer{
		now: time.Now,
		log: log.With().Str("component", "latency_buffer").Logger(),
	}
}

// Observe records one request.
func (b *LatencyBuffer) Observe(endpoint, method string, status int, elapsed time.Duration) {
	class := fmt.Sprintf("%dxx", status/100)
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.samples) >= maxBufferedSamples {
		b.samples = b.samples[1:]
	}
	b.samples = append(b.samples, sample{
		endpoint:    endpoint,
		method:      method,
		statusClass: class,
		ms:          float64(elapsed.Microseconds()) / 1000,
	})
}

// Len reports the number of buffered samples.
func (b *LatencyBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// Flush drains the buffer into api_request_log. On conflict the row's
// call_count accumulates while p95_ms and avg_ms are overwritten with
// the fresh window, so counts survive across flushes but percentiles
// always describe recent traffic.
func (b *LatencyBuffer) Flush(ctx context.Context, db *sql.DB) error {
	b.mu.Lock()
	drained := b.samples
	b.samples = nil
	b.mu.Unlock()
	if len(drained) == 0 {
		return nil
	}

	type key struct{ endpoint, method, statusClass string }
	groups := make(map[key][]float64)
	for _, s := range drained {
		k := key{s.endpoint, s.method, s.statusClass}
		groups[k] = append(groups[k], s.ms)
	}

	logDate := b.now().UTC().Format("2006-01-02")
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for k, values := range groups {
		sort.Float64s(values)
		p95 := stat.Quantile(0.95, stat.Empirical, values, nil)
		avg := stat.Mean(values, nil)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO api_request_log (endpoint, method, status_class, call_count, p95_ms, avg_ms, log_date)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(endpoint, method, status_class, log_date) DO UPDATE SET
				call_count = api_request_log.call_count + excluded.call_count,
				p95_ms = excluded.p95_ms,
				avg_ms = excluded.avg_ms
		`, k.endpoint, k.method, k.statusClass, len(values), p95, avg, logDate); err != nil {
			return fmt.Errorf("failed to flush latency for %s %s: %w", k.method, k.endpoint, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	b.log.Debug().Int("samples", len(drained)).Int("groups", len(groups)).Msg("Latency buffer flushed")
	return nil
}
