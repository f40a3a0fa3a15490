package metrics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

func setupDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFlushAccumulatesCallCount(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	buf := NewLatencyBuffer(zerolog.Nop())

	for i := 0; i < 10; i++ {
		buf.Observe("/api/stocks", "GET", 200, 10*time.Millisecond)
	}
	require.NoError(t, buf.Flush(ctx, db))
	assert.Zero(t, buf.Len(), "flush drains the buffer")

	for i := 0; i < 5; i++ {
		buf.Observe("/api/stocks", "GET", 200, 30*time.Millisecond)
	}
	require.NoError(t, buf.Flush(ctx, db))

	var count int
	var p95, avg float64
	err := db.QueryRow(`
		SELECT call_count, p95_ms, avg_ms FROM api_request_log
		WHERE endpoint = '/api/stocks' AND method = 'GET' AND status_class = '2xx'
	`).Scan(&count, &p95, &avg)
	require.NoError(t, err)
	assert.Equal(t, 15, count, "call_count accumulates across flushes")
	assert.InDelta(t, 30.0, avg, 1.0, "avg describes the latest window only")
	assert.InDelta(t, 30.0, p95, 1.0)
}

func TestFlushSeparatesStatusClasses(t *testing.T) {
	db := setupDB(t)
	buf := NewLatencyBuffer(zerolog.Nop())

	buf.Observe("/api/alerts", "POST", 201, 5*time.Millisecond)
	buf.Observe("/api/alerts", "POST", 400, 2*time.Millisecond)
	buf.Observe("/api/alerts", "POST", 500, 2*time.Millisecond)
	require.NoError(t, buf.Flush(context.Background(), db))

	var rows int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM api_request_log WHERE endpoint = '/api/alerts'").Scan(&rows))
	assert.Equal(t, 3, rows, "one row per status class")
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	db := setupDB(t)
	buf := NewLatencyBuffer(zerolog.Nop())
	require.NoError(t, buf.Flush(context.Background(), db))

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM api_request_log").Scan(&rows))
	assert.Zero(t, rows)
}

func TestP95ReflectsTail(t *testing.T) {
	db := setupDB(t)
	buf := NewLatencyBuffer(zerolog.Nop())

	// 95 fast requests and 5 slow ones: p95 lands in the slow tail.
	for i := 0; i < 95; i++ {
		buf.Observe("/api/ratings", "GET", 200, 10*time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		buf.Observe("/api/ratings", "GET", 200, 200*time.Millisecond)
	}
	require.NoError(t, buf.Flush(context.Background(), db))

	var p95, avg float64
	require.NoError(t, db.QueryRow(
		"SELECT p95_ms, avg_ms FROM api_request_log WHERE endpoint = '/api/ratings'").Scan(&p95, &avg))
	assert.GreaterOrEqual(t, p95, 10.0)
	assert.Less(t, avg, p95, "average sits below the tail percentile")
}

func TestPruneCapsRequestLog(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	collector := NewCollector(db, zerolog.Nop())

	old := time.Now().UTC().AddDate(0, 0, -40).Format("2006-01-02")
	_, err := db.Exec(`
		INSERT INTO api_request_log (endpoint, method, status_class, call_count, p95_ms, avg_ms, log_date)
		VALUES ('/old', 'GET', '2xx', 1, 1, 1, ?)
	`, old)
	require.NoError(t, err)

	oldSnap := time.Now().UTC().AddDate(0, 0, -100).Format("2006-01-02 15:04:05")
	_, err = db.Exec("INSERT INTO perf_snapshots (cpu_pct, mem_pct, recorded_at) VALUES (1, 1, ?)", oldSnap)
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO perf_snapshots (cpu_pct, mem_pct) VALUES (2, 2)")
	require.NoError(t, err)

	require.NoError(t, collector.Prune(ctx))

	var logRows, snapRows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM api_request_log").Scan(&logRows))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM perf_snapshots").Scan(&snapRows))
	assert.Zero(t, logRows, "rows older than 30 days pruned")
	assert.Equal(t, 1, snapRows, "snapshots older than 90 days pruned")
}

func TestSummaryAndDailySeries(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	buf := NewLatencyBuffer(zerolog.Nop())

	buf.Observe("/api/stocks", "GET", 200, 10*time.Millisecond)
	buf.Observe("/api/stocks", "GET", 500, 10*time.Millisecond)
	require.NoError(t, buf.Flush(ctx, db))

	q := NewQueries(db)
	summary, err := q.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.CallsToday)
	assert.InDelta(t, 50.0, summary.ErrorPctToday, 0.01)

	series, err := q.DailySeries(ctx, 7)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 2, series[0].CallCount)

	endpoints, err := q.Endpoints(ctx)
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)
}
