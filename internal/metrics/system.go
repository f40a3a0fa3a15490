package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is one perf_snapshots row.
type SystemSnapshot struct {
	CPUPct       float64 `json:"cpu_pct"`
	MemPct       float64 `json:"mem_pct"`
	DBPoolInUse  int     `json:"db_pool_in_use"`
	DBPoolIdle   int     `json:"db_pool_idle"`
	RecordedAt   string  `json:"recorded_at,omitempty"`
}

// Collector captures system resource snapshots.
type Collector struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCollector creates the collector.
func NewCollector(db *sql.DB, log zerolog.Logger) *Collector {
	return &Collector{
		db:  db,
		log: log.With().Str("component", "metrics_collector").Logger(),
	}
}

// Capture samples CPU, memory and pool stats and persists one row.
// The 100 ms CPU sampling window keeps the caller responsive.
func (c *Collector) Capture(ctx context.Context) (*SystemSnapshot, error) {
	snapshot := &SystemSnapshot{}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		c.log.Warn().Err(err).Msg("Failed to sample CPU usage")
	} else {
		snapshot.CPUPct = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to sample memory usage")
	} else {
		snapshot.MemPct = memStat.UsedPercent
	}

	poolStats := c.db.Stats()
	snapshot.DBPoolInUse = poolStats.InUse
	snapshot.DBPoolIdle = poolStats.Idle

	if _, err := c.db.ExecContext(ctx, `
		INSERT INTO perf_snapshots (cpu_pct, mem_pct, db_pool_in_use, db_pool_idle)
		VALUES (?, ?, ?, ?)
	`, snapshot.CPUPct, snapshot.MemPct, snapshot.DBPoolInUse, snapshot.DBPoolIdle); err != nil {
		return nil, fmt.Errorf("failed to record system snapshot: %w", err)
	}
	return snapshot, nil
}

// LatestSnapshot returns the newest perf snapshot, nil when none.
func (c *Collector) LatestSnapshot(ctx context.Context) (*SystemSnapshot, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT cpu_pct, mem_pct, db_pool_in_use, db_pool_idle, recorded_at
		FROM perf_snapshots ORDER BY id DESC LIMIT 1
	`)
	var s SystemSnapshot
	err := row.Scan(&s.CPUPct, &s.MemPct, &s.DBPoolInUse, &s.DBPoolIdle, &s.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Prune enforces the retention policy: perf_snapshots beyond 90 days,
// api_request_log beyond 30 days plus a 10 000-row cap.
func (c *Collector) Prune(ctx context.Context) error {
	snapCutoff := time.Now().UTC().AddDate(0, 0, -90).Format("2006-01-02 15:04:05")
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM perf_snapshots WHERE recorded_at < ?", snapCutoff); err != nil {
		return fmt.Errorf("failed to prune perf snapshots: %w", err)
	}

	logCutoff := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	if _, err := c.db.ExecContext(ctx,
		"DELETE FROM api_request_log WHERE log_date < ?", logCutoff); err != nil {
		return fmt.Errorf("failed to prune request log: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM api_request_log WHERE id NOT IN (
			SELECT id FROM api_request_log ORDER BY id DESC LIMIT 10000
		)
	`); err != nil {
		return fmt.Errorf("failed to cap request log: %w", err)
	}
	return nil
}
