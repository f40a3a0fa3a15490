package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// createStatements lists every table in dependency order. Each statement
// is CREATE TABLE IF NOT EXISTS so InitSchema can run on every boot.
// New columns are never added here - they go in the migrations list so
// existing databases pick them up.
var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS stocks (
		ticker TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		market TEXT NOT NULL DEFAULT 'US',
		active INTEGER NOT NULL DEFAULT 1,
		added_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS watchlists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS watchlist_stocks (
		watchlist_id INTEGER NOT NULL REFERENCES watchlists(id) ON DELETE CASCADE,
		ticker TEXT NOT NULL,
		sort_order INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (watchlist_id, ticker)
	)`,
	`CREATE TABLE IF NOT EXISTS ai_ratings (
		ticker TEXT NOT NULL UNIQUE,
		rating TEXT,
		score REAL,
		confidence REAL,
		current_price REAL,
		price_change REAL,
		price_change_pct REAL,
		rsi REAL,
		sentiment_score REAL,
		sentiment_label TEXT,
		technical_score REAL,
		fundamental_score REAL,
		summary TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS price_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		condition_type TEXT NOT NULL,
		threshold REAL NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		sound_type TEXT NOT NULL DEFAULT 'default',
		triggered_at TEXT,
		notification_sent INTEGER NOT NULL DEFAULT 0,
		fired_at TEXT,
		fire_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS job_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		job_name TEXT NOT NULL,
		status TEXT NOT NULL,
		result_summary TEXT,
		agent_name TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		executed_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS job_schedules (
		job_id TEXT PRIMARY KEY,
		trigger_type TEXT NOT NULL,
		trigger_args TEXT NOT NULL,
		paused INTEGER NOT NULL DEFAULT 0,
		last_run_at TEXT,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS agent_schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		trigger_args TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS agent_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_name TEXT NOT NULL,
		framework TEXT NOT NULL DEFAULT 'native',
		status TEXT NOT NULL,
		input_data TEXT,
		output_data TEXT,
		tokens_output INTEGER NOT NULL DEFAULT 0,
		estimated_cost REAL NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		metadata TEXT,
		started_at TEXT NOT NULL DEFAULT (datetime('now')),
		completed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS perf_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cpu_pct REAL NOT NULL DEFAULT 0,
		mem_pct REAL NOT NULL DEFAULT 0,
		db_pool_in_use INTEGER NOT NULL DEFAULT 0,
		db_pool_idle INTEGER NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS performance_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		metric TEXT NOT NULL,
		value REAL NOT NULL,
		recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS api_request_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		status_class TEXT NOT NULL,
		call_count INTEGER NOT NULL DEFAULT 0,
		p95_ms REAL NOT NULL DEFAULT 0,
		avg_ms REAL NOT NULL DEFAULT 0,
		log_date TEXT NOT NULL,
		UNIQUE(endpoint, method, status_class, log_date)
	)`,
	`CREATE TABLE IF NOT EXISTS comparison_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt TEXT NOT NULL,
		ticker TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		template TEXT NOT NULL DEFAULT 'custom',
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS comparison_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES comparison_runs(id) ON DELETE CASCADE,
		provider_name TEXT NOT NULL,
		model TEXT,
		response TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		extracted_rating TEXT,
		extracted_score REAL,
		extracted_confidence REAL,
		extracted_summary TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS news (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT,
		source TEXT,
		sentiment_score REAL,
		published_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS sentiment_cache (
		ticker TEXT PRIMARY KEY,
		score REAL NOT NULL DEFAULT 0,
		label TEXT NOT NULL DEFAULT 'neutral',
		signal_count INTEGER NOT NULL DEFAULT 0,
		sources TEXT,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS earnings_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL,
		earnings_date TEXT NOT NULL,
		eps_estimate REAL,
		eps_actual REAL,
		revenue_estimate REAL,
		revenue_actual REAL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now')),
		UNIQUE(ticker, earnings_date)
	)`,
	`CREATE TABLE IF NOT EXISTS download_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo TEXT NOT NULL,
		clones INTEGER NOT NULL DEFAULT 0,
		unique_clones INTEGER NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS download_daily (
		repo TEXT NOT NULL,
		day TEXT NOT NULL,
		clones INTEGER NOT NULL DEFAULT 0,
		unique_clones INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (repo, day)
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL UNIQUE,
		shares REAL NOT NULL DEFAULT 0,
		cost_basis REAL NOT NULL DEFAULT 0,
		added_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		total_value REAL NOT NULL DEFAULT 0,
		total_cost REAL NOT NULL DEFAULT 0,
		gain_pct REAL NOT NULL DEFAULT 0,
		positions TEXT,
		recorded_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS error_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source TEXT NOT NULL DEFAULT 'backend',
		message TEXT NOT NULL,
		stack TEXT,
		request_id TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		description TEXT,
		updated_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ui_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS research_briefs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		rating TEXT,
		score REAL,
		tags TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
	`CREATE TABLE IF NOT EXISTS data_providers_config (
		provider_id TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 0,
		rate_limit_used INTEGER NOT NULL DEFAULT 0,
		rate_limit_max INTEGER NOT NULL DEFAULT 0,
		rate_limit_reset_at TEXT,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`,
}

var createIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_job_history_job_id ON job_history(job_id, executed_at)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_runs_name ON agent_runs(agent_name, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_news_ticker ON news(ticker, published_at)`,
	`CREATE INDEX IF NOT EXISTS idx_price_alerts_ticker ON price_alerts(ticker)`,
	`CREATE INDEX IF NOT EXISTS idx_comparison_results_run ON comparison_results(run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_perf_snapshots_recorded ON perf_snapshots(recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_performance_metrics_job ON performance_metrics(job_id, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS idx_research_briefs_ticker ON research_briefs(ticker, created_at)`,
}

// columnMigration adds a column to an existing table when absent.
// Migrations are additive only - columns are never dropped or retyped.
type columnMigration struct {
	table  string
	column string
	ddl    string
}

// migrations covers columns added after the initial schema shipped.
// Databases created before these columns existed pick them up here;
// fresh databases already have them via createStatements.
var migrations = []columnMigration{
	{"agent_runs", "tokens_input", "ALTER TABLE agent_runs ADD COLUMN tokens_input INTEGER NOT NULL DEFAULT 0"},
	{"news", "engagement_score", "ALTER TABLE news ADD COLUMN engagement_score REAL NOT NULL DEFAULT 0"},
	{"watchlists", "sort_order", "ALTER TABLE watchlists ADD COLUMN sort_order INTEGER NOT NULL DEFAULT 0"},
	{"watchlist_stocks", "sort_order", "ALTER TABLE watchlist_stocks ADD COLUMN sort_order INTEGER NOT NULL DEFAULT 0"},
	{"price_alerts", "sound_type", "ALTER TABLE price_alerts ADD COLUMN sound_type TEXT NOT NULL DEFAULT 'default'"},
	{"price_alerts", "fire_count", "ALTER TABLE price_alerts ADD COLUMN fire_count INTEGER NOT NULL DEFAULT 0"},
	{"price_alerts", "fired_at", "ALTER TABLE price_alerts ADD COLUMN fired_at TEXT"},
	{"ai_ratings", "current_price", "ALTER TABLE ai_ratings ADD COLUMN current_price REAL"},
	{"ai_ratings", "price_change", "ALTER TABLE ai_ratings ADD COLUMN price_change REAL"},
	{"ai_ratings", "price_change_pct", "ALTER TABLE ai_ratings ADD COLUMN price_change_pct REAL"},
	{"ai_ratings", "technical_score", "ALTER TABLE ai_ratings ADD COLUMN technical_score REAL"},
	{"ai_ratings", "fundamental_score", "ALTER TABLE ai_ratings ADD COLUMN fundamental_score REAL"},
	{"job_history", "agent_name", "ALTER TABLE job_history ADD COLUMN agent_name TEXT"},
	{"job_history", "cost", "ALTER TABLE job_history ADD COLUMN cost REAL NOT NULL DEFAULT 0"},
	{"job_schedules", "last_run_at", "ALTER TABLE job_schedules ADD COLUMN last_run_at TEXT"},
}

// InitSchema creates every table if absent, then runs the additive
// column migration pass. Safe to call repeatedly; a second call is a
// no-op.
func (db *DB) InitSchema() error {
	return InitSchemaOn(db.conn)
}

// InitSchemaOn runs the same idempotent schema pass on a raw handle.
// Tests use this against in-memory databases.
func InitSchemaOn(conn *sql.DB) error {
	for _, stmt := range createStatements {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, stmt := range createIndexes {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	for _, m := range migrations {
		has, err := tableHasColumn(conn, m.table, m.column)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := conn.Exec(m.ddl); err != nil {
			// Concurrent boot may have added the column between the
			// check and the ALTER; that is fine.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("failed to migrate %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// tableHasColumn reports whether the table already carries the column.
func tableHasColumn(conn *sql.DB, table, column string) (bool, error) {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
