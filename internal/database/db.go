// Package database provides the embedded SQLite store backing all
// persistent state: watchlists, price cache, alerts, job history, agent
// runs and metrics. A single file database is shared by every subsystem;
// access is serialised through a bounded connection pool with WAL
// journaling so readers never block behind the single writer.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrPoolExhausted is returned when no connection becomes available
// within the acquire timeout. Callers must treat this as a transient
// failure and must not retry in a tight loop.
var ErrPoolExhausted = errors.New("database: connection pool exhausted")

// Config holds store configuration.
type Config struct {
	Path          string
	PoolSize      int           // Max concurrent connections (default 5)
	PoolTimeout   time.Duration // Acquire timeout (default 10s)
	BusyTimeoutMS int           // SQLite busy_timeout (default 5000)
	CacheSizeKB   int           // SQLite page cache in KiB (default 8192)
}

// DB wraps the database connection with a bounded pool and the PRAGMA
// configuration the rest of the system assumes (WAL, foreign keys on).
type DB struct {
	conn        *sql.DB
	path        string
	poolSize    int
	poolTimeout time.Duration
}

// Open creates a new store handle. The schema is NOT initialised here;
// call InitSchema after opening.
func Open(cfg Config) (*DB, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 5
	}
	if cfg.PoolTimeout <= 0 {
		cfg.PoolTimeout = 10 * time.Second
	}
	if cfg.BusyTimeoutMS <= 0 {
		cfg.BusyTimeoutMS = 5000
	}
	if cfg.CacheSizeKB <= 0 {
		cfg.CacheSizeKB = 8192
	}

	// file: URIs (in-memory test databases) skip filepath handling.
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = absPath
	}

	connStr := buildConnectionString(path, cfg)

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.PoolSize)
	conn.SetMaxIdleConns(cfg.PoolSize)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		conn:        conn,
		path:        path,
		poolSize:    cfg.PoolSize,
		poolTimeout: cfg.PoolTimeout,
	}, nil
}

// buildConnectionString assembles the SQLite connection string with PRAGMAs.
func buildConnectionString(path string, cfg Config) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += fmt.Sprintf("&_pragma=busy_timeout(%d)", cfg.BusyTimeoutMS)
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=temp_store(MEMORY)"
	connStr += fmt.Sprintf("&_pragma=cache_size(-%d)", cfg.CacheSizeKB) // negative = KiB
	return connStr
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying sql.DB. Repositories execute queries
// through it; the driver enforces the pool bound.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Acquire checks out a dedicated connection from the pool. The returned
// release function MUST be called (typically deferred) - it returns the
// connection even if the caller panics. Waiting past the pool timeout
// fails with ErrPoolExhausted rather than deadlocking.
func (db *DB) Acquire(ctx context.Context) (*sql.Conn, func(), error) {
	acquireCtx, cancel := context.WithTimeout(ctx, db.poolTimeout)
	defer cancel()

	conn, err := db.conn.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, ErrPoolExhausted
		}
		return nil, nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	release := func() {
		_ = conn.Close()
	}
	return conn, release, nil
}

// Session runs fn inside a transaction that commits when fn returns nil
// and rolls back on error or panic. For sequences that must hold the
// write lock across reads, use ImmediateSession instead.
func (db *DB) Session(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	conn, release, err := db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(tx)
	return err
}

// ImmediateSession runs fn on a dedicated connection inside a BEGIN
// IMMEDIATE transaction. fn receives the connection so multi-statement
// read-modify-write sequences execute against the held write lock.
func (db *DB) ImmediateSession(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, release, err := db.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return runImmediate(ctx, conn, fn)
}

// ImmediateOn runs fn inside a BEGIN IMMEDIATE transaction on a raw
// pool. The write lock is taken up front, so concurrent writers queue
// on BEGIN instead of failing at COMMIT after a deferred upgrade.
func ImmediateOn(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return runImmediate(ctx, conn, fn)
}

func runImmediate(ctx context.Context, conn *sql.Conn, fn func(conn *sql.Conn) error) (err error) {
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		} else {
			if _, commitErr := conn.ExecContext(ctx, "COMMIT"); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(conn)
	return err
}

// WithTransaction executes a function within a database transaction.
// It handles begin, commit, rollback, panic recovery, and error
// wrapping automatically.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			rollbackErr := tx.Rollback()
			if rollbackErr != nil {
				err = fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rollbackErr)
			} else {
				err = fmt.Errorf("transaction failed: %w", err)
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				err = fmt.Errorf("failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(tx)
	return err
}

// PoolStats reports connection pool usage for health checks.
type PoolStats struct {
	Size      int `json:"size"`
	InUse     int `json:"in_use"`
	Available int `json:"available"`
}

// Stats returns current pool statistics.
func (db *DB) Stats() PoolStats {
	s := db.conn.Stats()
	available := db.poolSize - s.InUse
	if available < 0 {
		available = 0
	}
	return PoolStats{
		Size:      db.poolSize,
		InUse:     s.InUse,
		Available: available,
	}
}

// HealthCheck verifies the store responds within the context deadline.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// WALCheckpoint forces a WAL checkpoint to keep the log file bounded.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec(fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)); err != nil {
		return fmt.Errorf("WAL checkpoint failed: %w", err)
	}
	return nil
}
