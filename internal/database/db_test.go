package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func setupDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, InitSchemaOn(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func countSchedules(t *testing.T, db *sql.DB) int {
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM job_schedules").Scan(&n))
	return n
}

func TestImmediateOnCommits(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	err := ImmediateOn(ctx, db, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO job_schedules (job_id, trigger_type, trigger_args, paused)
			VALUES ('j', 'interval', '{"seconds":60}', 0)
		`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, countSchedules(t, db))
}

func TestImmediateOnRollsBackOnError(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := ImmediateOn(ctx, db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO job_schedules (job_id, trigger_type, trigger_args, paused)
			VALUES ('j', 'interval', '{"seconds":60}', 0)
		`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, countSchedules(t, db), "failed sessions leave no rows behind")
}

func TestImmediateOnRecoversPanic(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	err := ImmediateOn(ctx, db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO job_schedules (job_id, trigger_type, trigger_args, paused)
			VALUES ('j', 'interval', '{"seconds":60}', 0)
		`); err != nil {
			return err
		}
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, 0, countSchedules(t, db))
}
