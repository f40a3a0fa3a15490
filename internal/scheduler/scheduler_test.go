package scheduler

import (
	"context"
	"database/sql"
	"sync/atomic"
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

func noop(ctx context.Context) error { return nil }

func TestTriggerSpecValidate(t *testing.T) {
	cases := []struct {
		name string
		spec TriggerSpec
		ok   bool
	}{
		{"cron valid", Cron(8, 30, "mon-fri"), true},
		{"cron daily", Cron(6, 0, ""), true},
		{"cron sunday", Cron(20, 0, "sun"), true},
		{"cron list", Cron(9, 0, "mon,wed,fri"), true},
		{"cron numeric dow", Cron(9, 0, "1-5"), true},
		{"hour too big", Cron(24, 0, ""), false},
		{"minute too big", Cron(0, 60, ""), false},
		{"bad dow", Cron(9, 0, "someday"), false},
		{"interval valid", Interval(900), true},
		{"interval one second", Interval(1), true},
		{"interval zero", Interval(0), false},
		{"interval over cap", Interval(52560001), false},
		{"date valid", Date(time.Now().Add(time.Hour)), true},
		{"date garbage", TriggerSpec{Type: TriggerDate, RunAt: "tomorrow"}, false},
		{"unknown type", TriggerSpec{Type: "weird"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTrigger)
			}
		})
	}
}

func TestTriggerExpr(t *testing.T) {
	assert.Equal(t, "30 8 * * mon-fri", Cron(8, 30, "mon-fri").Expr())
	assert.Equal(t, "0 6 * * *", Cron(6, 0, "").Expr())
	assert.Equal(t, "@every 900s", Interval(900).Expr())
	assert.Empty(t, Date(time.Now()).Expr())
}

func TestRegisterDuplicate(t *testing.T) {
	s := New(setupDB(t), time.UTC, zerolog.Nop())
	require.NoError(t, s.Register("a", noop, Interval(3600), "A", ""))
	assert.Error(t, s.Register("a", noop, Interval(3600), "A", ""))
	assert.Error(t, s.Register("b", noop, Interval(0), "B", ""), "invalid default rejected")
}

func TestPersistedScheduleWinsOverDefault(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	first := New(db, time.UTC, zerolog.Nop())
	require.NoError(t, first.Register("price_refresh", noop, Interval(3600), "Price refresh", ""))
	require.NoError(t, first.StartAll(ctx))
	require.NoError(t, first.UpdateSchedule(ctx, "price_refresh", Interval(120)))
	first.Stop()

	second := New(db, time.UTC, zerolog.Nop())
	require.NoError(t, second.Register("price_refresh", noop, Interval(3600), "Price refresh", ""))
	require.NoError(t, second.StartAll(ctx))
	defer second.Stop()

	status := second.GetJob("price_refresh")
	require.NotNil(t, status)
	assert.Equal(t, int64(120), status.TriggerSpec.Seconds, "user schedule survives restart")
	require.NotNil(t, status.NextRun)
}

func TestPauseResumePersists(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	s := New(db, time.UTC, zerolog.Nop())
	require.NoError(t, s.Register("j", noop, Interval(3600), "J", ""))
	require.NoError(t, s.StartAll(ctx))
	require.NoError(t, s.Pause(ctx, "j"))
	assert.True(t, s.GetJob("j").Paused)
	assert.Nil(t, s.GetJob("j").NextRun)
	require.NoError(t, s.Pause(ctx, "j"), "pause is idempotent")
	s.Stop()

	restarted := New(db, time.UTC, zerolog.Nop())
	require.NoError(t, restarted.Register("j", noop, Interval(3600), "J", ""))
	require.NoError(t, restarted.StartAll(ctx))
	defer restarted.Stop()
	assert.True(t, restarted.GetJob("j").Paused, "paused flag survives restart")

	require.NoError(t, restarted.Resume(ctx, "j"))
	status := restarted.GetJob("j")
	assert.False(t, status.Paused)
	require.NotNil(t, status.NextRun)
}

func TestRescheduleZeroPauses(t *testing.T) {
	s := New(setupDB(t), time.UTC, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Register("j", noop, Interval(3600), "J", ""))
	require.NoError(t, s.StartAll(ctx))
	defer s.Stop()

	require.NoError(t, s.Reschedule(ctx, "j", 0))
	assert.True(t, s.GetJob("j").Paused)

	require.NoError(t, s.Reschedule(ctx, "j", 300))
	status := s.GetJob("j")
	assert.False(t, status.Paused, "non-zero reschedule resumes a paused job")
	assert.Equal(t, int64(300), status.TriggerSpec.Seconds)

	assert.ErrorIs(t, s.Reschedule(ctx, "missing", 300), ErrUnknownJob)
}

func TestManualTrigger(t *testing.T) {
	s := New(setupDB(t), time.UTC, zerolog.Nop())
	ctx := context.Background()

	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	require.NoError(t, s.Register("j", fn, Interval(3600), "J", ""))
	require.NoError(t, s.StartAll(ctx))
	defer s.Stop()

	require.NoError(t, s.Trigger("j"))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, s.Trigger("missing"), ErrUnknownJob)
}

func TestOverlappingRunSkipped(t *testing.T) {
	s := New(setupDB(t), time.UTC, zerolog.Nop())
	ctx := context.Background()

	var skips atomic.Int32
	s.OnSkip(func(jobID, jobName string) { skips.Add(1) })

	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}
	require.NoError(t, s.Register("slow", fn, Interval(3600), "Slow", ""))
	require.NoError(t, s.StartAll(ctx))
	defer s.Stop()

	require.NoError(t, s.Trigger("slow"))
	<-started
	require.NoError(t, s.Trigger("slow"))
	require.Eventually(t, func() bool { return skips.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	close(release)
}

func TestMisfireRunsOverdueIntervalJobOnce(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	_, err := db.Exec(`
		INSERT INTO job_schedules (job_id, trigger_type, trigger_args, paused, last_run_at)
		VALUES ('j', 'interval', '{"seconds":60}', 0, ?)
	`, stale)
	require.NoError(t, err)

	var runs atomic.Int32
	fn := func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}
	s := New(db, time.UTC, zerolog.Nop())
	require.NoError(t, s.Register("j", fn, Interval(60), "J", ""))
	require.NoError(t, s.StartAll(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "missed ticks coalesce into a single run")
}

func TestPanicBecomesError(t *testing.T) {
	s := New(setupDB(t), time.UTC, zerolog.Nop())
	ctx := context.Background()

	fn := func(ctx context.Context) error { panic("boom") }
	require.NoError(t, s.Register("j", fn, Interval(3600), "J", ""))
	require.NoError(t, s.StartAll(ctx))
	defer s.Stop()

	require.NoError(t, s.Trigger("j"))
	require.Eventually(t, func() bool {
		status := s.GetJob("j")
		return status.LastError != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.GetJob("j").LastError, "boom")
}

func TestAgentSchedulesCRUD(t *testing.T) {
	s := New(setupDB(t), time.UTC, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, s.Register("reddit_scanner", noop, Interval(3600), "Reddit", ""))

	_, err := s.CreateAgentSchedule(ctx, "unregistered", "x", Interval(600))
	assert.ErrorIs(t, err, ErrUnknownJob)

	_, err = s.CreateAgentSchedule(ctx, "reddit_scanner", "x", Interval(0))
	assert.ErrorIs(t, err, ErrInvalidTrigger)

	sched, err := s.CreateAgentSchedule(ctx, "reddit_scanner", "evening scan", Cron(18, 0, "mon-fri"))
	require.NoError(t, err)
	assert.True(t, sched.Enabled)
	assert.Equal(t, 18, sched.TriggerSpec.Hour)

	// Invalid trigger update is rejected and leaves the row intact.
	bad := Interval(0)
	_, err = s.UpdateAgentSchedule(ctx, sched.ID, &bad, nil)
	assert.ErrorIs(t, err, ErrInvalidTrigger)
	kept, err := s.GetAgentSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, TriggerCron, kept.TriggerSpec.Type)

	// Enabled-only update keeps the effective trigger.
	off := false
	updated, err := s.UpdateAgentSchedule(ctx, sched.ID, nil, &off)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)
	assert.Equal(t, 18, updated.TriggerSpec.Hour)

	list, err := s.ListAgentSchedules(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteAgentSchedule(ctx, sched.ID))
	assert.Error(t, s.DeleteAgentSchedule(ctx, sched.ID))
	missing, err := s.GetAgentSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
