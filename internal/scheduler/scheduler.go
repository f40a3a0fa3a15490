package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

// misfireGrace is how far past its period an interval job may be on
// boot before the missed ticks collapse into one immediate run.
const misfireGrace = 300 * time.Second

// JobFunc is the work a job performs.
type JobFunc func(ctx context.Context) error

// job is one registered entry with its live trigger state.
type job struct {
	id             string
	name           string
	description    string
	fn             JobFunc
	defaultTrigger TriggerSpec

	trigger TriggerSpec
	paused  bool
	entryID cron.EntryID

	runMu   sync.Mutex // single flight per job
	lastRun time.Time
	lastErr string
	running bool
}

// JobStatus is the reporting view of a job.
type JobStatus struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Trigger     string     `json:"trigger"`
	TriggerSpec TriggerSpec `json:"trigger_spec"`
	Paused      bool       `json:"paused"`
	Running     bool       `json:"running"`
	NextRun     *time.Time `json:"next_run"`
	LastRun     *time.Time `json:"last_run"`
	LastError   string     `json:"last_error,omitempty"`
}

// Scheduler owns the cron core and the persistent schedule store.
type Scheduler struct {
	cron *cron.Cron
	db   *sql.DB
	loc  *time.Location
	log  zerolog.Logger

	jobsMu sync.RWMutex
	jobs   map[string]*job

	// writeMu serialises read-validate-write-push sequences against
	// job_schedules and agent_schedules; BEGIN IMMEDIATE covers other
	// processes sharing the file.
	writeMu sync.Mutex

	started bool
	onSkip  func(jobID, jobName string)
}

// New creates a scheduler in the given market timezone.
func New(db *sql.DB, loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron: cron.New(cron.WithLocation(loc)),
		db:   db,
		loc:  loc,
		log:  log.With().Str("component", "scheduler").Logger(),
		jobs: make(map[string]*job),
	}
}

// OnSkip installs a callback fired when a tick overlaps a still-running
// execution of the same job.
func (s *Scheduler) OnSkip(fn func(jobID, jobName string)) {
	s.onSkip = fn
}

// Register adds a job with its default trigger. Must be called before
// StartAll; the default is superseded by any persisted schedule.
func (s *Scheduler) Register(id string, fn JobFunc, trigger TriggerSpec, name, description string) error {
	if err := trigger.Validate(); err != nil {
		return err
	}
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return fmt.Errorf("scheduler: job %q already registered", id)
	}
	s.jobs[id] = &job{
		id:             id,
		name:           name,
		description:    description,
		fn:             fn,
		defaultTrigger: trigger,
		trigger:        trigger,
	}
	return nil
}

// StartAll installs every registered job and starts the cron core.
// Persisted schedules win over registration defaults. Interval jobs
// overdue past the misfire grace run once immediately.
func (s *Scheduler) StartAll(ctx context.Context) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler: already started")
	}

	for id, j := range s.jobs {
		persisted, lastRun, found, err := s.loadSchedule(ctx, id)
		if err != nil {
			return err
		}
		if found {
			j.trigger = persisted.spec
			j.paused = persisted.paused
			j.lastRun = lastRun
		} else {
			if err := s.saveSchedule(ctx, id, j.trigger, false); err != nil {
				return err
			}
		}

		if j.paused {
			s.log.Info().Str("job", id).Msg("Job paused, not scheduling")
			continue
		}
		if err := s.installLocked(j); err != nil {
			return err
		}

		if period := j.trigger.interval(); period > 0 && !j.lastRun.IsZero() {
			if time.Since(j.lastRun) > period+misfireGrace {
				s.log.Info().Str("job", id).Time("last_run", j.lastRun).Msg("Job overdue, coalescing missed runs into one")
				go s.runJob(j)
			}
		}
	}

	s.cron.Start()
	s.started = true
	s.log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron core and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// dateSchedule fires exactly once at a fixed instant.
type dateSchedule struct {
	at    time.Time
	fired bool
}

func (d *dateSchedule) Next(t time.Time) time.Time {
	if d.fired || !t.Before(d.at) {
		d.fired = true
		return time.Time{}
	}
	return d.at
}

// installLocked adds the job's live trigger to the cron core. Callers
// hold jobsMu.
func (s *Scheduler) installLocked(j *job) error {
	if j.trigger.Type == TriggerDate {
		at, err := time.Parse(time.RFC3339, j.trigger.RunAt)
		if err != nil {
			return fmt.Errorf("%w: run_at %q", ErrInvalidTrigger, j.trigger.RunAt)
		}
		j.entryID = s.cron.Schedule(&dateSchedule{at: at}, cron.FuncJob(func() { s.runJob(j) }))
		return nil
	}
	entryID, err := s.cron.AddFunc(j.trigger.Expr(), func() { s.runJob(j) })
	if err != nil {
		return fmt.Errorf("scheduler: failed to schedule %q: %w", j.id, err)
	}
	j.entryID = entryID
	return nil
}

// runJob executes one tick with single-flight per job. An overlapping
// tick is dropped and reported through OnSkip.
func (s *Scheduler) runJob(j *job) {
	if !j.runMu.TryLock() {
		s.log.Warn().Str("job", j.id).Msg("Previous run still in flight, skipping tick")
		if s.onSkip != nil {
			s.onSkip(j.id, j.name)
		}
		return
	}
	defer j.runMu.Unlock()

	s.jobsMu.Lock()
	j.running = true
	s.jobsMu.Unlock()

	start := time.Now()
	err := s.safeRun(j)

	s.jobsMu.Lock()
	j.running = false
	j.lastRun = time.Now()
	if err != nil {
		j.lastErr = err.Error()
	} else {
		j.lastErr = ""
	}
	s.jobsMu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("job", j.id).Dur("duration", time.Since(start)).Msg("Job failed")
	} else {
		s.log.Debug().Str("job", j.id).Dur("duration", time.Since(start)).Msg("Job completed")
	}

	if _, dbErr := s.db.Exec(
		`UPDATE job_schedules SET last_run_at = ?, updated_at = datetime('now') WHERE job_id = ?`,
		time.Now().UTC().Format(time.RFC3339), j.id,
	); dbErr != nil {
		s.log.Warn().Err(dbErr).Str("job", j.id).Msg("Failed to persist last run time")
	}
}

func (s *Scheduler) safeRun(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.fn(context.Background())
}

// Pause removes the job from the cron core and persists the flag.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	if j.paused {
		return nil
	}
	s.cron.Remove(j.entryID)
	j.paused = true
	s.log.Info().Str("job", id).Msg("Job paused")
	return s.saveSchedule(ctx, id, j.trigger, true)
}

// Resume reinstalls a paused job.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrUnknownJob
	}
	if !j.paused {
		return nil
	}
	if err := s.installLocked(j); err != nil {
		return err
	}
	j.paused = false
	s.log.Info().Str("job", id).Msg("Job resumed")
	return s.saveSchedule(ctx, id, j.trigger, false)
}

// Trigger fires one immediate run outside the schedule. Paused jobs
// may still be triggered.
func (s *Scheduler) Trigger(id string) error {
	s.jobsMu.RLock()
	j, ok := s.jobs[id]
	s.jobsMu.RUnlock()
	if !ok {
		return ErrUnknownJob
	}
	s.log.Info().Str("job", id).Msg("Manual trigger")
	go s.runJob(j)
	return nil
}

// UpdateSchedule swaps the job's trigger. The persisted row is written
// inside an immediate transaction before the cron entry is replaced,
// all under the schedule write lock.
func (s *Scheduler) UpdateSchedule(ctx context.Context, id string, trigger TriggerSpec) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrUnknownJob
	}

	err := database.ImmediateOn(ctx, s.db, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO job_schedules (job_id, trigger_type, trigger_args, paused, updated_at)
			VALUES (?, ?, ?, ?, datetime('now'))
			ON CONFLICT(job_id) DO UPDATE SET
				trigger_type = excluded.trigger_type,
				trigger_args = excluded.trigger_args,
				paused = excluded.paused,
				updated_at = excluded.updated_at
		`, id, trigger.Type, trigger.argsJSON(), boolToInt(j.paused)); err != nil {
			return fmt.Errorf("scheduler: failed to persist schedule for %q: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !j.paused {
		s.cron.Remove(j.entryID)
	}
	j.trigger = trigger
	if !j.paused {
		if err := s.installLocked(j); err != nil {
			return err
		}
	}
	s.log.Info().Str("job", id).Str("trigger", trigger.String()).Msg("Schedule updated")
	return nil
}

// Reschedule is the interval helper: 0 pauses the job, anything else
// becomes an interval trigger.
func (s *Scheduler) Reschedule(ctx context.Context, id string, seconds int64) error {
	if seconds == 0 {
		return s.Pause(ctx, id)
	}
	if err := s.UpdateSchedule(ctx, id, Interval(seconds)); err != nil {
		return err
	}
	return s.Resume(ctx, id)
}

// GetJob reports live state for one job, nil when unknown.
func (s *Scheduler) GetJob(id string) *JobStatus {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	return s.statusLocked(j)
}

// GetAllJobs reports live state for every registered job.
func (s *Scheduler) GetAllJobs() []JobStatus {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *s.statusLocked(j))
	}
	return out
}

// KnownJobIDs lists every registered job id.
func (s *Scheduler) KnownJobIDs() []string {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	out := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, id)
	}
	return out
}

func (s *Scheduler) statusLocked(j *job) *JobStatus {
	status := &JobStatus{
		ID:          j.id,
		Name:        j.name,
		Description: j.description,
		Trigger:     j.trigger.String(),
		TriggerSpec: j.trigger,
		Paused:      j.paused,
		Running:     j.running,
		LastError:   j.lastErr,
	}
	if !j.lastRun.IsZero() {
		lastRun := j.lastRun
		status.LastRun = &lastRun
	}
	if !j.paused {
		for _, entry := range s.cron.Entries() {
			if entry.ID == j.entryID && !entry.Next.IsZero() {
				next := entry.Next
				status.NextRun = &next
				break
			}
		}
	}
	return status
}

type persistedSchedule struct {
	spec   TriggerSpec
	paused bool
}

func (s *Scheduler) loadSchedule(ctx context.Context, id string) (persistedSchedule, time.Time, bool, error) {
	var triggerType, args string
	var paused int
	var lastRunAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT trigger_type, trigger_args, paused, last_run_at
		FROM job_schedules WHERE job_id = ?
	`, id).Scan(&triggerType, &args, &paused, &lastRunAt)
	if err == sql.ErrNoRows {
		return persistedSchedule{}, time.Time{}, false, nil
	}
	if err != nil {
		return persistedSchedule{}, time.Time{}, false, err
	}

	spec, err := specFromRow(triggerType, args)
	if err != nil {
		s.log.Warn().Err(err).Str("job", id).Msg("Ignoring corrupt persisted schedule")
		return persistedSchedule{}, time.Time{}, false, nil
	}
	var lastRun time.Time
	if lastRunAt.Valid {
		lastRun, _ = time.Parse(time.RFC3339, lastRunAt.String)
	}
	return persistedSchedule{spec: spec, paused: paused != 0}, lastRun, true, nil
}

func (s *Scheduler) saveSchedule(ctx context.Context, id string, trigger TriggerSpec, paused bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_schedules (job_id, trigger_type, trigger_args, paused, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(job_id) DO UPDATE SET
			trigger_type = excluded.trigger_type,
			trigger_args = excluded.trigger_args,
			paused = excluded.paused,
			updated_at = excluded.updated_at
	`, id, trigger.Type, trigger.argsJSON(), boolToInt(paused))
	if err != nil {
		return fmt.Errorf("scheduler: failed to persist schedule for %q: %w", id, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
