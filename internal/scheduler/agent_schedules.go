package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/amitpatole/tickerpulse-ai-sub000/internal/database"
)

// AgentSchedule is a user-defined schedule pointing at a known job id.
type AgentSchedule struct {
	ID          int64       `json:"id"`
	JobID       string      `json:"job_id"`
	Name        string      `json:"name"`
	TriggerSpec TriggerSpec `json:"trigger_spec"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   string      `json:"created_at"`
	UpdatedAt   string      `json:"updated_at"`
}

// CreateAgentSchedule validates the trigger against a known job and
// inserts the row.
func (s *Scheduler) CreateAgentSchedule(ctx context.Context, jobID, name string, trigger TriggerSpec) (*AgentSchedule, error) {
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	s.jobsMu.RLock()
	_, known := s.jobs[jobID]
	s.jobsMu.RUnlock()
	if !known {
		return nil, ErrUnknownJob
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_schedules (job_id, name, trigger_type, trigger_args, enabled)
		VALUES (?, ?, ?, ?, 1)
	`, jobID, name, trigger.Type, trigger.argsJSON())
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create agent schedule: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetAgentSchedule(ctx, id)
}

// UpdateAgentSchedule replaces the trigger and enabled flag. The
// current row is re-read and the merged trigger re-validated inside one
// immediate transaction, under the schedule write lock, so a partial
// update cannot leave an invalid schedule behind.
func (s *Scheduler) UpdateAgentSchedule(ctx context.Context, id int64, trigger *TriggerSpec, enabled *bool) (*AgentSchedule, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := database.ImmediateOn(ctx, s.db, func(conn *sql.Conn) error {
		var current AgentSchedule
		var triggerType, args string
		var enabledInt int
		err := conn.QueryRowContext(ctx, `
			SELECT id, job_id, name, trigger_type, trigger_args, enabled
			FROM agent_schedules WHERE id = ?
		`, id).Scan(&current.ID, &current.JobID, &current.Name, &triggerType, &args, &enabledInt)
		if err == sql.ErrNoRows {
			return fmt.Errorf("scheduler: agent schedule %d not found", id)
		}
		if err != nil {
			return err
		}

		effective, err := specFromRow(triggerType, args)
		if err != nil {
			return err
		}
		if trigger != nil {
			effective = *trigger
		}
		if err := effective.Validate(); err != nil {
			return err
		}
		newEnabled := enabledInt != 0
		if enabled != nil {
			newEnabled = *enabled
		}

		if _, err := conn.ExecContext(ctx, `
			UPDATE agent_schedules
			SET trigger_type = ?, trigger_args = ?, enabled = ?, updated_at = datetime('now')
			WHERE id = ?
		`, effective.Type, effective.argsJSON(), boolToInt(newEnabled), id); err != nil {
			return fmt.Errorf("scheduler: failed to update agent schedule %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgentSchedule(ctx, id)
}

// DeleteAgentSchedule removes the row.
func (s *Scheduler) DeleteAgentSchedule(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM agent_schedules WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduler: agent schedule %d not found", id)
	}
	return nil
}

// GetAgentSchedule returns one schedule, nil when absent.
func (s *Scheduler) GetAgentSchedule(ctx context.Context, id int64) (*AgentSchedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, name, trigger_type, trigger_args, enabled, created_at, updated_at
		FROM agent_schedules WHERE id = ?
	`, id)
	sched, err := scanAgentSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sched, err
}

// ListAgentSchedules returns every user schedule.
func (s *Scheduler) ListAgentSchedules(ctx context.Context) ([]AgentSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, name, trigger_type, trigger_args, enabled, created_at, updated_at
		FROM agent_schedules ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentSchedule
	for rows.Next() {
		sched, err := scanAgentSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgentSchedule(row rowScanner) (*AgentSchedule, error) {
	var sched AgentSchedule
	var triggerType, args string
	var enabled int
	if err := row.Scan(&sched.ID, &sched.JobID, &sched.Name, &triggerType, &args,
		&enabled, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	spec, err := specFromRow(triggerType, args)
	if err != nil {
		return nil, err
	}
	sched.TriggerSpec = spec
	sched.Enabled = enabled != 0
	return &sched, nil
}
