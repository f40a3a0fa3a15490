// Package scheduler runs the background job registry on a cron core
// with schedules persisted in the job_schedules table, so a restart
// keeps user-customised triggers.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Trigger types.
const (
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerDate     = "date"
)

// Interval bounds in seconds (upper bound is 100 years of minutes).
const (
	minIntervalSeconds = 1
	maxIntervalSeconds = 52560000
)

var (
	ErrUnknownJob     = errors.New("scheduler: unknown job")
	ErrInvalidTrigger = errors.New("scheduler: invalid trigger")
)

// dayOfWeekPattern accepts names, digits, ranges and comma lists, the
// forms the cron parser understands for the day-of-week field.
var dayOfWeekPattern = regexp.MustCompile(`^(?i)(mon|tue|wed|thu|fri|sat|sun|[0-6])(-(mon|tue|wed|thu|fri|sat|sun|[0-6]))?(,(mon|tue|wed|thu|fri|sat|sun|[0-6])(-(mon|tue|wed|thu|fri|sat|sun|[0-6]))?)*$`)

// TriggerSpec is a typed trigger: cron (hour/minute/day-of-week),
// interval (seconds) or date (one-shot at run_at).
type TriggerSpec struct {
	Type      string `json:"type,omitempty"`
	Hour      int    `json:"hour,omitempty"`
	Minute    int    `json:"minute,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Seconds   int64  `json:"seconds,omitempty"`
	RunAt     string `json:"run_at,omitempty"`
}

// Cron builds a cron trigger.
func Cron(hour, minute int, dayOfWeek string) TriggerSpec {
	return TriggerSpec{Type: TriggerCron, Hour: hour, Minute: minute, DayOfWeek: dayOfWeek}
}

// Interval builds an interval trigger.
func Interval(seconds int64) TriggerSpec {
	return TriggerSpec{Type: TriggerInterval, Seconds: seconds}
}

// Date builds a one-shot trigger at t.
func Date(t time.Time) TriggerSpec {
	return TriggerSpec{Type: TriggerDate, RunAt: t.UTC().Format(time.RFC3339)}
}

// Validate checks the spec against the per-field allowlists.
func (t TriggerSpec) Validate() error {
	switch t.Type {
	case TriggerCron:
		if t.Hour < 0 || t.Hour > 23 {
			return fmt.Errorf("%w: hour %d out of range [0,23]", ErrInvalidTrigger, t.Hour)
		}
		if t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("%w: minute %d out of range [0,59]", ErrInvalidTrigger, t.Minute)
		}
		if t.DayOfWeek != "" && !dayOfWeekPattern.MatchString(t.DayOfWeek) {
			return fmt.Errorf("%w: day_of_week %q", ErrInvalidTrigger, t.DayOfWeek)
		}
		return nil
	case TriggerInterval:
		if t.Seconds < minIntervalSeconds || t.Seconds > maxIntervalSeconds {
			return fmt.Errorf("%w: interval %d out of range [%d,%d]",
				ErrInvalidTrigger, t.Seconds, minIntervalSeconds, maxIntervalSeconds)
		}
		return nil
	case TriggerDate:
		if _, err := time.Parse(time.RFC3339, t.RunAt); err != nil {
			return fmt.Errorf("%w: run_at %q: %v", ErrInvalidTrigger, t.RunAt, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidTrigger, t.Type)
	}
}

// Expr renders the spec for the cron parser. Date triggers have no
// expression; they are installed as one-shot schedules.
func (t TriggerSpec) Expr() string {
	switch t.Type {
	case TriggerCron:
		dow := t.DayOfWeek
		if dow == "" {
			dow = "*"
		}
		return fmt.Sprintf("%d %d * * %s", t.Minute, t.Hour, dow)
	case TriggerInterval:
		return fmt.Sprintf("@every %ds", t.Seconds)
	default:
		return ""
	}
}

// String is the human-readable trigger for status payloads.
func (t TriggerSpec) String() string {
	switch t.Type {
	case TriggerCron:
		if t.DayOfWeek != "" {
			return fmt.Sprintf("cron %02d:%02d %s", t.Hour, t.Minute, t.DayOfWeek)
		}
		return fmt.Sprintf("cron %02d:%02d daily", t.Hour, t.Minute)
	case TriggerInterval:
		return fmt.Sprintf("every %s", (time.Duration(t.Seconds) * time.Second).String())
	case TriggerDate:
		return "once at " + t.RunAt
	}
	return t.Type
}

// argsJSON serialises everything except the type, which is stored in
// its own column.
func (t TriggerSpec) argsJSON() string {
	clone := t
	clone.Type = ""
	data, _ := json.Marshal(clone)
	return string(data)
}

// specFromRow reconstructs a TriggerSpec from the persisted columns.
func specFromRow(triggerType, args string) (TriggerSpec, error) {
	var spec TriggerSpec
	if err := json.Unmarshal([]byte(args), &spec); err != nil {
		return TriggerSpec{}, fmt.Errorf("%w: bad trigger_args: %v", ErrInvalidTrigger, err)
	}
	spec.Type = triggerType
	return spec, spec.Validate()
}

// interval returns the trigger period for misfire checks, zero for
// non-interval triggers.
func (t TriggerSpec) interval() time.Duration {
	if t.Type != TriggerInterval {
		return 0
	}
	return time.Duration(t.Seconds) * time.Second
}
