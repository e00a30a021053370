package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultEffortHours replaces a missing or unusable estimate.
	DefaultEffortHours = 2.0
	// DefaultHoursPerDay is the daily capacity used when none is given.
	DefaultHoursPerDay = 6
)

// Task is one unit of work in a batch. DependsOn names other tasks of the
// same batch; unknown names are ignored by the scheduler.
type Task struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	EstimatedHours float64  `json:"estimated_hours"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// Effort returns the estimate with the defaulting rule applied.
func (t Task) Effort() float64 {
	h := t.EstimatedHours
	if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
		return DefaultEffortHours
	}
	return h
}

// DisplayName falls back to the ID when the task has no name.
func (t Task) DisplayName() string {
	if t.Name == "" {
		return t.ID
	}
	return t.Name
}

// UnmarshalJSON tolerates estimates given as strings or of the wrong type;
// anything that does not parse as a number is left at zero. IDs, including
// those in depends_on, may be numbers.
func (t *Task) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID             json.RawMessage `json:"id"`
		Name           string          `json:"name"`
		EstimatedHours json.RawMessage `json:"estimated_hours"`
		DependsOn      json.RawMessage `json:"depends_on"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = Task{
		ID:             looseString(raw.ID),
		Name:           raw.Name,
		EstimatedHours: looseFloat(raw.EstimatedHours),
		DependsOn:      looseStrings(raw.DependsOn),
	}
	return nil
}

// looseStrings accepts a list of IDs of any scalar type, or a single ID.
func looseStrings(b json.RawMessage) []string {
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		if s := looseString(b); s != "" {
			return []string{s}
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := looseString(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func looseString(b json.RawMessage) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return s
	}
	return string(b)
}

func looseFloat(b json.RawMessage) float64 {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

// ScheduleEntry is the calendar placement of one task.
type ScheduleEntry struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StartDate     string    `json:"start_date"`
	EndDate       string    `json:"end_date"`
	DurationHours float64   `json:"duration_hours"`
	Start         time.Time `json:"-"`
	End           time.Time `json:"-"`
}

// PlanRequest is what a caller submits to get a plan for a goal.
type PlanRequest struct {
	Goal        string `json:"goal"`
	StartDate   string `json:"start_date"`
	Deadline    string `json:"deadline"`
	HoursPerDay int    `json:"work_hours_per_day"`
	Chained     bool   `json:"chained,omitempty"`
}

// PlanResult is a finished plan.
type PlanResult struct {
	Goal     string          `json:"goal"`
	Tasks    []Task          `json:"tasks"`
	Order    []string        `json:"order"`
	Schedule []ScheduleEntry `json:"schedule"`
	Ratio    float64         `json:"compression_ratio"`
	Notes    string          `json:"notes,omitempty"`
}

// Job states.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// PlanJob is a queued, asynchronously executed PlanRequest.
type PlanJob struct {
	ID                string
	Request           PlanRequest
	Attempts          int
	MaxAttempts       int
	State             string
	NextRunAt         time.Time
	VisibilityTimeout int // seconds
	IdempotencyKey    *string
	RecurringID       *string
	Result            *PlanResult
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RecurringPlan re-plans a goal on a cron schedule.
type RecurringPlan struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	CronExpr    string     `json:"cron_expr"`
	Goal        string     `json:"goal"`
	Deadline    string     `json:"deadline"`
	HoursPerDay int        `json:"work_hours_per_day"`
	MaxAttempts int        `json:"max_attempts"`
	Enabled     bool       `json:"enabled"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     time.Time  `json:"next_run"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
