// Package planner turns a goal into a scheduled plan: it resolves the date
// expressions, asks the generator for tasks and runs them through the
// ordering and calendar steps.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"taskplanner/internal/dates"
	"taskplanner/internal/domain"
	"taskplanner/internal/generator"
	"taskplanner/internal/plan"
	"taskplanner/internal/worker"
)

var ErrGoalRequired = errors.New("goal required")

// Service builds plans. It holds no per-request state and is safe for
// concurrent use.
type Service struct {
	gen         generator.Generator
	loc         *time.Location
	hoursPerDay int
	now         func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(gen generator.Generator, loc *time.Location, hoursPerDay int, opts ...Option) *Service {
	if loc == nil {
		loc = time.Local
	}
	if hoursPerDay <= 0 {
		hoursPerDay = domain.DefaultHoursPerDay
	}
	s := &Service{gen: gen, loc: loc, hoursPerDay: hoursPerDay, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Plan generates tasks for req.Goal and schedules them.
func (s *Service) Plan(ctx context.Context, req domain.PlanRequest) (domain.PlanResult, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return domain.PlanResult{}, ErrGoalRequired
	}
	start := dates.ParseStart(req.StartDate, s.now().In(s.loc))
	deadline := dates.ParseDeadline(req.Deadline, start)
	hpd := req.HoursPerDay
	if hpd <= 0 {
		hpd = s.hoursPerDay
	}

	prompt := generator.Prompt{Goal: goal, StartDate: start.Format(dates.Layout), HoursPerDay: hpd}
	if deadline != nil {
		prompt.Deadline = deadline.Format(dates.Layout)
	}
	gen, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return domain.PlanResult{}, fmt.Errorf("generate tasks: %w", err)
	}
	generator.AssignIDs(gen.Tasks)

	res := Schedule(gen.Tasks, start, deadline, hpd, req.Chained)
	res.Goal = goal
	res.Notes = gen.Notes
	log.Info().
		Str("goal", goal).
		Int("tasks", len(res.Tasks)).
		Float64("ratio", res.Ratio).
		Bool("chained", req.Chained).
		Msg("plan built")
	return res, nil
}

// Schedule orders and lays out an already known batch. Tasks must carry IDs.
func Schedule(tasks []domain.Task, start time.Time, deadline *time.Time, hoursPerDay int, chained bool) domain.PlanResult {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	order := plan.Order(tasks)
	layout := plan.Schedule
	if chained {
		layout = plan.ScheduleChained
	}
	return domain.PlanResult{
		Tasks:    tasks,
		Order:    order,
		Schedule: layout(tasks, order, start, deadline, hoursPerDay),
		Ratio:    plan.Ratio(tasks, order, start, deadline, hoursPerDay),
	}
}

// Handle runs a queued plan job. Errors no retry can fix are marked
// permanent.
func (s *Service) Handle(ctx context.Context, job domain.PlanJob) (domain.PlanResult, error) {
	res, err := s.Plan(ctx, job.Request)
	if errors.Is(err, ErrGoalRequired) || errors.Is(err, generator.ErrNoAPIKey) {
		return res, worker.Permanent(err)
	}
	return res, err
}
