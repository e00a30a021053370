// Package scheduler re-plans recurring goals: on every tick it enqueues a plan
// job for each recurring plan whose cron schedule is due.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskplanner/internal/domain"
	"taskplanner/internal/queue"
)

type Service struct {
	repo     queue.Repository
	interval time.Duration
	loc      *time.Location
}

func NewService(repo queue.Repository, checkInterval time.Duration, loc *time.Location) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		repo:     repo,
		interval: checkInterval,
		loc:      loc,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("recurring plan service started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ProcessDue(ctx, now)
		}
	}
}

// ProcessDue enqueues a plan job for every recurring plan due at now and
// returns how many were enqueued.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) int {
	plans, err := s.repo.DueRecurring(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due recurring plans")
		return 0
	}

	n := 0
	for _, p := range plans {
		if err := s.process(ctx, p, now); err != nil {
			log.Error().Err(err).Str("recurring_id", p.ID).Msg("failed to process recurring plan")
			continue
		}
		n++
	}
	return n
}

func (s *Service) process(ctx context.Context, p domain.RecurringPlan, now time.Time) error {
	sched, err := cron.ParseStandard(p.CronExpr)
	if err != nil {
		return fmt.Errorf("cron expression %q: %w", p.CronExpr, err)
	}

	// Keyed on the slot being served so a crash before the run is recorded
	// cannot enqueue the same slot twice.
	key := p.ID + "@" + p.NextRun.UTC().Format(time.RFC3339)
	id := p.ID
	job := domain.PlanJob{
		Request: domain.PlanRequest{
			Goal:        p.Goal,
			Deadline:    p.Deadline,
			HoursPerDay: p.HoursPerDay,
		},
		MaxAttempts:    p.MaxAttempts,
		IdempotencyKey: &key,
		RecurringID:    &id,
	}
	jobID, err := s.repo.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("enqueue plan job: %w", err)
	}

	nextRun := sched.Next(now.In(s.loc))
	if err := s.repo.MarkRecurringRun(ctx, p.ID, now, nextRun); err != nil {
		return fmt.Errorf("update run times: %w", err)
	}

	log.Info().
		Str("recurring_id", p.ID).
		Str("name", p.Name).
		Str("job_id", jobID).
		Time("next_run", nextRun).
		Msg("recurring plan enqueued")

	return nil
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
