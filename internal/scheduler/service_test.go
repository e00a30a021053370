package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskplanner/internal/domain"
	"taskplanner/internal/queue"
)

func newRepo(t *testing.T) queue.Repository {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, queue.EnsureSchema(db))
	return queue.NewSQLiteRepo(db)
}

func TestProcessDueEnqueuesAndAdvances(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)

	id, err := repo.CreateRecurring(ctx, domain.RecurringPlan{
		Name: "daily", CronExpr: "0 9 * * *", Goal: "standup prep", Deadline: "in 1 day",
		HoursPerDay: 4, Enabled: true, NextRun: now.Add(-30 * time.Minute),
	})
	require.NoError(t, err)

	svc := NewService(repo, time.Minute, time.UTC)
	require.Equal(t, 1, svc.ProcessDue(ctx, now))

	p, err := repo.GetRecurring(ctx, id)
	require.NoError(t, err)
	require.True(t, p.NextRun.Equal(time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)), "next run %v", p.NextRun)
	require.NotNil(t, p.LastRun)

	job, _, err := repo.LeaseNext(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, "standup prep", job.Request.Goal)
	require.Equal(t, "in 1 day", job.Request.Deadline)
	require.Equal(t, 4, job.Request.HoursPerDay)
	require.NotNil(t, job.RecurringID)
	require.Equal(t, id, *job.RecurringID)

	// nothing is due until tomorrow
	require.Equal(t, 0, svc.ProcessDue(ctx, now.Add(time.Hour)))
}

func TestProcessDueSkipsBadCron(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	now := time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC)
	_, err := repo.CreateRecurring(ctx, domain.RecurringPlan{
		Name: "broken", CronExpr: "every day", Goal: "g", Enabled: true, NextRun: now,
	})
	require.NoError(t, err)
	require.Equal(t, 0, NewService(repo, time.Minute, time.UTC).ProcessDue(ctx, now))
}

func TestCronHelpers(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.Error(t, ValidateCronExpression("nope"))

	from := time.Date(2025, 3, 3, 9, 1, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", from)
	require.NoError(t, err)
	require.True(t, next.Equal(time.Date(2025, 3, 3, 9, 5, 0, 0, time.UTC)))
}
