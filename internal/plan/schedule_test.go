package plan

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"taskplanner/internal/domain"
)

var day0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.FixedZone("IST", 330*60))

func at(d time.Time) *time.Time { return &d }

func TestScheduleChainNoDeadline(t *testing.T) {
	tasks := []domain.Task{task("A", 2), task("B", 2, "A"), task("C", 2, "B")}
	got := Schedule(tasks, Order(tasks), day0, nil, 6)
	require.Len(t, got, 3)

	require.True(t, got[0].Start.Equal(day0))
	require.True(t, got[1].Start.Equal(got[0].End))
	require.True(t, got[2].Start.Equal(got[1].End))
	for _, e := range got {
		require.Equal(t, 2.0, e.DurationHours)
		require.Equal(t, 2*time.Hour, e.End.Sub(e.Start))
		require.Equal(t, "2025-03-03", e.StartDate)
	}
	require.Equal(t, "task A", got[0].Name)
}

func TestScheduleIndependentTasksStartAtStart(t *testing.T) {
	tasks := []domain.Task{task("A", 5), task("B", 30), task("C", 1, "ghost")}
	for _, e := range Schedule(tasks, Order(tasks), day0, nil, 6) {
		require.True(t, e.Start.Equal(day0), "task %s", e.ID)
	}
}

func TestScheduleDependencyWaitsForLatest(t *testing.T) {
	tasks := []domain.Task{task("A", 3), task("B", 10), task("C", 1, "A", "B")}
	got := Schedule(tasks, Order(tasks), day0, nil, 6)
	require.True(t, got[2].Start.Equal(day0.Add(10*time.Hour)))
}

func TestScheduleDefaultsInvalidEstimates(t *testing.T) {
	tasks := []domain.Task{task("A", 0), task("B", -3), task("C", 0.5)}
	got := Schedule(tasks, Order(tasks), day0, nil, 0)
	require.Equal(t, 2.0, got[0].DurationHours)
	require.Equal(t, 2.0, got[1].DurationHours)
	// rendered duration is floored at one hour
	require.Equal(t, 1.0, got[2].DurationHours)
}

func TestScheduleEmpty(t *testing.T) {
	got := Schedule(nil, nil, day0, at(day0.Add(time.Hour)), 6)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestScheduleDeadlineAlreadyMet(t *testing.T) {
	tasks := []domain.Task{task("A", 4), task("B", 4, "A")}
	deadline := day0.Add(8 * time.Hour)
	require.Equal(t, 1.0, Ratio(tasks, Order(tasks), day0, &deadline, 6))
	got := Schedule(tasks, Order(tasks), day0, &deadline, 6)
	require.Equal(t, 4.0, got[1].DurationHours)
}

func TestScheduleCompressesToDeadline(t *testing.T) {
	// 3 days * 15h = 45h available against 90h of demand.
	tasks := []domain.Task{task("A", 30), task("B", 30, "A"), task("C", 30, "B")}
	deadline := day0.Add(3*24*time.Hour + 2*time.Hour)
	order := Order(tasks)

	r := Ratio(tasks, order, day0, &deadline, 15)
	require.InDelta(t, 0.5, r, 1e-9)

	got := Schedule(tasks, order, day0, &deadline, 15)
	for _, e := range got {
		require.Equal(t, 15.0, e.DurationHours)
	}
	// starts still chain on the uncompressed 30h durations
	require.True(t, got[1].Start.Equal(day0.Add(30*time.Hour)))
	require.True(t, got[2].Start.Equal(day0.Add(60*time.Hour)))
	require.True(t, got[2].End.Equal(day0.Add(75*time.Hour)))
}

func TestScheduleCompressionFloor(t *testing.T) {
	tasks := []domain.Task{task("A", 40), task("B", 40, "A"), task("C", 3)}
	deadline := day0.Add(24 * time.Hour)
	order := Order(tasks)
	require.Equal(t, MinRatio, Ratio(tasks, order, day0, &deadline, 6))
	for _, e := range Schedule(tasks, order, day0, &deadline, 6) {
		var est float64
		for _, tk := range tasks {
			if tk.ID == e.ID {
				est = tk.EstimatedHours
			}
		}
		require.GreaterOrEqual(t, e.DurationHours, est*MinRatio)
	}
}

func TestScheduleDeadlineBeforeStartUsesOneDay(t *testing.T) {
	tasks := []domain.Task{task("A", 12)}
	deadline := day0.Add(-48 * time.Hour)
	// max(days, 1) * 6 = 6 available over 12 demanded
	require.InDelta(t, 0.5, Ratio(tasks, Order(tasks), day0, &deadline, 6), 1e-9)
}

func TestScheduleDefaultHoursPerDay(t *testing.T) {
	tasks := []domain.Task{task("A", 20)}
	deadline := day0.Add(10 * time.Hour)
	// one day at the default 6h against 20h
	require.InDelta(t, 0.3, Ratio(tasks, Order(tasks), day0, &deadline, 0), 1e-9)
}

func TestScheduleRoundsDuration(t *testing.T) {
	tasks := []domain.Task{task("A", 7), task("B", 4)}
	deadline := day0.Add(5 * time.Hour)
	// ratio 6/11
	got := Schedule(tasks, Order(tasks), day0, &deadline, 6)
	require.Equal(t, 3.8, got[0].DurationHours)
	require.Equal(t, 2.2, got[1].DurationHours)
}

func TestScheduleRoundsTiesToEven(t *testing.T) {
	tasks := []domain.Task{task("A", 1), task("B", 5), task("C", 40)}
	deadline := day0.Add(time.Hour)
	got := Schedule(tasks, Order(tasks), day0, &deadline, 6)
	require.Equal(t, 0.2, got[0].DurationHours)
	require.Equal(t, 1.2, got[1].DurationHours)
	require.Equal(t, 10.0, got[2].DurationHours)
}

func TestScheduleHugeEstimateNeverEndsBeforeStart(t *testing.T) {
	tasks := []domain.Task{task("A", 3e6), task("B", 1, "A")}
	for _, e := range Schedule(tasks, Order(tasks), day0, nil, 6) {
		require.False(t, e.End.Before(e.Start), e.ID)
		require.GreaterOrEqual(t, e.EndDate, e.StartDate, e.ID)
	}
	deadline := day0.Add(24 * time.Hour)
	require.Equal(t, MinRatio, Ratio(tasks, Order(tasks), day0, &deadline, 6))
}

func TestScheduleFollowsGivenOrder(t *testing.T) {
	tasks := []domain.Task{task("A", 1), task("B", 1)}
	got := Schedule(tasks, []string{"B", "missing", "A", "B"}, day0, nil, 6)
	require.Len(t, got, 2)
	require.Equal(t, "B", got[0].ID)
	require.Equal(t, "A", got[1].ID)
}

func TestScheduleDatesCrossMidnight(t *testing.T) {
	start := time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC)
	tasks := []domain.Task{task("A", 6)}
	got := Schedule(tasks, Order(tasks), start, nil, 6)
	require.Equal(t, "2025-03-03", got[0].StartDate)
	require.Equal(t, "2025-03-04", got[0].EndDate)
}

func TestScheduleIsIdempotent(t *testing.T) {
	tasks := []domain.Task{task("A", 8), task("B", 3, "A"), task("C", 5, "A"), task("D", 2, "B", "C")}
	deadline := day0.Add(24 * time.Hour)
	run := func() []byte {
		b, err := json.Marshal(Schedule(tasks, Order(tasks), day0, &deadline, 6))
		require.NoError(t, err)
		return b
	}
	require.Equal(t, run(), run())
}

func TestScheduleChainedUsesCompressedDurations(t *testing.T) {
	tasks := []domain.Task{task("A", 30), task("B", 30, "A"), task("C", 30, "B")}
	deadline := day0.Add(3*24*time.Hour + 2*time.Hour)
	got := ScheduleChained(tasks, Order(tasks), day0, &deadline, 15)
	require.True(t, got[0].Start.Equal(day0))
	require.True(t, got[1].Start.Equal(day0.Add(15*time.Hour)))
	require.True(t, got[2].Start.Equal(day0.Add(30*time.Hour)))
	for _, e := range got {
		require.Equal(t, 15.0, e.DurationHours)
	}
}

func TestScheduleChainedMatchesScheduleWithoutCompression(t *testing.T) {
	tasks := []domain.Task{task("A", 2), task("B", 3, "A"), task("C", 1, "A"), task("D", 4, "B", "C")}
	order := Order(tasks)
	plain := Schedule(tasks, order, day0, nil, 6)
	chained := ScheduleChained(tasks, order, day0, nil, 6)
	if diff := cmp.Diff(plain, chained); diff != "" {
		t.Fatalf("schedules differ (-plain +chained):\n%s", diff)
	}
}
