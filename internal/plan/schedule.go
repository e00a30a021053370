package plan

import (
	"math"
	"strconv"
	"time"

	"taskplanner/internal/domain"
)

const (
	// MinRatio is the smallest compression ratio ever applied. Past this
	// point the deadline is allowed to slip.
	MinRatio = 0.25

	dateLayout = "2006-01-02"
)

// slot is one task of the order with its uncompressed earliest start.
type slot struct {
	task  domain.Task
	start time.Time
	dur   time.Duration
}

// layout walks order and places every known task at the latest end of the
// dependencies already placed before it, or at start when there are none.
// Order entries that name no task of the batch, or repeat one, are skipped.
func layout(tasks []domain.Task, order []string, start time.Time, hours func(domain.Task) float64) []slot {
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; !dup {
			byID[t.ID] = t
		}
	}
	ends := make(map[string]time.Time, len(order))
	slots := make([]slot, 0, len(order))
	for _, id := range order {
		t, ok := byID[id]
		if !ok {
			continue
		}
		if _, done := ends[id]; done {
			continue
		}
		s := start
		first := true
		for _, dep := range t.DependsOn {
			end, ok := ends[dep]
			if !ok {
				continue
			}
			if first || end.After(s) {
				s = end
				first = false
			}
		}
		d := hoursToDuration(hours(t))
		ends[id] = s.Add(d)
		slots = append(slots, slot{task: t, start: s, dur: d})
	}
	return slots
}

// Ratio returns the factor applied to every duration so the schedule fits
// before deadline. It is 1 when there is no deadline or the uncompressed
// schedule already ends in time, and never below MinRatio.
func Ratio(tasks []domain.Task, order []string, start time.Time, deadline *time.Time, hoursPerDay int) float64 {
	return ratio(layout(tasks, order, start, domain.Task.Effort), start, deadline, hoursPerDay)
}

func ratio(slots []slot, start time.Time, deadline *time.Time, hoursPerDay int) float64 {
	if deadline == nil {
		return 1
	}
	end := start
	for _, s := range slots {
		if e := s.start.Add(s.dur); e.After(end) {
			end = e
		}
	}
	if !end.After(*deadline) {
		return 1
	}
	if hoursPerDay <= 0 {
		hoursPerDay = domain.DefaultHoursPerDay
	}
	available := float64(max(daysBetween(start, *deadline), 1) * hoursPerDay)
	demand := 0.0
	for _, s := range slots {
		demand += billable(s.task)
	}
	if demand < 1 {
		demand = 1
	}
	return math.Max(available/demand, MinRatio)
}

// Schedule lays out tasks in the given order. Start instants come from the
// uncompressed durations; only the reported duration and end date reflect
// the compression ratio, so dependent entries can overlap when compressed.
// ScheduleChained is the variant that chains on compressed durations.
func Schedule(tasks []domain.Task, order []string, start time.Time, deadline *time.Time, hoursPerDay int) []domain.ScheduleEntry {
	slots := layout(tasks, order, start, domain.Task.Effort)
	r := ratio(slots, start, deadline, hoursPerDay)
	out := make([]domain.ScheduleEntry, 0, len(slots))
	for _, s := range slots {
		out = append(out, entry(s.task, s.start, billable(s.task)*r))
	}
	return out
}

// ScheduleChained computes the same ratio as Schedule, then re-derives every
// start from the compressed durations so a task begins when its
// dependencies, as rendered, end.
func ScheduleChained(tasks []domain.Task, order []string, start time.Time, deadline *time.Time, hoursPerDay int) []domain.ScheduleEntry {
	r := Ratio(tasks, order, start, deadline, hoursPerDay)
	compressed := func(t domain.Task) float64 { return billable(t) * r }
	slots := layout(tasks, order, start, compressed)
	out := make([]domain.ScheduleEntry, 0, len(slots))
	for _, s := range slots {
		out = append(out, entry(s.task, s.start, compressed(s.task)))
	}
	return out
}

func entry(t domain.Task, start time.Time, hours float64) domain.ScheduleEntry {
	end := start.Add(hoursToDuration(hours))
	return domain.ScheduleEntry{
		ID:            t.ID,
		Name:          t.DisplayName(),
		StartDate:     start.Format(dateLayout),
		EndDate:       end.Format(dateLayout),
		DurationHours: round1(hours),
		Start:         start,
		End:           end,
	}
}

// billable is the effort counted against capacity, at least one hour.
func billable(t domain.Task) float64 {
	return math.Max(t.Effort(), 1)
}

// round1 rounds to one decimal on the exact binary value, ties to even.
func round1(h float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(h, 'f', 1, 64), 64)
	return r
}

// hoursToDuration saturates at the largest representable duration.
func hoursToDuration(h float64) time.Duration {
	ns := h * float64(time.Hour)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// daysBetween counts whole days from a to b, rounding toward negative
// infinity.
func daysBetween(a, b time.Time) int {
	return int(math.Floor(b.Sub(a).Hours() / 24))
}
