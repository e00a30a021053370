// Package plan orders a batch of tasks by their dependencies and lays the
// ordered batch out on a calendar, compressing durations when the work does
// not fit before a deadline.
//
// Everything here is a pure function of its arguments. Malformed input never
// produces an error: cycles and dangling references degrade to a best-effort
// order, and unusable estimates fall back to domain.DefaultEffortHours.
package plan
