// Package dates turns the loose start and deadline expressions users type
// ("today", "tomorrow", "2025-03-14", "in 2 weeks") into instants.
package dates

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const Layout = "2006-01-02"

var inRe = regexp.MustCompile(`in\s+(\d+)\s*(day|days|week|weeks)?`)

// Zone returns a fixed zone offset by the given number of minutes from UTC.
func Zone(offsetMinutes int) *time.Location {
	return time.FixedZone("", offsetMinutes*60)
}

// ParseStart resolves a start expression relative to now. Unrecognised input
// falls back to now.
func ParseStart(expr string, now time.Time) time.Time {
	s := strings.ToLower(strings.TrimSpace(expr))
	switch s {
	case "", "today":
		return now
	case "tomorrow":
		return now.AddDate(0, 0, 1)
	}
	if d, err := time.ParseInLocation(Layout, s, now.Location()); err == nil {
		return d
	}
	return now
}

// ParseDeadline resolves a deadline expression relative to start. It returns
// nil when there is no deadline or the expression is not understood.
func ParseDeadline(expr string, start time.Time) *time.Time {
	s := strings.ToLower(strings.TrimSpace(expr))
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "in ") {
		if m := inRe.FindStringSubmatch(s); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil {
				if strings.HasPrefix(m[2], "week") {
					n *= 7
				}
				d := start.AddDate(0, 0, n)
				return &d
			}
		}
	}
	if d, err := time.ParseInLocation(Layout, s, start.Location()); err == nil {
		return &d
	}
	return nil
}
