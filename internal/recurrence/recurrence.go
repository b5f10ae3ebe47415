// Package recurrence computes when a campaign message is next due.
//
// NextRun is a pure function: no clock reads, no I/O. The caller supplies
// "now" so the scheduler and tests share the exact same arithmetic.
package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is a campaign recurrence kind.
type Kind string

const (
	Once   Kind = "once"
	Daily  Kind = "daily"
	Weekly Kind = "weekly"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Once:
		return Once, nil
	case Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	default:
		return "", fmt.Errorf("unknown recurrence %q (want once, daily or weekly)", s)
	}
}

func (k Kind) Valid() bool {
	return k == Once || k == Daily || k == Weekly
}

// ParseHHMM parses a wall-clock "HH:MM" time of day.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// NextRun returns the next due instant, in UTC, for a schedule evaluated
// against now.
//
// The wall-clock time sendTime is interpreted in loc (nil means UTC), and
// day arithmetic goes through AddDate so DST transitions keep the local
// hour/minute instead of shifting by raw 24h blocks.
//
// Semantics per kind:
//   - once: today at sendTime, returned as-is even when that instant has
//     already passed; the scheduler then fires it on its next tick.
//   - daily: today at sendTime, or tomorrow if that already passed.
//   - weekly: the next occurrence of weekday (0=Sunday..6=Saturday) at
//     sendTime, strictly after now.
//
// weekday is ignored unless kind is weekly.
func NextRun(kind Kind, weekday int, sendTime string, loc *time.Location, now time.Time) (time.Time, error) {
	hour, minute, err := ParseHHMM(sendTime)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)
	scheduled := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)

	switch kind {
	case Once:
		return scheduled.UTC(), nil

	case Daily:
		if !scheduled.After(local) {
			scheduled = scheduled.AddDate(0, 0, 1)
		}
		return scheduled.UTC(), nil

	case Weekly:
		if weekday < 0 || weekday > 6 {
			return time.Time{}, fmt.Errorf("weekly recurrence needs weekday 0..6, got %d", weekday)
		}
		daysAhead := (weekday - int(scheduled.Weekday()) + 7) % 7
		scheduled = scheduled.AddDate(0, 0, daysAhead)
		if !scheduled.After(local) {
			scheduled = scheduled.AddDate(0, 0, 7)
		}
		return scheduled.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unknown recurrence kind %q", kind)
}
