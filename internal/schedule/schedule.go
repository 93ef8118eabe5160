// Package schedule evaluates cron expressions for task scheduling.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ReferenceZone is used when a task has no timezone
var ReferenceZone = time.UTC

// Standard 5-field syntax plus descriptors such as @daily
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Next returns the first activation of expr strictly after now, evaluated in
// the IANA zone tz (or ReferenceZone when tz is empty). It reports false for a
// malformed expression, an unknown zone, or a schedule that never fires.
func Next(expr, tz string, now time.Time) (time.Time, bool) {
	loc, ok := location(tz)
	if !ok {
		return time.Time{}, false
	}
	sched, err := parser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return time.Time{}, false
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// NextPtr is Next with the result as a nullable timestamp
func NextPtr(expr, tz string, now time.Time) *time.Time {
	next, ok := Next(expr, tz, now)
	if !ok {
		return nil
	}
	return &next
}

// Valid reports whether expr parses
func Valid(expr string) bool {
	_, err := parser.Parse(strings.TrimSpace(expr))
	return err == nil
}

// ValidZone reports whether tz is empty or a known IANA zone
func ValidZone(tz string) bool {
	_, ok := location(tz)
	return ok
}

func location(tz string) (*time.Location, bool) {
	if tz == "" {
		return ReferenceZone, true
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, false
	}
	return loc, true
}

var presets = map[string]string{
	"0 0 * * *":   "Daily at midnight",
	"0 8 * * *":   "Daily at 8 AM",
	"0 9 * * *":   "Daily at 9 AM",
	"0 8 * * 1":   "Weekly on Monday at 8 AM",
	"0 8 * * 1-5": "Weekdays at 8 AM",
	"0 9 * * 1-5": "Weekdays at 9 AM",
	"0 9 * * 1":   "Weekly on Monday at 9 AM",
	"0 9 * * 0":   "Weekly on Sunday at 9 AM",
}

// Describe returns a human readable form of common expressions, or expr itself
func Describe(expr string) string {
	if d, ok := presets[strings.TrimSpace(expr)]; ok {
		return d
	}
	return expr
}
