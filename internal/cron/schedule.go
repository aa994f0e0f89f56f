package cron

import (
	"time"
)

// maxSearchDays bounds how far Next looks ahead. Every valid rule fires at
// least once within a leap-year cycle plus slack.
const maxSearchDays = 5*366 + 1

// Schedule represents a parsed cron expression.
//
// Schedules are evaluated in wall-clock time of the location carried by the
// time passed in: "0 9 * * *" fires at 09:00 on the local clock of that
// location whatever its UTC offset is on a given day.
type Schedule struct {
	minutes     []bool // 0-59
	hours       []int  // 0-23, sorted
	minuteList  []int  // 0-59, sorted
	daysOfMonth []bool // 1-31
	months      []bool // 1-12
	daysOfWeek  []bool // 0-6 (0=Sunday)

	domRestricted bool
	dowRestricted bool

	original string
}

// Parse parses a cron expression and validates all constraints.
// Returns an error wrapping ErrInvalidRule if:
// - Format is invalid (not 5 fields)
// - Any field contains invalid syntax
// - Impossible dates are specified (e.g., Feb 31st)
func Parse(expr string) (*Schedule, error) {
	return parse(expr)
}

// String returns the original expression
func (s *Schedule) String() string {
	return s.original
}

// Next calculates the next count occurrences strictly after the given time,
// evaluated in after.Location().
func (s *Schedule) Next(after time.Time, count int) []time.Time {
	results := make([]time.Time, 0, count)

	current := after
	for len(results) < count {
		next := s.NextAfter(current)
		if next.IsZero() {
			break
		}
		results = append(results, next)
		current = next
	}

	return results
}

// Between returns all occurrences within [start, end), evaluated in
// start.Location(). Start is truncated to the minute.
func (s *Schedule) Between(start, end time.Time) []time.Time {
	results := []time.Time{}

	current := start.Truncate(time.Minute).Add(-time.Nanosecond)
	for {
		next := s.NextAfter(current)
		if next.IsZero() || !next.Before(end) {
			break
		}
		results = append(results, next)
		current = next
	}

	return results
}

// NextAfter returns the first occurrence strictly after the given time, or
// the zero time if none exists within the search horizon.
//
// Each calendar occurrence (date + hour + minute) maps to exactly one
// instant. An occurrence that falls in a DST gap fires at the first valid
// instant after the gap; one that repeats during a DST fall-back fires only
// at its first instant.
func (s *Schedule) NextAfter(after time.Time) time.Time {
	loc := after.Location()
	local := after.In(loc)

	y, m, d := local.Date()
	day := time.Date(y, m, d, 12, 0, 0, 0, time.UTC) // civil date carrier, never shifts
	startHour, startMinute := local.Hour(), local.Minute()

	for i := 0; i < maxSearchDays; i++ {
		firstDay := i == 0
		if s.matchesDate(day) {
			for _, h := range s.hours {
				if firstDay && h < startHour {
					continue
				}
				for _, min := range s.minuteList {
					if firstDay && h == startHour && min < startMinute {
						continue
					}
					candidate := resolveWallClock(day, h, min, loc)
					if candidate.After(after) {
						return candidate
					}
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	return time.Time{}
}

// Matches reports whether t (in its own location) is a calendar occurrence
// of the schedule
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minutes[t.Minute()] {
		return false
	}
	hourMatch := false
	for _, h := range s.hours {
		if h == t.Hour() {
			hourMatch = true
			break
		}
	}
	if !hourMatch {
		return false
	}
	y, m, d := t.Date()
	return s.matchesDate(time.Date(y, m, d, 12, 0, 0, 0, time.UTC))
}

// resolveWallClock maps a local calendar occurrence to an instant in loc
func resolveWallClock(day time.Time, hour, minute int, loc *time.Location) time.Time {
	y, m, d := day.Date()
	t := time.Date(y, m, d, hour, minute, 0, 0, loc)

	if t.Hour() != hour || t.Minute() != minute || t.Day() != d {
		// The wall-clock time does not exist. Fire at the transition that
		// skipped it; time.Date may have normalized to either side.
		start, end := t.ZoneBounds()
		got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
		want := time.Date(y, m, d, hour, minute, 0, 0, time.UTC)
		if got.Before(want) && !end.IsZero() {
			return end
		}
		if !start.IsZero() {
			return start
		}
		return t
	}

	// Repeated wall-clock time: prefer the earlier instant.
	start, _ := t.ZoneBounds()
	if start.IsZero() {
		return t
	}
	_, curOffset := t.Zone()
	_, prevOffset := start.Add(-time.Second).Zone()
	if prevOffset > curOffset {
		earlier := t.Add(-time.Duration(prevOffset-curOffset) * time.Second)
		if earlier.Before(start) && earlier.Hour() == hour && earlier.Minute() == minute && earlier.Day() == d {
			return earlier
		}
	}
	return t
}

// matchesDate applies the day-of-month / day-of-week rules to a civil date.
//
// Cron standard behavior:
// - If both day-of-month and day-of-week are restricted: match if EITHER matches
// - If only one is restricted: match on that field only
// - If both are *: match any day
func (s *Schedule) matchesDate(day time.Time) bool {
	y, m, d := day.Date()
	if !s.months[int(m)] {
		return false
	}
	if !isValidDate(y, int(m), d) {
		return false
	}

	domMatch := s.daysOfMonth[d]
	dowMatch := s.daysOfWeek[int(day.Weekday())]

	switch {
	case s.domRestricted && s.dowRestricted:
		return domMatch || dowMatch
	case s.domRestricted:
		return domMatch
	case s.dowRestricted:
		return dowMatch
	default:
		return true
	}
}
