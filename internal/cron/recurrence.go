package cron

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownTimezone is returned when a configuration names a zone the
// process cannot load
var ErrUnknownTimezone = errors.New("unknown timezone")

// DefaultCatchUpWindow is how far behind now a missed due instant is still
// worth running
const DefaultCatchUpWindow = time.Hour

// DueResult is the outcome of a due check
type DueResult struct {
	Due     bool
	Instant time.Time // the scheduled instant the run is for; zero when not due
}

// Evaluator answers due questions for (rule, timezone) pairs. Parsed rules
// and loaded locations are cached; an Evaluator is safe for concurrent use.
type Evaluator struct {
	catchUp time.Duration

	mu        sync.RWMutex
	schedules map[string]*Schedule
	locations map[string]*time.Location
}

// NewEvaluator creates an evaluator. A non-positive catchUp selects
// DefaultCatchUpWindow.
func NewEvaluator(catchUp time.Duration) *Evaluator {
	if catchUp <= 0 {
		catchUp = DefaultCatchUpWindow
	}
	return &Evaluator{
		catchUp:   catchUp,
		schedules: make(map[string]*Schedule),
		locations: make(map[string]*time.Location),
	}
}

// IsDue reports whether rule is due at now in timezone tz.
//
// The due instant is the latest occurrence T with lastSucceeded < T <= now
// and now-T within the catch-up window. A zero lastSucceeded means the
// configuration never ran. Any evaluation failure is returned as an error
// and the result is not due.
func (e *Evaluator) IsDue(rule, tz string, lastSucceeded, now time.Time) (res DueResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = DueResult{}
			err = fmt.Errorf("%w: evaluating %q: %v", ErrInvalidRule, rule, r)
		}
	}()

	sched, loc, err := e.resolve(rule, tz)
	if err != nil {
		return DueResult{}, err
	}

	lower := now.Add(-e.catchUp)
	if !lastSucceeded.IsZero() && lastSucceeded.After(lower) {
		lower = lastSucceeded
	}
	if !lower.Before(now) {
		return DueResult{}, nil
	}

	var latest time.Time
	cursor := lower.In(loc)
	for {
		next := sched.NextAfter(cursor)
		if next.IsZero() || next.After(now) {
			break
		}
		latest = next
		cursor = next
	}

	if latest.IsZero() {
		return DueResult{}, nil
	}
	return DueResult{Due: true, Instant: latest}, nil
}

// NextDue returns the first due instant strictly after after
func (e *Evaluator) NextDue(rule, tz string, after time.Time) (next time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			next = time.Time{}
			err = fmt.Errorf("%w: evaluating %q: %v", ErrInvalidRule, rule, r)
		}
	}()

	sched, loc, err := e.resolve(rule, tz)
	if err != nil {
		return time.Time{}, err
	}
	next = sched.NextAfter(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidRule, rule)
	}
	return next, nil
}

// Upcoming returns the next count due instants after after
func (e *Evaluator) Upcoming(rule, tz string, after time.Time, count int) ([]time.Time, error) {
	sched, loc, err := e.resolve(rule, tz)
	if err != nil {
		return nil, err
	}
	return sched.Next(after.In(loc), count), nil
}

// Validate checks that a rule and timezone can be evaluated
func (e *Evaluator) Validate(rule, tz string) error {
	_, _, err := e.resolve(rule, tz)
	return err
}

func (e *Evaluator) resolve(rule, tz string) (*Schedule, *time.Location, error) {
	e.mu.RLock()
	sched, okSched := e.schedules[rule]
	loc, okLoc := e.locations[tz]
	e.mu.RUnlock()
	if okSched && okLoc {
		return sched, loc, nil
	}

	if !okSched {
		parsed, err := Parse(rule)
		if err != nil {
			return nil, nil, err
		}
		sched = parsed
	}
	if !okLoc {
		if tz == "" {
			return nil, nil, fmt.Errorf("%w: empty zone name", ErrUnknownTimezone)
		}
		loaded, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %q: %v", ErrUnknownTimezone, tz, err)
		}
		loc = loaded
	}

	e.mu.Lock()
	e.schedules[rule] = sched
	e.locations[tz] = loc
	e.mu.Unlock()

	return sched, loc, nil
}
