package cron

import (
	"errors"
	"testing"
	"time"
)

// Test helpers

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q) unexpected error: %v", expr, err)
	}
	return s
}

func assertTimes(t *testing.T, expected, actual []time.Time) {
	t.Helper()
	if len(expected) != len(actual) {
		t.Fatalf("length mismatch: expected %d times, got %d (%v)", len(expected), len(actual), actual)
	}
	for i := range expected {
		if !expected[i].Equal(actual[i]) {
			t.Errorf("time[%d] mismatch: expected %v, got %v", i, expected[i], actual[i])
		}
	}
}

func makeTime(year, month, day, hour, minute int) time.Time {
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC)
}

// wall is a local calendar time: year, month, day, hour, minute
type wall [5]int

func (w wall) in(loc *time.Location) time.Time {
	return time.Date(w[0], time.Month(w[1]), w[2], w[3], w[4], 0, 0, loc)
}

// testZones are evaluated by every table case. None of the dates used
// below falls on a DST transition in any of them.
var testZones = []string{"America/New_York", "Asia/Kolkata", "Australia/Sydney"}

func setValues(set []bool) []int {
	out := []int{}
	for v, ok := range set {
		if ok {
			out = append(out, v)
		}
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Parsing
// =============================================================================

func TestParse_Fields(t *testing.T) {
	tests := []struct {
		expr    string
		minutes []int
		hours   []int
		dom     []int
		months  []int
		dow     []int
	}{
		{
			expr:    "*/15 9 1 1 1",
			minutes: []int{0, 15, 30, 45}, hours: []int{9}, dom: []int{1}, months: []int{1}, dow: []int{1},
		},
		{
			expr:    "0,30 9-11 * * 1-5",
			minutes: []int{0, 30}, hours: []int{9, 10, 11}, dom: expandRange(1, 31), months: expandRange(1, 12), dow: []int{1, 2, 3, 4, 5},
		},
		{
			expr:    "5 4 1,15 */3 *",
			minutes: []int{5}, hours: []int{4}, dom: []int{1, 15}, months: []int{1, 4, 7, 10}, dow: expandRange(0, 6),
		},
		{
			expr:    "10-50/20 0 * * *",
			minutes: []int{10, 30, 50}, hours: []int{0}, dom: expandRange(1, 31), months: expandRange(1, 12), dow: expandRange(0, 6),
		},
		{
			expr:    "0 12 * * 0,7",
			minutes: []int{0}, hours: []int{12}, dom: expandRange(1, 31), months: expandRange(1, 12), dow: []int{0},
		},
		{
			expr:    "0 0 1-3,2,10 * 5-7",
			minutes: []int{0}, hours: []int{0}, dom: []int{1, 2, 3, 10}, months: expandRange(1, 12), dow: []int{0, 5, 6},
		},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s := mustParse(t, tt.expr)
			if s.String() != tt.expr {
				t.Errorf("String() = %q", s.String())
			}
			if got := s.minuteList; !equalInts(got, tt.minutes) {
				t.Errorf("minutes = %v, want %v", got, tt.minutes)
			}
			if got := s.hours; !equalInts(got, tt.hours) {
				t.Errorf("hours = %v, want %v", got, tt.hours)
			}
			if got := setValues(s.daysOfMonth); !equalInts(got, tt.dom) {
				t.Errorf("days of month = %v, want %v", got, tt.dom)
			}
			if got := setValues(s.months); !equalInts(got, tt.months) {
				t.Errorf("months = %v, want %v", got, tt.months)
			}
			if got := setValues(s.daysOfWeek); !equalInts(got, tt.dow) {
				t.Errorf("days of week = %v, want %v", got, tt.dow)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"four fields", "0 9 * *"},
		{"six fields", "0 0 9 * * *"},
		{"minute out of range", "60 * * * *"},
		{"hour out of range", "0 24 * * *"},
		{"day of month zero", "0 0 0 * *"},
		{"month out of range", "0 0 1 13 *"},
		{"day of week out of range", "0 0 * * 8"},
		{"zero step", "*/0 * * * *"},
		{"non-numeric step", "*/x * * * *"},
		{"step without range", "1/2 * * * *"},
		{"open range", "1- * * * *"},
		{"reversed range", "0 17-9 * * *"},
		{"empty list item", "1,,2 * * * *"},
		{"letters", "a * * * *"},
		{"february 30", "0 0 30 2 *"},
		{"31st of short months", "0 0 31 4,6,9,11 *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.expr)
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Errorf("expected ErrInvalidRule, got %v", err)
			}
		})
	}
}

func TestParse_PossibleInSomeMonth(t *testing.T) {
	for _, expr := range []string{"0 0 29 2 *", "0 0 31 1,4 *", "0 0 30 2,3 *"} {
		if _, err := Parse(expr); err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", expr, err)
		}
	}
}

// =============================================================================
// Next occurrences in named zones
// =============================================================================

func TestNextAfter_InZones(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		after wall
		want  []wall
	}{
		{"every minute is strictly after", "* * * * *", wall{2024, 6, 10, 10, 30},
			[]wall{{2024, 6, 10, 10, 31}, {2024, 6, 10, 10, 32}, {2024, 6, 10, 10, 33}}},
		{"top of the hour", "0 * * * *", wall{2024, 6, 10, 10, 30},
			[]wall{{2024, 6, 10, 11, 0}, {2024, 6, 10, 12, 0}}},
		{"daily later today", "30 9 * * *", wall{2024, 6, 10, 9, 0},
			[]wall{{2024, 6, 10, 9, 30}, {2024, 6, 11, 9, 30}}},
		{"daily from the scheduled minute", "30 9 * * *", wall{2024, 6, 10, 9, 30},
			[]wall{{2024, 6, 11, 9, 30}}},
		{"weekdays skip the weekend", "0 9 * * 1-5", wall{2024, 6, 14, 10, 0},
			[]wall{{2024, 6, 17, 9, 0}, {2024, 6, 18, 9, 0}}},
		{"sunday as 7", "0 8 * * 7", wall{2024, 6, 10, 0, 0},
			[]wall{{2024, 6, 16, 8, 0}, {2024, 6, 23, 8, 0}}},
		{"first of the month", "0 0 1 * *", wall{2024, 6, 15, 12, 0},
			[]wall{{2024, 7, 1, 0, 0}, {2024, 8, 1, 0, 0}}},
		{"new year", "0 0 1 1 *", wall{2024, 12, 31, 23, 59},
			[]wall{{2025, 1, 1, 0, 0}}},
		{"31st skips short months", "0 12 31 * *", wall{2024, 6, 1, 0, 0},
			[]wall{{2024, 7, 31, 12, 0}, {2024, 8, 31, 12, 0}, {2024, 10, 31, 12, 0}}},
		{"leap day", "0 0 29 2 *", wall{2024, 3, 1, 0, 0},
			[]wall{{2028, 2, 29, 0, 0}}},
		{"day of month or day of week", "0 0 15 * 5", wall{2024, 6, 1, 0, 0},
			[]wall{{2024, 6, 7, 0, 0}, {2024, 6, 14, 0, 0}, {2024, 6, 15, 0, 0}, {2024, 6, 21, 0, 0}}},
		{"day of month only", "0 0 10,20 * *", wall{2024, 6, 15, 0, 0},
			[]wall{{2024, 6, 20, 0, 0}, {2024, 7, 10, 0, 0}}},
		{"unaligned step", "7-59/15 * * * *", wall{2024, 6, 10, 10, 30},
			[]wall{{2024, 6, 10, 10, 37}, {2024, 6, 10, 10, 52}, {2024, 6, 10, 11, 7}}},
		{"midnight rollover", "0 0 * * *", wall{2024, 6, 10, 23, 59},
			[]wall{{2024, 6, 11, 0, 0}}},
	}

	for _, zone := range testZones {
		loc := mustLoad(t, zone)
		e := NewEvaluator(time.Hour)

		for _, tt := range tests {
			t.Run(zone+"/"+tt.name, func(t *testing.T) {
				s := mustParse(t, tt.expr)
				after := tt.after.in(loc)

				want := make([]time.Time, len(tt.want))
				for i, w := range tt.want {
					want[i] = w.in(loc)
				}
				assertTimes(t, want, s.Next(after, len(want)))

				// The same instant seen from UTC must give the same answer
				// through the evaluator, which resolves the zone by name.
				next, err := e.NextDue(tt.expr, zone, after.UTC())
				if err != nil {
					t.Fatalf("NextDue failed: %v", err)
				}
				if !next.Equal(want[0]) {
					t.Errorf("NextDue = %v, want %v", next.In(loc), want[0])
				}
			})
		}
	}
}

func TestNextAfter_ZoneDecidesInstant(t *testing.T) {
	kolkata := mustLoad(t, "Asia/Kolkata")
	s := mustParse(t, "0 9 * * *")
	after := makeTime(2024, 6, 10, 0, 0)

	inUTC := s.NextAfter(after)
	inKolkata := s.NextAfter(after.In(kolkata))

	if !inUTC.Equal(makeTime(2024, 6, 10, 9, 0)) {
		t.Errorf("expected 09:00 UTC, got %v", inUTC)
	}
	if !inKolkata.Equal(makeTime(2024, 6, 10, 3, 30)) {
		t.Errorf("expected 09:00 IST (03:30 UTC), got %v", inKolkata.UTC())
	}
}

func TestNextAfter_SecondsAreIgnored(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	s := mustParse(t, "*/5 * * * *")

	got := s.NextAfter(time.Date(2024, 6, 10, 10, 4, 59, 999, ny))
	if want := time.Date(2024, 6, 10, 10, 5, 0, 0, ny); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestNext_LeapDayWithinHorizon(t *testing.T) {
	sydney := mustLoad(t, "Australia/Sydney")
	s := mustParse(t, "0 0 29 2 *")
	after := time.Date(2024, 3, 1, 0, 0, 0, 0, sydney)

	expected := []time.Time{
		time.Date(2028, 2, 29, 0, 0, 0, 0, sydney),
		time.Date(2032, 2, 29, 0, 0, 0, 0, sydney),
	}
	assertTimes(t, expected, s.Next(after, 2))

	if got := s.Next(after, 0); len(got) != 0 {
		t.Errorf("expected no results for count 0, got %v", got)
	}
}

// =============================================================================
// Between in named zones
// =============================================================================

func TestBetween_WeekdaysOverTwoWeeks(t *testing.T) {
	for _, zone := range testZones {
		t.Run(zone, func(t *testing.T) {
			loc := mustLoad(t, zone)
			s := mustParse(t, "0 9 * * 1-5")

			got := s.Between(wall{2024, 6, 3, 0, 0}.in(loc), wall{2024, 6, 17, 0, 0}.in(loc))
			if len(got) != 10 {
				t.Fatalf("expected 10 weekday mornings, got %d", len(got))
			}
			for _, occ := range got {
				local := occ.In(loc)
				if local.Hour() != 9 || local.Minute() != 0 {
					t.Errorf("expected 09:00 local, got %v", local)
				}
				if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
					t.Errorf("unexpected weekend occurrence %v", local)
				}
			}
		})
	}
}

func TestBetween_StartInclusiveEndExclusive(t *testing.T) {
	sydney := mustLoad(t, "Australia/Sydney")
	s := mustParse(t, "0 9 * * *")

	start := time.Date(2024, 6, 10, 9, 0, 30, 0, sydney) // truncated to 09:00
	end := time.Date(2024, 6, 12, 9, 0, 0, 0, sydney)

	expected := []time.Time{
		time.Date(2024, 6, 10, 9, 0, 0, 0, sydney),
		time.Date(2024, 6, 11, 9, 0, 0, 0, sydney),
	}
	assertTimes(t, expected, s.Between(start, end))
}

func TestBetween_Empty(t *testing.T) {
	ny := mustLoad(t, "America/New_York")

	tests := []struct {
		name       string
		expr       string
		start, end time.Time
	}{
		{"start after end", "* * * * *", time.Date(2024, 6, 10, 11, 0, 0, 0, ny), time.Date(2024, 6, 10, 10, 0, 0, 0, ny)},
		{"start equals end", "* * * * *", time.Date(2024, 6, 10, 10, 0, 0, 0, ny), time.Date(2024, 6, 10, 10, 0, 0, 0, ny)},
		{"no leap day in 2025", "0 0 29 2 *", time.Date(2025, 1, 1, 0, 0, 0, 0, ny), time.Date(2026, 1, 1, 0, 0, 0, 0, ny)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mustParse(t, tt.expr).Between(tt.start, tt.end); len(got) != 0 {
				t.Errorf("expected no occurrences, got %v", got)
			}
		})
	}
}

func TestMatches_UsesTheTimesOwnZone(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	s := mustParse(t, "0 9 * * 2")

	tuesday9am := time.Date(2024, 6, 11, 9, 0, 0, 0, ny)
	if !s.Matches(tuesday9am) {
		t.Error("expected Tuesday 09:00 New York to match")
	}
	if s.Matches(tuesday9am.UTC()) {
		t.Error("expected the same instant at 13:00 UTC not to match")
	}
}
