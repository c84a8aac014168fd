package scheduler

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(t time.Time) *time.Time { return &t }

func TestDecideDeterministic(t *testing.T) {
	t.Parallel()
	enrolled := date(2024, 1, 1)
	tl := Timeline{
		Enrolled:    enrolled,
		LastWeekly:  datePtr(enrolled.AddDate(0, 0, 7)),
		LastMonthly: datePtr(enrolled),
		LastDaily:   datePtr(enrolled.AddDate(0, 0, 9)),
		EQ5D5L:      []time.Time{enrolled.AddDate(0, 0, 14)},
	}
	today := enrolled.AddDate(0, 0, 10)

	first := Decide(tl, today)
	for i := 0; i < 5; i++ {
		if got := Decide(tl, today); got != first {
			t.Fatalf("Decide not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestDecideAlwaysOneKind(t *testing.T) {
	t.Parallel()
	enrolled := date(2024, 1, 1)
	tl := Timeline{Enrolled: enrolled}
	for day := -10; day <= 400; day++ {
		got := Decide(tl, enrolled.AddDate(0, 0, day))
		if !got.Kind.Valid() {
			t.Fatalf("day %d: invalid kind %q", day, got.Kind)
		}
		if got.Reason == "" {
			t.Fatalf("day %d: empty reason", day)
		}
	}
}

func TestEQ5D5LMilestoneWindow(t *testing.T) {
	t.Parallel()
	enrolled := date(2024, 1, 1)
	// Quiesce the recurring cadences so the milestone is observable:
	// weekly/monthly not yet due again, daily due today (lower
	// priority than EQ-5D-5L on the same date).
	tl := Timeline{
		Enrolled:    enrolled,
		LastWeekly:  datePtr(date(2024, 1, 14)),
		LastMonthly: datePtr(date(2024, 1, 10)),
		LastDaily:   datePtr(date(2024, 1, 14)),
	}

	got := Decide(tl, date(2024, 1, 15))
	if got.Kind != KindEQ5D5L {
		t.Fatalf("Kind = %s, want %s (%+v)", got.Kind, KindEQ5D5L, got)
	}
	if !got.Due.Equal(date(2024, 1, 15)) {
		t.Fatalf("Due = %s, want 2024-01-15", got.Due.Format(time.DateOnly))
	}
	if got.Reason != "EQ-5D-5L milestone at 14 days (due)" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}

func TestEQ5D5LWindowOpensEarly(t *testing.T) {
	t.Parallel()
	enrolled := date(2024, 1, 1)
	tl := Timeline{
		Enrolled:    enrolled,
		LastWeekly:  datePtr(date(2024, 1, 8)),
		LastMonthly: datePtr(date(2024, 1, 8)),
		LastDaily:   datePtr(date(2024, 1, 12)),
	}

	// Day 11 is three days before the 14-day milestone: window open,
	// milestone itself not yet reached.
	got := Decide(tl, date(2024, 1, 12))
	if got.Kind != KindEQ5D5L {
		t.Fatalf("Kind = %s, want %s (%+v)", got.Kind, KindEQ5D5L, got)
	}
	if got.Reason != "EQ-5D-5L milestone at 14 days (upcoming)" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}

func TestEQ5D5LFilledWindowSuppressed(t *testing.T) {
	t.Parallel()
	enrolled := date(2024, 1, 1)
	tl := Timeline{
		Enrolled:    enrolled,
		LastWeekly:  datePtr(date(2024, 1, 14)),
		LastMonthly: datePtr(date(2024, 1, 10)),
		LastDaily:   datePtr(date(2024, 1, 14)),
		LastEQ5D5L:  datePtr(date(2024, 1, 12)),
		EQ5D5L:      []time.Time{date(2024, 1, 12)},
	}

	got := Decide(tl, date(2024, 1, 15))
	if got.Kind == KindEQ5D5L {
		t.Fatalf("milestone already filled within window, got %+v", got)
	}
}

func TestMilestoneExclusivity(t *testing.T) {
	t.Parallel()
	enrolled := date(2024, 1, 1)
	// Day 30: both the 14-day window (open since day 11) and the
	// 30-day window (open since day 27) are unfilled. Only the
	// earliest milestone may surface.
	tl := Timeline{
		Enrolled:    enrolled,
		LastWeekly:  datePtr(enrolled.AddDate(0, 0, 29)),
		LastMonthly: datePtr(enrolled.AddDate(0, 0, 10)),
		LastDaily:   datePtr(enrolled.AddDate(0, 0, 29)),
	}

	got := Decide(tl, enrolled.AddDate(0, 0, 30))
	if got.Kind != KindEQ5D5L {
		t.Fatalf("Kind = %s, want %s", got.Kind, KindEQ5D5L)
	}
	if want := enrolled.AddDate(0, 0, 14); !got.Due.Equal(want) {
		t.Fatalf("Due = %s, want earliest milestone %s",
			got.Due.Format(time.DateOnly), want.Format(time.DateOnly))
	}

	// Filling the 14-day window moves the candidate to the 30-day
	// milestone.
	tl.EQ5D5L = []time.Time{enrolled.AddDate(0, 0, 15)}
	got = Decide(tl, enrolled.AddDate(0, 0, 30))
	if got.Kind != KindEQ5D5L {
		t.Fatalf("Kind = %s, want %s", got.Kind, KindEQ5D5L)
	}
	if want := enrolled.AddDate(0, 0, 30); !got.Due.Equal(want) {
		t.Fatalf("Due = %s, want next milestone %s",
			got.Due.Format(time.DateOnly), want.Format(time.DateOnly))
	}
}

func TestBacklogOrdering(t *testing.T) {
	t.Parallel()
	d := date(2024, 3, 1)
	tl := Timeline{
		Enrolled:    d,
		LastWeekly:  datePtr(d),
		LastMonthly: datePtr(d),
		LastDaily:   datePtr(d.AddDate(0, 0, 6)),
		LastEQ5D5L:  datePtr(d.AddDate(0, 0, 11)),
		EQ5D5L:      []time.Time{d.AddDate(0, 0, 11)},
	}

	got := Decide(tl, d.AddDate(0, 0, 7))
	if got.Kind != KindWeekly {
		t.Fatalf("day 7: Kind = %s, want %s (%+v)", got.Kind, KindWeekly, got)
	}
	if want := d.AddDate(0, 0, 7); !got.Due.Equal(want) {
		t.Fatalf("day 7: Due = %s, want %s", got.Due.Format(time.DateOnly), want.Format(time.DateOnly))
	}

	// Simulate the fill: weekly must not re-trigger until day 14.
	tl.LastWeekly = datePtr(d.AddDate(0, 0, 7))
	for day := 8; day < 14; day++ {
		tl.LastDaily = datePtr(d.AddDate(0, 0, day-1))
		got := Decide(tl, d.AddDate(0, 0, day))
		if got.Kind == KindWeekly {
			t.Fatalf("day %d: weekly re-triggered before day 14", day)
		}
	}
	tl.LastDaily = datePtr(d.AddDate(0, 0, 13))
	got = Decide(tl, d.AddDate(0, 0, 14))
	if got.Kind != KindWeekly {
		t.Fatalf("day 14: Kind = %s, want %s", got.Kind, KindWeekly)
	}
}

func TestEarliestDueWinsAcrossKinds(t *testing.T) {
	t.Parallel()
	d := date(2024, 3, 1)
	// Weekly missed since day 7, monthly missed since day 28. At day
	// 35 the weekly backlog (due day 7) predates the monthly one.
	tl := Timeline{
		Enrolled:    d,
		LastWeekly:  datePtr(d),
		LastMonthly: datePtr(d),
		LastDaily:   datePtr(d.AddDate(0, 0, 34)),
		EQ5D5L:      []time.Time{d.AddDate(0, 0, 14), d.AddDate(0, 0, 30)},
	}

	got := Decide(tl, d.AddDate(0, 0, 35))
	if got.Kind != KindWeekly {
		t.Fatalf("Kind = %s, want %s (%+v)", got.Kind, KindWeekly, got)
	}
	if want := d.AddDate(0, 0, 7); !got.Due.Equal(want) {
		t.Fatalf("Due = %s, want earliest missed date %s",
			got.Due.Format(time.DateOnly), want.Format(time.DateOnly))
	}
}

func TestTieBreakPriority(t *testing.T) {
	t.Parallel()
	d := date(2024, 3, 1)
	// Weekly and monthly both come due exactly on day 28.
	tl := Timeline{
		Enrolled:    d,
		LastWeekly:  datePtr(d.AddDate(0, 0, 21)),
		LastMonthly: datePtr(d),
		LastDaily:   datePtr(d.AddDate(0, 0, 27)),
		EQ5D5L:      []time.Time{d.AddDate(0, 0, 14)},
	}

	got := Decide(tl, d.AddDate(0, 0, 28))
	if got.Kind != KindWeekly {
		t.Fatalf("Kind = %s, want %s (weekly outranks monthly on equal due dates)", got.Kind, KindWeekly)
	}

	// With weekly satisfied, monthly outranks daily on the same date.
	tl.LastWeekly = datePtr(d.AddDate(0, 0, 28))
	tl.EQ5D5L = append(tl.EQ5D5L, d.AddDate(0, 0, 29))
	got = Decide(tl, d.AddDate(0, 0, 29))
	if got.Kind != KindMonthly {
		t.Fatalf("Kind = %s, want %s (%+v)", got.Kind, KindMonthly, got)
	}
}

func TestFallbackDaily(t *testing.T) {
	t.Parallel()
	d := date(2024, 3, 1)
	tl := Timeline{
		Enrolled:    d,
		LastWeekly:  datePtr(d.AddDate(0, 0, 7)),
		LastMonthly: datePtr(d.AddDate(0, 0, 5)),
		LastDaily:   datePtr(d.AddDate(0, 0, 9)),
	}

	// Day 10: weekly due day 14, monthly due day 33, first milestone
	// window opens day 11. Only the daily check-in remains.
	got := Decide(tl, d.AddDate(0, 0, 10))
	if got.Kind != KindDaily {
		t.Fatalf("Kind = %s, want %s (%+v)", got.Kind, KindDaily, got)
	}
	if !got.Due.Equal(d.AddDate(0, 0, 10)) {
		t.Fatalf("Due = %s, want today", got.Due.Format(time.DateOnly))
	}
}

func TestTodayBeforeEnrollment(t *testing.T) {
	t.Parallel()
	d := date(2024, 3, 10)
	tl := Timeline{Enrolled: d}

	got := Decide(tl, d.AddDate(0, 0, -5))
	if got.Kind != KindDaily {
		t.Fatalf("Kind = %s, want defensive %s", got.Kind, KindDaily)
	}
	if !got.Due.Equal(d.AddDate(0, 0, -5)) {
		t.Fatalf("Due = %s, want today", got.Due.Format(time.DateOnly))
	}
}

func TestDateHelpersIgnoreTimeOfDay(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("plus3", 3*60*60)
	a := time.Date(2024, 1, 1, 23, 50, 0, 0, loc)
	b := time.Date(2024, 1, 8, 0, 10, 0, 0, loc)

	if got := DaysBetween(a, b); got != 7 {
		t.Fatalf("DaysBetween = %d, want 7", got)
	}
	if got := DateOf(a); !got.Equal(date(2024, 1, 1)) {
		t.Fatalf("DateOf = %s, want 2024-01-01", got)
	}
}
