package scheduler

import (
	"fmt"
	"sort"
	"time"
)

// EQ-5D-5L milestones: day offsets from enrollment at which the
// instrument becomes due (2 weeks, 1 month, 3 months, 6 months, 1
// year).
var eq5d5lMilestones = []int{14, 30, 90, 180, 365}

const (
	// A milestone's window opens this many days before the milestone
	// date and closes this many days after it.
	milestoneLead = 3
	milestoneTail = 7
)

const (
	weeklyInterval  = 7
	monthlyInterval = 28
)

// DateOf truncates t to its calendar date (UTC midnight).
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole-day difference to − from.
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

// Decide computes the single questionnaire recommendation for today.
//
// Candidates are collected per cadence, sorted by (due date, kind
// priority) and the first one wins. An empty candidate set falls back
// to a daily check-in due today; that branch also absorbs a today
// before enrollment, so Decide is total over its inputs.
func Decide(tl Timeline, today time.Time) Decision {
	today = DateOf(today)
	enrolled := DateOf(tl.Enrolled)

	var cands []candidate
	if c, ok := eq5d5lCandidate(tl, enrolled, today); ok {
		cands = append(cands, c)
	}
	if c, ok := intervalCandidate(KindWeekly, enrolled, tl.LastWeekly, weeklyInterval, today); ok {
		cands = append(cands, c)
	}
	if c, ok := intervalCandidate(KindMonthly, enrolled, tl.LastMonthly, monthlyInterval, today); ok {
		cands = append(cands, c)
	}
	if c, ok := intervalCandidate(KindDaily, enrolled, tl.LastDaily, 1, today); ok {
		cands = append(cands, c)
	}

	if len(cands) == 0 {
		return Decision{
			Kind:   KindDaily,
			Due:    today,
			Reason: "Daily questionnaire available",
		}
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if !cands[i].due.Equal(cands[j].due) {
			return cands[i].due.Before(cands[j].due)
		}
		return cands[i].kind.priority() < cands[j].kind.priority()
	})

	best := cands[0]
	return Decision{Kind: best.kind, Due: best.due, Reason: best.reason}
}

// eq5d5lCandidate emits the first milestone whose window has opened
// and holds no completion. Later open milestones are ignored until the
// earlier one is resolved.
func eq5d5lCandidate(tl Timeline, enrolled, today time.Time) (candidate, bool) {
	daysSince := DaysBetween(enrolled, today)

	for _, milestoneDays := range eq5d5lMilestones {
		milestone := enrolled.AddDate(0, 0, milestoneDays)
		windowStart := milestone.AddDate(0, 0, -milestoneLead)
		windowEnd := milestone.AddDate(0, 0, milestoneTail)

		if today.Before(windowStart) || daysSince < milestoneDays-milestoneLead {
			continue
		}
		if anyWithin(tl.EQ5D5L, windowStart, windowEnd) {
			continue
		}

		status := "upcoming"
		if daysSince >= milestoneDays {
			status = "due"
		}
		return candidate{
			kind:   KindEQ5D5L,
			due:    milestone,
			reason: fmt.Sprintf("EQ-5D-5L milestone at %d days (%s)", milestoneDays, status),
		}, true
	}
	return candidate{}, false
}

// intervalCandidate handles the recurring cadences: due at enrollment
// when never completed, otherwise at last completion plus the
// interval.
func intervalCandidate(kind Kind, enrolled time.Time, last *time.Time, intervalDays int, today time.Time) (candidate, bool) {
	var due time.Time
	var reason string

	if last == nil {
		due = enrolled
		reason = firstReason(kind)
	} else {
		due = DateOf(*last).AddDate(0, 0, intervalDays)
		reason = dueReason(kind)
	}

	if today.Before(due) {
		return candidate{}, false
	}
	return candidate{kind: kind, due: due, reason: reason}, true
}

func anyWithin(dates []time.Time, start, end time.Time) bool {
	for _, d := range dates {
		d = DateOf(d)
		if !d.Before(start) && !d.After(end) {
			return true
		}
	}
	return false
}

func firstReason(kind Kind) string {
	switch kind {
	case KindWeekly:
		return "First weekly questionnaire"
	case KindMonthly:
		return "First monthly questionnaire"
	default:
		return "First daily questionnaire"
	}
}

func dueReason(kind Kind) string {
	switch kind {
	case KindWeekly:
		return "Weekly questionnaire due (7 days passed)"
	case KindMonthly:
		return "Monthly questionnaire due (28+ days passed)"
	default:
		return "Daily questionnaire available"
	}
}
