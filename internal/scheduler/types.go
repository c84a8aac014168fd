package scheduler

import "time"

// Kind is a questionnaire category with its own cadence.
type Kind string

const (
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
	KindEQ5D5L  Kind = "eq5d5l"
)

// Valid reports whether k is one of the known questionnaire kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDaily, KindWeekly, KindMonthly, KindEQ5D5L:
		return true
	}
	return false
}

// priority orders kinds for same-day tie-breaks. Clinically mandatory
// instruments come before the daily check-in.
func (k Kind) priority() int {
	switch k {
	case KindEQ5D5L:
		return 0
	case KindWeekly:
		return 1
	case KindMonthly:
		return 2
	default:
		return 3
	}
}

// Timeline is one patient's completion history as of "now".
//
// All dates are calendar dates (time-of-day is ignored). The Last*
// fields are watermarks: the most recent entry date per kind, nil if
// the kind was never completed. EQ5D5L holds every EQ-5D-5L entry date
// because milestone scheduling needs membership checks against whole
// windows, not just the latest completion.
type Timeline struct {
	Enrolled time.Time

	LastDaily   *time.Time
	LastWeekly  *time.Time
	LastMonthly *time.Time
	LastEQ5D5L  *time.Time

	EQ5D5L []time.Time
}

// candidate is one cadence's claim on today. Built and discarded
// within a single Decide call.
type candidate struct {
	kind   Kind
	due    time.Time
	reason string
}

// Decision is the single recommendation for a (Timeline, today) pair.
//
// AlreadyFilledToday is left false by Decide; the caller merges it in
// after checking storage for an entry of the selected kind dated
// today.
type Decision struct {
	Kind               Kind
	Due                time.Time
	Reason             string
	AlreadyFilledToday bool
}
