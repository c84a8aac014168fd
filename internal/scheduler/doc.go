package scheduler

// Package scheduler decides which questionnaire a patient should be
// prompted to fill out on a given day.
//
// Decide is a pure function of a patient's completion history and an
// explicit "today" parameter. It performs no I/O, reads no clocks, and
// is safe for concurrent use. Everything stateful (resolving the
// history from storage, checking whether today's entry already exists)
// belongs to the caller.
