package domain

import "time"

// ScheduleKind is the closed set of ways a job's fire times can be produced.
type ScheduleKind string

const (
	ScheduleCron         ScheduleKind = "cron"
	ScheduleInterval     ScheduleKind = "interval"
	ScheduleOneShot      ScheduleKind = "one_shot"
	ScheduleManual       ScheduleKind = "manual"
	ScheduleEventDriven  ScheduleKind = "event_driven"
)

// CatchUpPolicy controls how the resolver behaves when the process was down
// across one or more scheduled fire times.
type CatchUpPolicy string

const (
	CatchUpSkip     CatchUpPolicy = "skip"      // only the next fire time from now matters
	CatchUpFireOnce CatchUpPolicy = "fire_once" // collapse every missed fire into a single run
	CatchUpFireAll  CatchUpPolicy = "fire_all"  // enqueue one run per missed fire time
)

// Schedule describes how a job's due times are produced. Exactly one of the
// kind-specific fields is meaningful for a given Kind; the others are zero.
type Schedule struct {
	Kind ScheduleKind

	// ScheduleCron: a standard 5-field cron expression with an optional
	// leading seconds field, optionally suffixed with "@ZONE" (e.g. "0 9 * * * @America/Chicago"). No suffix means UTC.
	CronExpr string

	// ScheduleInterval: fire every Every, phase-aligned to AnchoredAt (the
	// Unix epoch if zero).
	Every      time.Duration
	AnchoredAt time.Time

	// ScheduleOneShot: fire exactly once, at FireAt.
	FireAt time.Time

	CatchUp CatchUpPolicy
}

// Triggerable reports whether schedule.Kind permits ad-hoc trigger() calls
// in addition to (or instead of) its own fire times. Every kind is
// triggerable; a cron-scheduled job may also be triggered manually.
func (s Schedule) Triggerable() bool { return true }
