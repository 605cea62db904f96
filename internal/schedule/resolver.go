package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/transitsuite/tspjob/internal/domain"
)

/*
Resolver produces, for each scheduled job, the next fire instant at or
after a reference time, honoring a named time zone including DST
transitions (spec.md §4.2).

A Resolver holds no job-specific state (cron expressions are parsed on
every call); next() is a pure function of the Schedule and the zone database, as the
spec requires.
*/
type Resolver struct {
	parser cron.Parser
}

// New constructs a Resolver using the standard 5-field cron grammar
// (minute hour dom month dow) with an optional leading seconds field; a
// 5-field expression fires at second 0.
func New() *Resolver {
	return &Resolver{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Next returns the next fire instant for sched at or after after, or
// (zero, false) for schedules that never produce fire times on their own
// (manual, event-driven) or whose one-shot instant has already passed.
func (r *Resolver) Next(sched domain.Schedule, after time.Time) (time.Time, bool, error) {
	switch sched.Kind {
	case domain.ScheduleManual, domain.ScheduleEventDriven:
		return time.Time{}, false, nil

	case domain.ScheduleOneShot:
		if sched.FireAt.After(after) {
			return sched.FireAt, true, nil
		}
		return time.Time{}, false, nil

	case domain.ScheduleInterval:
		return r.nextInterval(sched, after), true, nil

	case domain.ScheduleCron:
		return r.nextCron(sched, after)

	default:
		return time.Time{}, false, fmt.Errorf("schedule: unknown kind %q", sched.Kind)
	}
}

// nextInterval computes the next fire time from an epoch anchor so that
// replicas restarting at different instants still agree on the phase,
// per spec.md §4.2 ("computed from an epoch anchor to keep replicas
// aligned without drift across process restarts").
func (r *Resolver) nextInterval(sched domain.Schedule, after time.Time) time.Time {
	anchor := sched.AnchoredAt
	if anchor.IsZero() {
		anchor = time.Unix(0, 0).UTC()
	}
	every := sched.Every
	if every <= 0 {
		every = time.Second
	}
	elapsed := after.Sub(anchor)
	if elapsed < 0 {
		return anchor
	}
	ticks := elapsed/every + 1
	return anchor.Add(ticks * every)
}

// nextCron splits an optional "@Zone" suffix off the cron expression
// before handing the remainder to the cron parser, then converts the
// computed instant back out of that zone into absolute time. A bare
// expression with no suffix is UTC, matching spec.md §4.2's note that
// "fire at UTC 00:00" with no zone annotation is a plain UTC cron.
func (r *Resolver) nextCron(sched domain.Schedule, after time.Time) (time.Time, bool, error) {
	expr, loc, err := splitZone(sched.CronExpr)
	if err != nil {
		return time.Time{}, false, err
	}
	schedule, err := r.parser.Parse(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("schedule: invalid cron expr %q: %w", sched.CronExpr, err)
	}
	localAfter := after.In(loc)
	next := schedule.Next(localAfter)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.In(time.UTC), true, nil
}

func splitZone(expr string) (string, *time.Location, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("schedule: empty cron expression")
	}
	last := fields[len(fields)-1]
	if strings.HasPrefix(last, "@") && len(fields) > 1 {
		zoneName := strings.TrimPrefix(last, "@")
		loc, err := time.LoadLocation(zoneName)
		if err != nil {
			return "", nil, fmt.Errorf("schedule: unknown zone %q: %w", zoneName, err)
		}
		return strings.Join(fields[:len(fields)-1], " "), loc, nil
	}
	return expr, time.UTC, nil
}

// Iterate returns every fire instant of sched in [from, until), for
// simulation tooling. It is never used by the Dispatcher's hot path
// (spec.md §4.2).
func (r *Resolver) Iterate(sched domain.Schedule, from, until time.Time) ([]time.Time, error) {
	var out []time.Time
	// Next is strictly after its reference, so start just before from
	// to include a fire at from itself.
	cursor := from.Add(-time.Nanosecond)
	for {
		next, ok, err := r.Next(sched, cursor)
		if err != nil {
			return nil, err
		}
		if !ok || !next.Before(until) {
			return out, nil
		}
		out = append(out, next)
		cursor = next
	}
}

// CatchUp resolves the single fire time the Dispatcher should enqueue on
// startup given a job's last-known fire and the catch-up policy
// (spec.md §4.2: default fire_once collapses every missed fire into the
// latest one; skip only looks at the next fire from now). fire_all is
// rejected with an error here; CatchUpAll returns the whole missed set.
func (r *Resolver) CatchUp(sched domain.Schedule, lastFireBefore time.Time, now time.Time) (time.Time, bool, error) {
	policy := sched.CatchUp
	if policy == "" {
		policy = domain.CatchUpFireOnce
	}
	switch policy {
	case domain.CatchUpSkip:
		return r.Next(sched, now)
	case domain.CatchUpFireOnce:
		missed, err := r.Iterate(sched, lastFireBefore.Add(time.Nanosecond), now)
		if err != nil {
			return time.Time{}, false, err
		}
		if len(missed) > 0 {
			return missed[len(missed)-1], true, nil
		}
		return r.Next(sched, now)
	case domain.CatchUpFireAll:
		return time.Time{}, false, fmt.Errorf("schedule: fire_all catch-up yields more than one fire, use CatchUpAll")
	default:
		return time.Time{}, false, fmt.Errorf("schedule: unknown catch-up policy %q", policy)
	}
}

// CatchUpAll resolves every fire the Dispatcher should enqueue on startup
// given a job's last-known fire and its catch-up policy: skip and
// fire_once each yield at most a single fire (matching CatchUp), while
// fire_all enumerates every missed fire in (lastFireBefore, now] so the
// caller can enqueue one run per missed instant (spec.md §4.2).
func (r *Resolver) CatchUpAll(sched domain.Schedule, lastFireBefore, now time.Time) ([]time.Time, error) {
	policy := sched.CatchUp
	if policy == "" {
		policy = domain.CatchUpFireOnce
	}
	if policy != domain.CatchUpFireAll {
		fire, ok, err := r.CatchUp(sched, lastFireBefore, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []time.Time{fire}, nil
	}

	missed, err := r.Iterate(sched, lastFireBefore.Add(time.Nanosecond), now.Add(time.Nanosecond))
	if err != nil {
		return nil, err
	}
	if len(missed) > 0 {
		return missed, nil
	}
	next, ok, err := r.Next(sched, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return []time.Time{next}, nil
}
