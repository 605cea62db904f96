package dispatcher

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/runstore"
	"github.com/transitsuite/tspjob/internal/schedule"
)

// SubmitOutcome is the Worker Pool's admission verdict for one run, fed
// back into the dispatcher's backpressure handling (spec.md §4.4e).
type SubmitOutcome string

const (
	SubmitAccepted            SubmitOutcome = "accepted"
	SubmitSkippedBackpressure SubmitOutcome = "skipped_backpressure"
	SubmitSkippedAdmission    SubmitOutcome = "skipped_admission"
)

// Pool is the surface of the Worker Pool the Dispatcher depends on. Both
// internal/worker.Pool and internal/temporalexec's pool implement it, so
// the dispatcher is agnostic to which execution engine is behind it.
type Pool interface {
	Submit(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord) SubmitOutcome
}

// RetryRequest is what the Worker Pool pushes back onto the Dispatcher's
// retry ingress when a run fails retryably (spec.md §4.4 step 4).
type RetryRequest struct {
	JobName      string
	Attempt      int
	ScheduledFor *time.Time
	Input        map[string]any
	ParentRunID  *string
	NotBefore    time.Time
}

// Registry is the lookup surface the Dispatcher needs from the Job
// Registry; kept minimal to avoid importing the registry package's
// mutation methods.
type Registry interface {
	List() []*domain.JobDefinition
	Lookup(name string) (*domain.JobDefinition, error)
}

// Dispatcher discovers due fires, binds inputs, acquires leases, and hands
// runs to the Worker Pool (spec.md §4.4).
type Dispatcher struct {
	reg      Registry
	resolver *schedule.Resolver
	store    runstore.Store
	pool     Pool
	log      *logger.Logger

	replicaID string

	heap        fireHeap
	ingress     chan *fireEntry
	retryCh     chan RetryRequest
	reload      chan struct{}
	stop        chan struct{}
	stopped     chan struct{}

	// fairness: consecutive dispatches at the current top priority tier
	// before the loop is required to service a lower tier if one is due.
	fairnessLimit int
	consecutive   int
	lastPriority  int
}

const defaultFairnessLimit = 8

func New(reg Registry, resolver *schedule.Resolver, store runstore.Store, pool Pool, baseLog *logger.Logger, replicaID string) *Dispatcher {
	return &Dispatcher{
		reg:           reg,
		resolver:      resolver,
		store:         store,
		pool:          pool,
		log:           baseLog.With("component", "dispatcher"),
		replicaID:     replicaID,
		ingress:       make(chan *fireEntry, 256),
		retryCh:       make(chan RetryRequest, 256),
		reload:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
		fairnessLimit: defaultFairnessLimit,
	}
}

// Trigger enqueues an ad-hoc run for jobName, per spec.md §4.2's
// "trigger(name, inputs)" and §4.6's child trigger path. It is valid for
// any schedule kind, including cron-scheduled jobs (spec.md's open
// question on cron+manual coexistence: any job is triggerable).
func (d *Dispatcher) Trigger(jobName string, input map[string]any, parentRunID *string) error {
	def, err := d.reg.Lookup(jobName)
	if err != nil {
		return err
	}
	select {
	case d.ingress <- &fireEntry{jobName: def.Name, fireAt: time.Now().UTC(), priority: def.Priority, attempt: 1, input: input, parentRunID: parentRunID}:
		return nil
	default:
		return domain.ErrUnknownJobf("dispatcher ingress full for job %q", jobName)
	}
}

// RequestRetry pushes a retry re-enqueue request onto the retry ingress
// (spec.md §4.4 step 4).
func (d *Dispatcher) RequestRetry(req RetryRequest) {
	select {
	case d.retryCh <- req:
	default:
		d.log.Warn("retry ingress full, dropping retry request", "job_name", req.JobName)
	}
}

// RequestReload asks the dispatcher to re-seed its heap from the
// registry's current catalog on its next wake.
func (d *Dispatcher) RequestReload() {
	select {
	case d.reload <- struct{}{}:
	default:
	}
}

// Run executes the dispatcher's single logical loop until ctx is
// cancelled (spec.md §5: "the dispatcher runs as a single logical loop
// per replica").
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.stopped)
	d.seed(time.Now().UTC())

	for {
		var timer *time.Timer
		if d.heap.Len() > 0 {
			wait := time.Until(d.heap[0].fireAt)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case entry := <-d.ingress:
			if timer != nil {
				timer.Stop()
			}
			heap.Push(&d.heap, entry)
		case req := <-d.retryCh:
			if timer != nil {
				timer.Stop()
			}
			d.enqueueRetry(req)
		case <-d.reload:
			if timer != nil {
				timer.Stop()
			}
			d.seed(time.Now().UTC())
		case <-timerC(timer):
		}

		d.dispatchDue(ctx, time.Now().UTC())
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// Stop requests the loop to exit and blocks until it has.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.stopped
}

// seed populates the heap with every fire of every schedule-driven job in
// the registry that its declared catch-up policy says is due now,
// honoring whatever fire it last enqueued before this replica started
// (spec.md §4.2, §4.4 step 1).
func (d *Dispatcher) seed(now time.Time) {
	ctx := context.Background()
	d.heap = d.heap[:0]
	for _, def := range d.reg.List() {
		// A job seen for the first time (no prior Run Record) has no
		// missed-fire window to catch up on: lastFireBefore=now collapses
		// every catch-up policy to "just the next fire from here".
		lastFireBefore := now
		runs, err := d.store.FindRuns(ctx, domain.RunFilter{JobName: def.Name}, 1)
		if err != nil {
			d.log.Warn("lookup of last known fire failed during seed", "job_name", def.Name, "error", err)
		} else if len(runs) > 0 {
			if f := runs[0].ScheduledFor; f != nil {
				lastFireBefore = *f
			} else {
				lastFireBefore = runs[0].EnqueuedAt
			}
		}

		fires, err := d.resolver.CatchUpAll(def.Schedule, lastFireBefore, now)
		if err != nil {
			d.log.Warn("schedule resolution failed during seed", "job_name", def.Name, "error", err)
			continue
		}
		for _, fire := range fires {
			heap.Push(&d.heap, &fireEntry{jobName: def.Name, fireAt: fire, priority: def.Priority, attempt: 1})
		}
	}
}

func (d *Dispatcher) enqueueRetry(req RetryRequest) {
	notBefore := req.NotBefore
	if notBefore.Before(time.Now().UTC()) {
		notBefore = time.Now().UTC()
	}
	def, err := d.reg.Lookup(req.JobName)
	priority := 0
	if err == nil {
		priority = def.Priority
	}
	heap.Push(&d.heap, &fireEntry{
		jobName:      req.JobName,
		fireAt:       notBefore,
		priority:     priority,
		attempt:      req.Attempt,
		scheduledFor: req.ScheduledFor,
		input:        req.Input,
		parentRunID:  req.ParentRunID,
	})
}

// dispatchDue services every entry now due, honoring the fairness rule:
// after fairnessLimit consecutive dispatches at one priority tier, at
// least one lower tier due entry (if any) must be serviced next
// (spec.md §4.4 "Fairness").
func (d *Dispatcher) dispatchDue(ctx context.Context, now time.Time) {
	for d.heap.Len() > 0 && !d.heap[0].fireAt.After(now) {
		entry := d.selectNextDue(now)
		if entry == nil {
			break
		}
		d.dispatchOne(ctx, entry, now)
	}
}

// selectNextDue pops the fairest due entry: normally the heap head, but
// if the fairness limit has been hit at the head's priority tier and a
// lower-priority entry is also due, that one is serviced instead.
func (d *Dispatcher) selectNextDue(now time.Time) *fireEntry {
	if d.heap.Len() == 0 || d.heap[0].fireAt.After(now) {
		return nil
	}
	head := d.heap[0]
	if d.consecutive < d.fairnessLimit || head.priority != d.lastPriority {
		if head.priority != d.lastPriority {
			d.consecutive = 0
		}
		d.consecutive++
		d.lastPriority = head.priority
		return heap.Pop(&d.heap).(*fireEntry)
	}

	// Fairness limit hit: look for a due entry at a strictly lower
	// priority than the current tier to service instead.
	dueIdx := -1
	for i, e := range d.heap {
		if e.fireAt.After(now) {
			continue
		}
		if e.priority < head.priority {
			if dueIdx == -1 || e.priority < d.heap[dueIdx].priority {
				dueIdx = i
			}
		}
	}
	if dueIdx == -1 {
		d.consecutive++
		d.lastPriority = head.priority
		return heap.Pop(&d.heap).(*fireEntry)
	}
	entry := d.heap[dueIdx]
	heap.Remove(&d.heap, dueIdx)
	d.consecutive = 1
	d.lastPriority = entry.priority
	return entry
}

func (d *Dispatcher) dispatchOne(ctx context.Context, entry *fireEntry, now time.Time) {
	def, err := d.reg.Lookup(entry.jobName)
	if err != nil {
		d.log.Warn("dispatch skipped: job no longer registered", "job_name", entry.jobName)
		return
	}

	runID := uuid.New()
	leaseKey := d.leaseKey(def, entry.input)

	if leaseKey != "" {
		outcome, err := d.store.TryAcquireLease(ctx, leaseKey, def.Timeout+leaseHeartbeatSlack, runID, d.replicaID)
		if err != nil {
			d.log.Warn("lease acquisition failed", "job_name", def.Name, "error", err)
			return
		}
		if !outcome.Acquired {
			d.log.Info("fire skipped: lease held", "job_name", def.Name, "held_by", outcome.HeldBy)
			d.scheduleNext(def, now)
			return
		}
	}

	status := domain.RunQueued
	if leaseKey != "" {
		status = domain.RunLeased
	}
	inputJSON, _ := json.Marshal(entry.input)
	var parentID *uuid.UUID
	if entry.parentRunID != nil {
		if parsed, err := uuid.Parse(*entry.parentRunID); err == nil {
			parentID = &parsed
		}
	}
	run := &domain.RunRecord{
		RunID:         runID,
		JobName:       def.Name,
		Attempt:       entry.attempt,
		ScheduledFor:  entry.scheduledFor,
		EnqueuedAt:    now,
		ReplicaID:     d.replicaID,
		Status:        status,
		InputSnapshot: inputJSON,
		ParentRunID:   parentID,
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		d.log.Warn("create_run failed", "job_name", def.Name, "error", err)
		if leaseKey != "" {
			_ = d.store.ReleaseLease(ctx, leaseKey, runID)
		}
		return
	}

	switch d.pool.Submit(ctx, def, run) {
	case SubmitAccepted:
		d.scheduleNext(def, now)
	case SubmitSkippedBackpressure, SubmitSkippedAdmission:
		d.log.Warn("submit rejected, releasing lease", "job_name", def.Name, "run_id", runID)
		if leaseKey != "" {
			_ = d.store.ReleaseLease(ctx, leaseKey, runID)
		}
		_ = d.store.UpdateRun(ctx, runID, map[string]any{"status": domain.RunCancelled})
		d.scheduleNext(def, now)
	}
}

const leaseHeartbeatSlack = 10 * time.Second

func (d *Dispatcher) scheduleNext(def *domain.JobDefinition, now time.Time) {
	if def.Schedule.Kind == domain.ScheduleManual || def.Schedule.Kind == domain.ScheduleEventDriven {
		return
	}
	next, ok, err := d.resolver.Next(def.Schedule, now)
	if err != nil || !ok {
		return
	}
	heap.Push(&d.heap, &fireEntry{jobName: def.Name, fireAt: next, priority: def.Priority, attempt: 1})
}

// leaseKey computes the lease key per the job's singleton policy
// (spec.md §4.4 step 3b): none -> no lease, per-job -> name, per-job-
// and-input-hash -> name + a stable hash of the bound inputs.
func (d *Dispatcher) leaseKey(def *domain.JobDefinition, input map[string]any) string {
	switch def.SingletonPolicy {
	case domain.SingletonPerJob:
		return def.Name
	case domain.SingletonPerJobAndInputHash:
		return def.Name + ":" + stableInputHash(input)
	default:
		return ""
	}
}

func stableInputHash(input map[string]any) string {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		b, _ := json.Marshal(input[k])
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
