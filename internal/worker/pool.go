package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transitsuite/tspjob/internal/dispatcher"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/execctx"
	"github.com/transitsuite/tspjob/internal/observability"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/runstore"
)

/*
Pool is the in-process Worker Pool & Execution Engine (spec.md §4.5). It
keeps the teacher's worker shape — heartbeat goroutine per run, panic
recovery converting to a classified failure, a safety net when a handler
returns an error without calling Fail — but replaces the teacher's single
DB-poll claim loop with an ingress queue the Dispatcher pushes onto, plus
a per-job admission-controlled slot pool so a single replica can host
many jobs at differing max_concurrent.
*/
type Pool struct {
	slots     int
	queueCap  int
	admitWait time.Duration

	store runstore.Store
	log   *logger.Logger
	clock func() time.Time

	replicaID string

	ingress chan submission
	sem     chan struct{} // W global slots

	jobSemMu sync.Mutex
	jobSem   map[string]chan struct{}

	retry   RetryRequester
	alerts  observability.AlertSink
	metrics observability.MetricsSink

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// RetryRequester is the dispatcher surface the pool needs to re-enqueue
// retryable failures (spec.md §4.4 step 4). dispatcher.Dispatcher
// satisfies this directly.
type RetryRequester interface {
	RequestRetry(req dispatcher.RetryRequest)
}

type submission struct {
	def *domain.JobDefinition
	run *domain.RunRecord
}

type Options struct {
	Slots         int
	QueueCapacity int
	AdmissionWait time.Duration
	ReplicaID     string
	Alerts        observability.AlertSink
	Metrics       observability.MetricsSink
}

func New(store runstore.Store, retry RetryRequester, baseLog *logger.Logger, opts Options) *Pool {
	slots := opts.Slots
	if slots < 1 {
		slots = 8
	}
	queueCap := opts.QueueCapacity
	if queueCap < 1 {
		queueCap = 256
	}
	admitWait := opts.AdmissionWait
	if admitWait <= 0 {
		admitWait = 5 * time.Second
	}
	return &Pool{
		slots:     slots,
		queueCap:  queueCap,
		admitWait: admitWait,
		store:     store,
		log:       baseLog.With("component", "worker.pool"),
		clock:     func() time.Time { return time.Now().UTC() },
		replicaID: opts.ReplicaID,
		ingress:   make(chan submission, queueCap),
		sem:       make(chan struct{}, slots),
		jobSem:    map[string]chan struct{}{},
		retry:     retry,
		alerts:    opts.Alerts,
		metrics:   opts.Metrics,
		stop:      make(chan struct{}),
	}
}

// SetRetry wires the Dispatcher in after both have been constructed,
// breaking the constructor cycle (the Dispatcher needs a dispatcher.Pool
// at construction time; the Pool needs a RetryRequester, which the
// Dispatcher itself satisfies).
func (p *Pool) SetRetry(retry RetryRequester) { p.retry = retry }

// Start launches the pool's consumer goroutines. Ordering of execution
// across slots need not match submission order (spec.md §4.5).
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.runSlot(ctx)
	}
}

// Shutdown stops accepting new admissions and waits for in-flight runs
// to drain (callers enforce the grace window via ctx).
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Submit enqueues run for execution. It is non-blocking: a full ingress
// queue is reported as backpressure immediately (spec.md §4.4e / §4.5).
func (p *Pool) Submit(_ context.Context, def *domain.JobDefinition, run *domain.RunRecord) dispatcher.SubmitOutcome {
	select {
	case p.ingress <- submission{def: def, run: run}:
		return dispatcher.SubmitAccepted
	default:
		return dispatcher.SubmitSkippedBackpressure
	}
}

func (p *Pool) runSlot(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case sub := <-p.ingress:
			p.execute(ctx, sub.def, sub.run)
		}
	}
}

// perJobSlot returns (and lazily creates) the admission semaphore for a
// job name, sized at its definition's max_concurrent.
func (p *Pool) perJobSlot(def *domain.JobDefinition) chan struct{} {
	p.jobSemMu.Lock()
	defer p.jobSemMu.Unlock()
	ch, ok := p.jobSem[def.Name]
	if !ok {
		slots := def.MaxConcurrent
		if slots < 1 {
			slots = 1
		}
		ch = make(chan struct{}, slots)
		p.jobSem[def.Name] = ch
	}
	return ch
}

func (p *Pool) execute(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord) {
	globalSlot := p.sem
	select {
	case globalSlot <- struct{}{}:
		defer func() { <-globalSlot }()
	case <-ctx.Done():
		return
	}

	jobSlot := p.perJobSlot(def)
	admissionTimer := time.NewTimer(p.admitWait)
	defer admissionTimer.Stop()
	select {
	case jobSlot <- struct{}{}:
	case <-admissionTimer.C:
		p.onAdmissionTimeout(ctx, def, run)
		return
	case <-ctx.Done():
		return
	}
	defer func() { <-jobSlot }()

	p.runAttempt(ctx, def, run)
}

func (p *Pool) onAdmissionTimeout(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord) {
	p.log.Warn("admission timeout, treating as backpressure", "job_name", def.Name, "run_id", run.RunID)
	leaseKey := p.leaseKeyFor(def, run)
	if leaseKey != "" {
		_ = p.store.ReleaseLease(ctx, leaseKey, run.RunID)
	}
	_ = p.store.UpdateRun(ctx, run.RunID, map[string]any{"status": domain.RunCancelled})
}

// leaseKeyFor mirrors dispatcher.leaseKey exactly (same hash over the
// same decoded input map) so a lease acquired at dispatch time can be
// released or renewed by key from inside the pool.
func (p *Pool) leaseKeyFor(def *domain.JobDefinition, run *domain.RunRecord) string {
	return leaseKeyFor(def, run)
}

// leaseKeyFor mirrors dispatcher.leaseKey exactly so any Execution
// Engine implementation can recompute the lease key a singleton job was
// dispatched under directly from its persisted input_snapshot.
func leaseKeyFor(def *domain.JobDefinition, run *domain.RunRecord) string {
	switch def.SingletonPolicy {
	case domain.SingletonPerJob:
		return def.Name
	case domain.SingletonPerJobAndInputHash:
		input, _ := bindInputs(def, run.InputSnapshot)
		return def.Name + ":" + stableInputHash(input)
	default:
		return ""
	}
}

// runAttempt performs the full execution-steps sequence of spec.md §4.5:
// bind inputs, construct the Execution Context, start lease keep-alive,
// invoke the handler, interpret the outcome against the retry policy,
// persist, release the lease, and alert on terminal non-success.
func (p *Pool) runAttempt(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord) {
	now := p.clock()
	_ = p.store.UpdateRun(ctx, run.RunID, map[string]any{
		"status":     domain.RunRunning,
		"started_at": now,
	})

	_, bindErr := bindInputs(def, run.InputSnapshot)
	leaseKey := p.leaseKeyFor(def, run)

	hctx := execctx.New(ctx, def, run, p.replicaID, p.store, p.log,
		func(childJobName string, inputs map[string]any, parentRunID string) (uuid.UUID, error) {
			return uuid.New(), fmt.Errorf("trigger: not wired on this host")
		},
		nil,
		0,
	)
	defer hctx.Release()

	var stopHeartbeat func()
	if leaseKey != "" {
		stopHeartbeat = p.startHeartbeat(ctx, leaseKey, run.RunID, def.Timeout, hctx)
		defer stopHeartbeat()
	}

	var runErr error
	if bindErr != nil {
		hctx.FailWith(domain.ErrInvalidInput, bindErr)
	} else {
		runErr = p.invoke(def, hctx)
	}

	p.finish(ctx, def, run, hctx, runErr, leaseKey)
}

// invoke calls the handler with panic recovery, converting a panic into
// a classified failure instead of crashing the slot goroutine (grounded
// on the teacher's worker.go startHeartbeat/recover pattern).
func (p *Pool) invoke(def *domain.JobDefinition, hctx *execctx.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", "job_name", def.Name, "run_id", hctx.RunID(), "panic", r)
			hctx.Fail(domain.ErrUnexpected, fmt.Sprintf("panic: %v", r))
		}
	}()
	return def.Handler.Run(hctx)
}

func (p *Pool) startHeartbeat(ctx context.Context, leaseKey string, runID uuid.UUID, timeout time.Duration, hctx *execctx.Context) func() {
	done := make(chan struct{})
	interval := timeout / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				out, err := p.store.RenewLease(ctx, leaseKey, runID, timeout)
				if err != nil {
					p.log.Warn("lease renewal error", "lease_key", leaseKey, "error", err)
					continue
				}
				if out.Lost {
					p.log.Warn("lease lost, cancelling run", "lease_key", leaseKey, "run_id", runID)
					hctx.CancelForLeaseLoss()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// finish interprets the handler outcome against the retry policy
// (spec.md §4.5 step 6), persists the terminal/intermediate state,
// releases the lease, and emits alerts on terminal non-success.
func (p *Pool) finish(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord, hctx *execctx.Context, runErr error, leaseKey string) {
	now := p.clock()
	failed, kind, message := hctx.Failed()

	if !failed && runErr != nil {
		// Safety net: most handlers call Fail themselves; this covers a
		// plain or *domain.HandlerError return without an explicit Fail.
		failed = true
		kind = domain.ClassifyError(runErr)
		message = runErr.Error()
	}
	if !failed && !now.Before(hctx.Deadline()) {
		// The deadline tripped before the handler returned: a timeout,
		// even if the handler itself returned nil.
		failed = true
		kind = domain.ErrTimeout
		message = "deadline exceeded"
	}

	metricsJSON := metricsToJSON(hctx.MetricsSnapshot())

	var status domain.RunStatus
	var releaseLease bool
	var retryDelay time.Duration

	switch {
	case !failed:
		status = domain.RunSucceeded
		releaseLease = true

	case ctx.Err() != nil && hctx.Deadline().After(now):
		// Cancelled by shutdown rather than by deadline: recorded as
		// cancelled with the lease released and no retry budget spent.
		// No re-enqueue is requested for the run.
		status = domain.RunCancelled
		releaseLease = true

	case now.After(hctx.Deadline()) || kind == domain.ErrTimeout:
		switch {
		case def.RetryPolicy.Retryable(domain.ErrTimeout) && run.Attempt < def.RetryPolicy.MaxAttempts:
			status = domain.RunTimedOut
			retryDelay = computeBackoff(def.RetryPolicy, run.Attempt)
		case def.RetryPolicy.Retryable(domain.ErrTimeout):
			// Retryable, but attempts exhausted: dead, matching the
			// non-timeout retryable-exhausted case below.
			status = domain.RunDead
			releaseLease = true
		default:
			status = domain.RunTimedOut
			releaseLease = true
		}

	case def.RetryPolicy.Retryable(kind) && run.Attempt < def.RetryPolicy.MaxAttempts:
		status = domain.RunFailed
		retryDelay = computeBackoff(def.RetryPolicy, run.Attempt)

	case kind.Retryable():
		// Retryable kind, but attempts exhausted: dead, not failed.
		status = domain.RunDead
		releaseLease = true

	default:
		status = domain.RunFailed
		releaseLease = true
	}

	patch := map[string]any{
		"status":        status,
		"finished_at":   now,
		"error_kind":    kind,
		"error_message": message,
		"metrics":       metricsJSON,
	}
	if err := p.store.UpdateRun(ctx, run.RunID, patch); err != nil {
		p.log.Warn("update_run failed", "run_id", run.RunID, "error", err)
	}

	if releaseLease && leaseKey != "" {
		_ = p.store.ReleaseLease(ctx, leaseKey, run.RunID)
	}

	if retryDelay > 0 && p.retry != nil {
		scheduledFor := run.ScheduledFor
		var parentID *string
		if run.ParentRunID != nil {
			s := run.ParentRunID.String()
			parentID = &s
		}
		p.retry.RequestRetry(dispatcher.RetryRequest{
			JobName:      def.Name,
			Attempt:      run.Attempt + 1,
			ScheduledFor: scheduledFor,
			ParentRunID:  parentID,
			NotBefore:    now.Add(retryDelay),
		})
	}

	if status.Terminal() && status != domain.RunSucceeded && p.alerts != nil {
		for _, channel := range def.AlertChannels {
			if err := p.alerts.Emit(ctx, channel, observability.Alert{
				JobName: def.Name, RunID: run.RunID, Status: status,
				ErrorKind: kind, ErrorMessage: message,
			}); err != nil {
				// Alert failures must never alter the stored outcome.
				p.log.Warn("alert emission failed", "channel", channel, "error", err)
			}
		}
	}

	if p.metrics != nil {
		p.metrics.RecordRun(def.Name, string(status), run.Attempt)
	}
}

// computeBackoff implements spec.md §4.5 step 6's retry delay:
// min(initial_backoff * multiplier^(attempt-1), max_backoff) plus up to
// 20% uniform jitter — grounded on the teacher's
// jobs/orchestrator/engine.go computeBackoff.
func computeBackoff(r domain.RetryPolicy, attempt int) time.Duration {
	initial := r.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	maxB := r.MaxBackoff
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	mult := r.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(initial) * math.Pow(mult, float64(attempt-1)))
	if d > maxB {
		d = maxB
	}
	jitter := float64(d) * 0.20
	result := float64(d) + rand.Float64()*jitter
	return time.Duration(result)
}
