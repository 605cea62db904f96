package execctx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/ctxutil"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/runstore"
)

/*
Context is the execution contract between the runtime and every handler
(spec.md §4.6). It generalizes the teacher's runtime.Context
(Progress/Fail/Succeed over a single gorm-backed job_run row) into the
full Execution Context the spec names: a cancellation signal, a
deadline, classified failure reporting, metric accumulation, and a child-
run trigger — while keeping the teacher's guarded-write discipline
(never overwrite a run already in a terminal state).

Pipelines never touch the Run Store directly; they only go through this
object, exactly as the teacher's pipelines only ever touched
runtime.Context.
*/
type Context struct {
	ctx context.Context

	jobName      string
	runID        uuid.UUID
	attempt      int
	scheduledFor *time.Time
	replicaID    string

	store runstore.RunRecordStore
	log   *logger.Logger

	triggerFn func(childJobName string, inputs map[string]any, parentRunID string) (uuid.UUID, error)
	waitFn    func(ctx context.Context, childRunID uuid.UUID) (*domain.RunRecord, error)

	deadline time.Time
	cancel   context.CancelFunc

	mu           sync.Mutex
	metrics      map[string]float64
	failed       bool
	failKind     domain.ErrorKind
	failMessage  string
	triggerDepth int
	maxDepth     int
}

// New constructs an Execution Context for one claimed run.
func New(
	parent context.Context,
	def *domain.JobDefinition,
	run *domain.RunRecord,
	replicaID string,
	store runstore.RunRecordStore,
	baseLog *logger.Logger,
	triggerFn func(childJobName string, inputs map[string]any, parentRunID string) (uuid.UUID, error),
	waitFn func(ctx context.Context, childRunID uuid.UUID) (*domain.RunRecord, error),
	triggerDepth int,
) *Context {
	startedAt := time.Now().UTC()
	deadline := startedAt.Add(def.Timeout)
	cctx, cancel := context.WithDeadline(parent, deadline)

	log := baseLog.With("job_name", def.Name, "run_id", run.RunID.String(), "attempt", run.Attempt)

	c := &Context{
		ctx:          ctxutil.WithTraceData(cctx, &ctxutil.TraceData{TraceID: run.RunID.String()}),
		jobName:      def.Name,
		runID:        run.RunID,
		attempt:      run.Attempt,
		scheduledFor: run.ScheduledFor,
		replicaID:    replicaID,
		store:        store,
		log:          log,
		triggerFn:    triggerFn,
		waitFn:       waitFn,
		deadline:     deadline,
		cancel:       cancel,
		metrics:      map[string]float64{},
		triggerDepth: triggerDepth,
		maxDepth:     maxTriggerDepth,
	}
	return c
}

// maxTriggerDepth bounds trigger()/trigger_and_wait() chains instead of
// attempting cycle detection, per spec.md §9's explicit preference for a
// depth bound.
const maxTriggerDepth = 8

func (c *Context) Context() context.Context { return c.ctx }
func (c *Context) JobName() string          { return c.jobName }
func (c *Context) RunID() uuid.UUID         { return c.runID }
func (c *Context) Attempt() int             { return c.attempt }
func (c *Context) ScheduledFor() *time.Time { return c.scheduledFor }
func (c *Context) ReplicaID() string        { return c.replicaID }
func (c *Context) Now() time.Time           { return time.Now().UTC() }
func (c *Context) Log() *logger.Logger      { return c.log }

// Done fires on deadline or cancellation; handlers are expected to
// observe it at I/O boundaries (spec.md §4.6).
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Deadline is the instant at which Done() will fire.
func (c *Context) Deadline() time.Time { return c.deadline }

// CancelForLeaseLoss aborts the context immediately because the
// singleton lease keep-alive reported loss (spec.md §4.5 step 4).
func (c *Context) CancelForLeaseLoss() { c.cancel() }

// Release stops the context's deadline timer once the run is terminal.
func (c *Context) Release() { c.cancel() }

// Fail records a classified failure. It does not itself persist the
// outcome; the worker interprets Failed()/FailKind() after Handler.Run
// returns, matching spec.md §4.5 step 5's "handler signals outcome".
func (c *Context) Fail(kind domain.ErrorKind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	c.failKind = kind
	c.failMessage = message
}

func (c *Context) FailWith(kind domain.ErrorKind, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.Fail(kind, msg)
}

func (c *Context) Failed() (bool, domain.ErrorKind, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed, c.failKind, c.failMessage
}

// Metric accumulates a numeric counter on the Run Record (spec.md §4.6).
// Safe to call from any number of concurrent operations a handler spawns.
func (c *Context) Metric(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics[name] += value
}

func (c *Context) MetricsSnapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = v
	}
	return out
}

// Trigger enqueues a child run with parent_run_id set and returns
// immediately (fire-and-forget), per spec.md §4.6.
func (c *Context) Trigger(childJobName string, inputs map[string]any) (uuid.UUID, error) {
	if c.triggerDepth >= c.maxDepth {
		return uuid.Nil, domain.ErrInvalidInputf("max_trigger_depth %d exceeded triggering %q from %q", c.maxDepth, childJobName, c.jobName)
	}
	return c.triggerFn(childJobName, inputs, c.runID.String())
}

// TriggerAndWait is the synchronous variant: it blocks on the child's
// completion event and respects the parent's own deadline, per spec.md
// §4.6 ("the synchronous variant must respect the parent's deadline").
func (c *Context) TriggerAndWait(childJobName string, inputs map[string]any) (*domain.RunRecord, error) {
	childID, err := c.Trigger(childJobName, inputs)
	if err != nil {
		return nil, err
	}
	if c.waitFn == nil {
		return nil, domain.ErrInvalidInputf("trigger_and_wait is not available on this host")
	}
	return c.waitFn(c.ctx, childID)
}
