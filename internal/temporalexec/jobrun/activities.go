package jobrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/transitsuite/tspjob/internal/dispatcher"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/execctx"
	"github.com/transitsuite/tspjob/internal/observability"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/registry"
	"github.com/transitsuite/tspjob/internal/runstore"
	"github.com/transitsuite/tspjob/internal/worker"
)

/*
Activities is the Temporal-side half of the alternate Execution Engine.
Tick mirrors worker.Pool's runAttempt/invoke/finish sequence — bind
inputs, construct the Execution Context, invoke the handler, interpret
the outcome against the retry policy, persist, release the lease, alert
— but runs as a Temporal activity instead of inside an in-process
goroutine slot. It reuses worker.BindInputs/LeaseKeyFor/ComputeBackoff
so both Execution Engine implementations derive identical lease keys
and backoff delays from the same Run Store rows; the outcome-
interpretation switch itself is not shared, since Temporal's own
heartbeat/activity-retry primitives change enough of the surrounding
control flow (no admission-timeout path, heartbeats ride
activity.RecordHeartbeat instead of a ticker) that extracting a common
function would mean decomposing worker.Pool's already-tested execution
path for a single alternate backend.

Concurrency admission (global/per-job slots, backpressure) stays the
Dispatcher's concern regardless of which engine executes the attempt;
by the time Tick runs, the Dispatcher has already decided to dispatch.
*/
type Activities struct {
	Log      *logger.Logger
	Store    runstore.Store
	Registry *registry.Registry
	Retry    worker.RetryRequester
	Alerts   observability.AlertSink
	Metrics  observability.MetricsSink
}

func (a *Activities) Tick(ctx context.Context, in RunInput) (TickResult, error) {
	def, err := a.Registry.Lookup(in.JobName)
	if err != nil {
		return TickResult{}, fmt.Errorf("tick: %w", err)
	}
	run, err := a.Store.GetRun(ctx, in.RunID)
	if err != nil {
		return TickResult{}, fmt.Errorf("tick: load run: %w", err)
	}

	now := time.Now().UTC()
	_ = a.Store.UpdateRun(ctx, run.RunID, map[string]any{"status": domain.RunRunning, "started_at": now})

	_, bindErr := worker.BindInputs(def, run.InputSnapshot)
	leaseKey := worker.LeaseKeyFor(def, run)

	hctx := execctx.New(ctx, def, run, in.ReplicaID, a.Store, a.Log,
		func(childJobName string, inputs map[string]any, parentRunID string) (uuid.UUID, error) {
			return uuid.New(), fmt.Errorf("trigger: not wired on this host")
		},
		nil,
		0,
	)
	defer hctx.Release()

	stopHB := a.startHeartbeat(ctx, leaseKey, run.RunID, def.Timeout, hctx)
	defer stopHB()

	var runErr error
	if bindErr != nil {
		hctx.FailWith(domain.ErrInvalidInput, bindErr)
	} else {
		runErr = a.invoke(def, hctx)
	}

	return a.finish(ctx, def, run, hctx, runErr, leaseKey), nil
}

func (a *Activities) invoke(def *domain.JobDefinition, hctx *execctx.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("handler panic", "job_name", def.Name, "run_id", hctx.RunID(), "panic", r)
			hctx.Fail(domain.ErrUnexpected, fmt.Sprintf("panic: %v", r))
		}
	}()
	return def.Handler.Run(hctx)
}

// startHeartbeat renews the Run Store lease and records a Temporal
// activity heartbeat on the same tick, so a lost lease and a Temporal
// worker crash are both detected through their own native channel
// (RenewLease loss vs. activity.RecordHeartbeat's missed-heartbeat
// timeout) without one masking the other.
func (a *Activities) startHeartbeat(ctx context.Context, leaseKey string, runID uuid.UUID, timeout time.Duration, hctx *execctx.Context) func() {
	if leaseKey == "" {
		return func() {}
	}
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
				activity.RecordHeartbeat(ctx)
				out, err := a.Store.RenewLease(ctx, leaseKey, runID, timeout)
				if err != nil {
					a.Log.Warn("lease renewal error", "lease_key", leaseKey, "error", err)
					continue
				}
				if out.Lost {
					a.Log.Warn("lease lost, cancelling run", "lease_key", leaseKey, "run_id", runID)
					hctx.CancelForLeaseLoss()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (a *Activities) finish(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord, hctx *execctx.Context, runErr error, leaseKey string) TickResult {
	now := time.Now().UTC()
	failed, kind, message := hctx.Failed()

	if !failed && runErr != nil {
		failed = true
		kind = domain.ClassifyError(runErr)
		message = runErr.Error()
	}
	if !failed && !now.Before(hctx.Deadline()) {
		failed = true
		kind = domain.ErrTimeout
		message = "deadline exceeded"
	}

	var status domain.RunStatus
	var releaseLease bool
	var retryDelay time.Duration

	switch {
	case !failed:
		status = domain.RunSucceeded
		releaseLease = true

	case ctx.Err() != nil && hctx.Deadline().After(now):
		status = domain.RunCancelled
		releaseLease = true

	case now.After(hctx.Deadline()) || kind == domain.ErrTimeout:
		switch {
		case def.RetryPolicy.Retryable(domain.ErrTimeout) && run.Attempt < def.RetryPolicy.MaxAttempts:
			status = domain.RunTimedOut
			retryDelay = worker.ComputeBackoff(def.RetryPolicy, run.Attempt)
		case def.RetryPolicy.Retryable(domain.ErrTimeout):
			status = domain.RunDead
			releaseLease = true
		default:
			status = domain.RunTimedOut
			releaseLease = true
		}

	case def.RetryPolicy.Retryable(kind) && run.Attempt < def.RetryPolicy.MaxAttempts:
		status = domain.RunFailed
		retryDelay = worker.ComputeBackoff(def.RetryPolicy, run.Attempt)

	case kind.Retryable():
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
		"metrics":       worker.MetricsToJSON(hctx.MetricsSnapshot()),
	}
	if err := a.Store.UpdateRun(ctx, run.RunID, patch); err != nil {
		a.Log.Warn("update_run failed", "run_id", run.RunID, "error", err)
	}

	if releaseLease && leaseKey != "" {
		_ = a.Store.ReleaseLease(ctx, leaseKey, run.RunID)
	}

	if retryDelay > 0 && a.Retry != nil {
		scheduledFor := run.ScheduledFor
		var parentID *string
		if run.ParentRunID != nil {
			s := run.ParentRunID.String()
			parentID = &s
		}
		a.Retry.RequestRetry(dispatcher.RetryRequest{
			JobName:      def.Name,
			Attempt:      run.Attempt + 1,
			ScheduledFor: scheduledFor,
			ParentRunID:  parentID,
			NotBefore:    now.Add(retryDelay),
		})
	}

	if status.Terminal() && status != domain.RunSucceeded && a.Alerts != nil {
		for _, channel := range def.AlertChannels {
			if err := a.Alerts.Emit(ctx, channel, observability.Alert{
				JobName: def.Name, RunID: run.RunID, Status: status,
				ErrorKind: kind, ErrorMessage: message,
			}); err != nil {
				a.Log.Warn("alert emission failed", "channel", channel, "error", err)
			}
		}
	}

	if a.Metrics != nil {
		a.Metrics.RecordRun(def.Name, string(status), run.Attempt)
	}

	return TickResult{Succeeded: status == domain.RunSucceeded, ErrorKind: string(kind), ErrorMessage: message}
}
