package temporalx

import (
	"context"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/transitsuite/tspjob/internal/dispatcher"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/temporalexec/jobrun"
)

// Pool implements dispatcher.Pool by starting one Temporal workflow
// execution per admitted Run, the alternate Execution Engine
// SPEC_FULL.md §4.5 names alongside internal/worker's in-process
// goroutine pool. The Dispatcher is unaware which implementation it is
// talking to; both satisfy the same Submit contract.
type Pool struct {
	client    temporalsdkclient.Client
	taskQueue string
	replicaID string
	log       *logger.Logger
}

func NewPool(client temporalsdkclient.Client, taskQueue, replicaID string, baseLog *logger.Logger) *Pool {
	return &Pool{client: client, taskQueue: taskQueue, replicaID: replicaID, log: baseLog.With("component", "temporalexec.pool")}
}

// Submit starts a workflow keyed by the Run's id, so a duplicate Submit
// for the same run (a retried dispatch loop pass, a replica restart) is
// naturally deduplicated by Temporal's workflow-id uniqueness instead of
// needing its own idempotency check.
func (p *Pool) Submit(ctx context.Context, def *domain.JobDefinition, run *domain.RunRecord) dispatcher.SubmitOutcome {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                       "tspjob-run-" + run.RunID.String(),
		TaskQueue:                p.taskQueue,
		WorkflowExecutionTimeout: def.Timeout,
	}
	in := jobrun.RunInput{
		RunID:     run.RunID,
		JobName:   def.Name,
		Attempt:   run.Attempt,
		Timeout:   def.Timeout,
		ReplicaID: p.replicaID,
	}
	if _, err := p.client.ExecuteWorkflow(ctx, opts, jobrun.Workflow, in); err != nil {
		p.log.Warn("temporal workflow start failed, reporting backpressure", "job_name", def.Name, "run_id", run.RunID, "error", err)
		return dispatcher.SubmitSkippedBackpressure
	}
	return dispatcher.SubmitAccepted
}
