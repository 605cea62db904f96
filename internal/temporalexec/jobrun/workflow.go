package jobrun

import (
	"fmt"

	"go.temporal.io/sdk/workflow"
)

// Workflow is a single Temporal workflow execution per Run attempt: one
// ExecuteActivity call to Tick, no stage graph, no continue-as-new loop
// — "jobs are flat" (spec.md's explicit Non-goal) applies to the
// Temporal-backed engine exactly as it does to the in-process one. The
// teacher's job_run workflow polled a tick activity in a loop across
// waiting_user/queued states that this runtime doesn't have; here the
// activity itself runs the handler to completion (or to its own
// deadline) and reports back once.
func Workflow(ctx workflow.Context, in RunInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: in.Timeout,
		HeartbeatTimeout:    in.Timeout / 3,
	})

	var result TickResult
	if err := workflow.ExecuteActivity(ctx, ActivityName, in).Get(ctx, &result); err != nil {
		return err
	}
	if !result.Succeeded {
		return fmt.Errorf("run failed: %s: %s", result.ErrorKind, result.ErrorMessage)
	}
	return nil
}
