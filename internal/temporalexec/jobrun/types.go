// Package jobrun holds the Temporal workflow and activity definitions
// backing internal/temporalexec's alternate Worker Pool & Execution
// Engine implementation (SPEC_FULL.md §4.5): one workflow execution per
// Run attempt, containing a single Tick activity, preserving the "jobs
// are flat" non-goal the teacher's own multi-stage job_run workflow
// violated.
package jobrun

import (
	"time"

	"github.com/google/uuid"
)

const (
	WorkflowName = "tspjob_run"
	ActivityName = "tspjob_run_tick"
)

// RunInput is everything the workflow passes to its Tick activity. The
// Run Record and job definition both already live in the Run Store and
// Registry the Activities struct is wired to, so this carries only
// identity and the admission-time decisions (timeout, replica id), not
// job-body state. LeaseKey is not filled in by Pool.Submit; Tick
// recomputes the key with worker.LeaseKeyFor.
type RunInput struct {
	RunID     uuid.UUID
	JobName   string
	Attempt   int
	Timeout   time.Duration
	LeaseKey  string
	ReplicaID string
}

// TickResult reports whether the attempt succeeded. The Activity itself
// persists the terminal Run Record, releases the lease, and requests a
// retry re-enqueue before returning, so the workflow only needs enough
// to decide its own completion status.
type TickResult struct {
	Succeeded    bool
	ErrorKind    string
	ErrorMessage string
}
