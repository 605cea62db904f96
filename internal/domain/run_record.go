package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RunStatus is the closed set of states a Run Record can occupy. Transitions
// are monotonic: queued -> (leased -> running) -> one terminal state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunLeased    RunStatus = "leased"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunCancelled RunStatus = "cancelled"
	RunDead      RunStatus = "dead"
)

// Terminal reports whether s is one of the statuses after which a Run
// Record's fields (other than metrics aggregates) are frozen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunCancelled, RunDead:
		return true
	default:
		return false
	}
}

// RunRecord is one row per attempt, per spec.md §3.
type RunRecord struct {
	RunID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"run_id"`
	JobName string    `gorm:"column:job_name;not null;index" json:"job_name"`
	Attempt int       `gorm:"column:attempt;not null;default:1" json:"attempt"`

	ScheduledFor *time.Time `gorm:"column:scheduled_for;index" json:"scheduled_for,omitempty"`
	EnqueuedAt   time.Time  `gorm:"column:enqueued_at;not null;index" json:"enqueued_at"`
	LeasedAt     *time.Time `gorm:"column:leased_at" json:"leased_at,omitempty"`
	StartedAt    *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt   *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`

	ReplicaID string    `gorm:"column:replica_id;index" json:"replica_id,omitempty"`
	Status    RunStatus `gorm:"column:status;not null;index" json:"status"`

	InputSnapshot datatypes.JSON `gorm:"column:input_snapshot;type:jsonb" json:"input_snapshot,omitempty"`

	ErrorKind    ErrorKind `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorMessage string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	ErrorStack   string    `gorm:"column:error_stack;type:text" json:"error_stack,omitempty"`

	Metrics datatypes.JSON `gorm:"column:metrics;type:jsonb" json:"metrics,omitempty"`

	ParentRunID *uuid.UUID `gorm:"type:uuid;column:parent_run_id;index" json:"parent_run_id,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (RunRecord) TableName() string { return "tspjob_run" }

// RunFilter narrows find_runs per spec.md §4.3 "for observability and
// dead-letter retry tooling".
type RunFilter struct {
	JobName   string
	Statuses  []RunStatus
	ParentRun *uuid.UUID
	Since     time.Time
}
