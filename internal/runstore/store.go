package runstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/transitsuite/tspjob/internal/domain"
)

/*
Store is the Run Store contract spec.md §4.3 names: durable persistence of
Run Records and Leases plus the coordination primitives the Dispatcher and
Workers need across replicas.

Reference backends: runstore/pg (a relational store using a
uniquely-constrained lease table under conditional updates) and
runstore/redislease (a coordination-service CAS backend layered in front
of the same pg run-record persistence). Callers depend only on this
interface, never on a specific backend.
*/
type Store interface {
	LeaseStore
	RunRecordStore
}

// LeaseStore is the subset of Store responsible for singleton coordination.
type LeaseStore interface {
	// TryAcquireLease is atomic: if no active lease exists for key, it
	// inserts one with expires_at = now + ttl and reports acquired. It must
	// be linearizable per key (spec.md §4.3).
	TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID uuid.UUID, replicaID string) (domain.LeaseOutcome, error)

	// RenewLease extends ttl only if runID still holds the lease for key;
	// otherwise it reports loss.
	RenewLease(ctx context.Context, key string, runID uuid.UUID, newTTL time.Duration) (domain.RenewOutcome, error)

	// ReleaseLease is idempotent; a lease not held by runID is a no-op.
	ReleaseLease(ctx context.Context, key string, runID uuid.UUID) error
}

// RunRecordStore is the subset of Store responsible for Run Record
// persistence.
type RunRecordStore interface {
	CreateRun(ctx context.Context, run *domain.RunRecord) error

	// UpdateRun applies patch to run_id's mutable fields. It rejects
	// updates that would violate the monotonic status transition by
	// refusing to apply them to a run already in a terminal state, per
	// spec.md §3.
	UpdateRun(ctx context.Context, runID uuid.UUID, patch map[string]any) error

	GetRun(ctx context.Context, runID uuid.UUID) (*domain.RunRecord, error)

	FindRuns(ctx context.Context, filter domain.RunFilter, limit int) ([]*domain.RunRecord, error)

	// Prune deletes terminal runs older than the retention policy allows
	// and reports how many rows were removed (SPEC_FULL.md §3.1).
	Prune(ctx context.Context, policy domain.RetentionPolicy, now time.Time) (int64, error)
}
