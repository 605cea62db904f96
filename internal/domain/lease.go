package domain

import (
	"time"

	"github.com/google/uuid"
)

// Lease is the shared record keyed by (job_name[, input_hash]) that enforces
// singleton semantics across replicas. See spec.md §3: a lease is released
// explicitly on terminal outcome or implicitly by expiry; implicit expiry
// only transfers ownership, it does not retroactively invalidate work the
// former holder already persisted.
type Lease struct {
	Key        string    `gorm:"column:key;primaryKey" json:"key"`
	Holder     string    `gorm:"column:holder;not null" json:"holder"`
	RunID      uuid.UUID `gorm:"type:uuid;column:run_id;not null" json:"run_id"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null" json:"acquired_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

func (Lease) TableName() string { return "tspjob_lease" }

// LeaseOutcome is the result of try_acquire_lease.
type LeaseOutcome struct {
	Acquired bool
	HeldBy   string // populated when !Acquired
}

// RenewOutcome is the result of renew_lease.
type RenewOutcome struct {
	OK   bool
	Lost bool
}
