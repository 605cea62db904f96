package pg

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
)

/*
Store is the relational Run Store backend (spec.md §4.3's "relational
store with a uniquely-constrained lease table using conditional
updates"). It keeps the claim-transaction shape the teacher's
JobRunRepo.ClaimNextRunnable used — a single gorm.DB.Transaction wrapping
a SELECT ... FOR UPDATE on the lease row plus an INSERT (no row yet) or a
conditional UPDATE (row expired) — but splits locking
(the tspjob_lease table) from run persistence (tspjob_run), since
spec.md keeps leases and runs as distinct records with independent
lifecycles.
*/
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) *Store {
	return &Store{db: db, log: baseLog.With("component", "runstore.pg")}
}

// AutoMigrate creates the tspjob_run and tspjob_lease tables. Exposed for
// test harnesses and first-run bootstrap; production deployments are
// expected to manage schema via migrations instead.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&domain.RunRecord{}, &domain.Lease{})
}

func (s *Store) TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID uuid.UUID, replicaID string) (domain.LeaseOutcome, error) {
	now := time.Now().UTC()
	var outcome domain.LeaseOutcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Lease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key = ?", key).
			First(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			lease := domain.Lease{
				Key:        key,
				Holder:     replicaID,
				RunID:      runID,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
			}
			if err := tx.Create(&lease).Error; err != nil {
				// A concurrent insert lost the race for the unique key;
				// treat as held-by-unknown rather than surface the
				// constraint violation to the caller.
				outcome = domain.LeaseOutcome{Acquired: false, HeldBy: "unknown"}
				return nil
			}
			outcome = domain.LeaseOutcome{Acquired: true}
			return nil
		case err != nil:
			return err
		}

		if existing.ExpiresAt.After(now) {
			outcome = domain.LeaseOutcome{Acquired: false, HeldBy: existing.Holder}
			return nil
		}

		// Expired: take over the key for the new holder/run.
		res := tx.Model(&domain.Lease{}).
			Where("key = ? AND expires_at <= ?", key, now).
			Updates(map[string]any{
				"holder":      replicaID,
				"run_id":      runID,
				"acquired_at": now,
				"expires_at":  now.Add(ttl),
			})
		if res.Error != nil {
			return res.Error
		}
		outcome = domain.LeaseOutcome{Acquired: res.RowsAffected > 0}
		if !outcome.Acquired {
			outcome.HeldBy = "unknown"
		}
		return nil
	})
	if err != nil {
		return domain.LeaseOutcome{}, err
	}
	return outcome, nil
}

func (s *Store) RenewLease(ctx context.Context, key string, runID uuid.UUID, newTTL time.Duration) (domain.RenewOutcome, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&domain.Lease{}).
		Where("key = ? AND run_id = ? AND expires_at > ?", key, runID, now).
		Updates(map[string]any{"expires_at": now.Add(newTTL)})
	if res.Error != nil {
		return domain.RenewOutcome{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.RenewOutcome{Lost: true}, nil
	}
	return domain.RenewOutcome{OK: true}, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key string, runID uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("key = ? AND run_id = ?", key, runID).
		Delete(&domain.Lease{}).Error
}

func (s *Store) CreateRun(ctx context.Context, run *domain.RunRecord) error {
	now := time.Now().UTC()
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = now
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	return s.db.WithContext(ctx).Create(run).Error
}

// UpdateRun enforces the monotonic-transition invariant by refusing to
// apply the patch once the row is already in a terminal status, mirroring
// the teacher's UpdateFieldsUnlessStatus guard against overwriting a
// canceled job_run.
func (s *Store) UpdateRun(ctx context.Context, runID uuid.UUID, patch map[string]any) error {
	if patch == nil {
		patch = map[string]any{}
	}
	patch["updated_at"] = time.Now().UTC()

	terminal := []domain.RunStatus{
		domain.RunSucceeded, domain.RunFailed, domain.RunTimedOut,
		domain.RunCancelled, domain.RunDead,
	}
	res := s.db.WithContext(ctx).Model(&domain.RunRecord{}).
		Where("run_id = ? AND status NOT IN ?", runID, terminal).
		Updates(patch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Debug("update_run rejected: run already terminal or missing", "run_id", runID)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*domain.RunRecord, error) {
	var run domain.RunRecord
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) FindRuns(ctx context.Context, filter domain.RunFilter, limit int) ([]*domain.RunRecord, error) {
	q := s.db.WithContext(ctx).Model(&domain.RunRecord{})
	if filter.JobName != "" {
		q = q.Where("job_name = ?", filter.JobName)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	if filter.ParentRun != nil {
		q = q.Where("parent_run_id = ?", *filter.ParentRun)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.RunRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Prune(ctx context.Context, policy domain.RetentionPolicy, now time.Time) (int64, error) {
	succCutoff := now.Add(-policy.SucceededFor)
	nonSuccCutoff := now.Add(-policy.NonSuccessFor)

	res := s.db.WithContext(ctx).
		Where("(status = ? AND finished_at < ?) OR (status IN ? AND finished_at < ?)",
			domain.RunSucceeded, succCutoff,
			[]domain.RunStatus{domain.RunFailed, domain.RunTimedOut, domain.RunCancelled, domain.RunDead}, nonSuccCutoff,
		).
		Delete(&domain.RunRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
