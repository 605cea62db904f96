package pg

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/transitsuite/tspjob/internal/domain"
	platlogger "github.com/transitsuite/tspjob/internal/platform/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	log, err := platlogger.New("test")
	require.NoError(t, err)

	s := New(db, log)
	require.NoError(t, s.AutoMigrate())
	return s
}

func TestTryAcquireLeaseExclusivity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runA, runB := uuid.New(), uuid.New()

	out, err := s.TryAcquireLease(ctx, "job_a", time.Minute, runA, "replica-1")
	require.NoError(t, err)
	assert.True(t, out.Acquired)

	out2, err := s.TryAcquireLease(ctx, "job_a", time.Minute, runB, "replica-2")
	require.NoError(t, err)
	assert.False(t, out2.Acquired, "a second replica must not acquire a live lease for the same key")
	assert.Equal(t, "replica-1", out2.HeldBy)
}

func TestTryAcquireLeaseAfterExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runA, runB := uuid.New(), uuid.New()

	_, err := s.TryAcquireLease(ctx, "job_a", -time.Second, runA, "replica-1")
	require.NoError(t, err)

	out, err := s.TryAcquireLease(ctx, "job_a", time.Minute, runB, "replica-2")
	require.NoError(t, err)
	assert.True(t, out.Acquired, "an expired lease must be acquirable by a new holder")
}

func TestRenewLeaseLostWhenNotHeld(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runA, runB := uuid.New(), uuid.New()

	_, err := s.TryAcquireLease(ctx, "job_a", time.Minute, runA, "replica-1")
	require.NoError(t, err)

	out, err := s.RenewLease(ctx, "job_a", runB, time.Minute)
	require.NoError(t, err)
	assert.True(t, out.Lost)
}

func TestReleaseLeaseIsIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runA := uuid.New()

	require.NoError(t, s.ReleaseLease(ctx, "job_a", runA))

	_, err := s.TryAcquireLease(ctx, "job_a", time.Minute, runA, "replica-1")
	require.NoError(t, err)
	require.NoError(t, s.ReleaseLease(ctx, "job_a", runA))
	require.NoError(t, s.ReleaseLease(ctx, "job_a", runA))

	out, err := s.TryAcquireLease(ctx, "job_a", time.Minute, uuid.New(), "replica-2")
	require.NoError(t, err)
	assert.True(t, out.Acquired)
}

func TestUpdateRunRejectsTerminalOverwrite(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runID := uuid.New()

	run := &domain.RunRecord{RunID: runID, JobName: "job_a", Attempt: 1, Status: domain.RunRunning}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRun(ctx, runID, map[string]any{"status": domain.RunSucceeded}))

	// A second write after the terminal transition must be a no-op.
	require.NoError(t, s.UpdateRun(ctx, runID, map[string]any{"status": domain.RunFailed, "error_message": "too late"}))

	got, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestFindRunsFiltersByJobAndStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, &domain.RunRecord{RunID: uuid.New(), JobName: "a", Status: domain.RunSucceeded}))
	require.NoError(t, s.CreateRun(ctx, &domain.RunRecord{RunID: uuid.New(), JobName: "a", Status: domain.RunFailed}))
	require.NoError(t, s.CreateRun(ctx, &domain.RunRecord{RunID: uuid.New(), JobName: "b", Status: domain.RunFailed}))

	runs, err := s.FindRuns(ctx, domain.RunFilter{JobName: "a", Statuses: []domain.RunStatus{domain.RunFailed}}, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].JobName)
}

func TestPruneRemovesOldTerminalRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-100 * 24 * time.Hour)

	id := uuid.New()
	require.NoError(t, s.CreateRun(ctx, &domain.RunRecord{RunID: id, JobName: "a", Status: domain.RunSucceeded, FinishedAt: &old}))

	n, err := s.Prune(ctx, domain.DefaultRetentionPolicy(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}
