package jobrun

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitsuite/tspjob/internal/dispatcher"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/observability"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/registry"
)

type fakeStore struct {
	mu     sync.Mutex
	leases map[string]uuid.UUID
	runs   map[uuid.UUID]*domain.RunRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: map[string]uuid.UUID{}, runs: map[uuid.UUID]*domain.RunRecord{}}
}

func (s *fakeStore) TryAcquireLease(_ context.Context, key string, _ time.Duration, runID uuid.UUID, _ string) (domain.LeaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[key]; held {
		return domain.LeaseOutcome{Acquired: false, HeldBy: "someone"}, nil
	}
	s.leases[key] = runID
	return domain.LeaseOutcome{Acquired: true}, nil
}

func (s *fakeStore) RenewLease(_ context.Context, key string, runID uuid.UUID, _ time.Duration) (domain.RenewOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[key] != runID {
		return domain.RenewOutcome{Lost: true}, nil
	}
	return domain.RenewOutcome{OK: true}, nil
}

func (s *fakeStore) ReleaseLease(_ context.Context, key string, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[key] == runID {
		delete(s.leases, key)
	}
	return nil
}

func (s *fakeStore) CreateRun(_ context.Context, run *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.RunID] = run
	return nil
}

func (s *fakeStore) UpdateRun(_ context.Context, runID uuid.UUID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil
	}
	if v, ok := patch["status"].(domain.RunStatus); ok {
		run.Status = v
	}
	if v, ok := patch["error_kind"].(domain.ErrorKind); ok {
		run.ErrorKind = v
	}
	if v, ok := patch["error_message"].(string); ok {
		run.ErrorMessage = v
	}
	return nil
}

func (s *fakeStore) GetRun(_ context.Context, runID uuid.UUID) (*domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID], nil
}

func (s *fakeStore) FindRuns(context.Context, domain.RunFilter, int) ([]*domain.RunRecord, error) {
	return nil, nil
}

func (s *fakeStore) Prune(context.Context, domain.RetentionPolicy, time.Time) (int64, error) {
	return 0, nil
}

func (s *fakeStore) statusOf(t *testing.T, runID uuid.UUID) domain.RunStatus {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[runID].Status
}

type fakeRetry struct {
	mu  sync.Mutex
	got []dispatcher.RetryRequest
}

func (r *fakeRetry) RequestRetry(req dispatcher.RetryRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, req)
}

func (r *fakeRetry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type fakeAlerts struct {
	mu   sync.Mutex
	got  []observability.Alert
	fail error
}

func (a *fakeAlerts) Emit(_ context.Context, _ string, alert observability.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, alert)
	return a.fail
}

func (a *fakeAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

type fakeMetrics struct {
	mu  sync.Mutex
	got []string
}

func (m *fakeMetrics) RecordRun(jobName, status string, attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, jobName+":"+status)
}
func (m *fakeMetrics) RecordQueueDepth(int) {}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

func newRunFor(def *domain.JobDefinition) *domain.RunRecord {
	input, _ := json.Marshal(map[string]any{})
	return &domain.RunRecord{
		RunID:         uuid.New(),
		JobName:       def.Name,
		Attempt:       1,
		Status:        domain.RunLeased,
		InputSnapshot: input,
	}
}

func newActivities(t *testing.T, store *fakeStore, reg *registry.Registry, retry *fakeRetry, alerts *fakeAlerts, metrics *fakeMetrics) *Activities {
	return &Activities{
		Log:      testLogger(t),
		Store:    store,
		Registry: reg,
		Retry:    retry,
		Alerts:   alerts,
		Metrics:  metrics,
	}
}

func TestTick_SuccessReleasesLeaseAndReportsSucceeded(t *testing.T) {
	def := &domain.JobDefinition{
		Name: "ok_job", Timeout: time.Second,
		Schedule: domain.Schedule{Kind: domain.ScheduleManual},
		SingletonPolicy: domain.SingletonPerJob,
		RetryPolicy:     domain.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Second},
		Handler:         domain.HandlerFunc(func(ctx domain.HandlerContext) error { return nil }),
	}
	reg := registry.New()
	require.NoError(t, reg.Register(def))

	store := newFakeStore()
	run := newRunFor(def)
	require.NoError(t, store.CreateRun(context.Background(), run))
	leaseKey := "ok_job"
	_, err := store.TryAcquireLease(context.Background(), leaseKey, time.Second, run.RunID, "replica-1")
	require.NoError(t, err)

	retry := &fakeRetry{}
	acts := newActivities(t, store, reg, retry, &fakeAlerts{}, &fakeMetrics{})

	result, err := acts.Tick(context.Background(), RunInput{RunID: run.RunID, JobName: def.Name, Attempt: 1, Timeout: def.Timeout, ReplicaID: "replica-1"})
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, domain.RunSucceeded, store.statusOf(t, run.RunID))

	store.mu.Lock()
	_, stillLeased := store.leases[leaseKey]
	store.mu.Unlock()
	assert.False(t, stillLeased)
	assert.Equal(t, 0, retry.count())
}

func TestTick_RetryableFailureRequestsRetryAndKeepsLease(t *testing.T) {
	def := &domain.JobDefinition{
		Name: "flaky_job", Timeout: time.Second,
		Schedule:        domain.Schedule{Kind: domain.ScheduleManual},
		SingletonPolicy: domain.SingletonPerJob,
		RetryPolicy:     domain.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Second},
		Handler: domain.HandlerFunc(func(ctx domain.HandlerContext) error {
			return errors.New("boom")
		}),
	}
	reg := registry.New()
	require.NoError(t, reg.Register(def))

	store := newFakeStore()
	run := newRunFor(def)
	require.NoError(t, store.CreateRun(context.Background(), run))
	leaseKey := "flaky_job"
	_, err := store.TryAcquireLease(context.Background(), leaseKey, time.Second, run.RunID, "replica-1")
	require.NoError(t, err)

	retry := &fakeRetry{}
	acts := newActivities(t, store, reg, retry, &fakeAlerts{}, &fakeMetrics{})

	result, err := acts.Tick(context.Background(), RunInput{RunID: run.RunID, JobName: def.Name, Attempt: 1, Timeout: def.Timeout, ReplicaID: "replica-1"})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, domain.RunFailed, store.statusOf(t, run.RunID))
	assert.Equal(t, 1, retry.count())

	store.mu.Lock()
	_, stillLeased := store.leases[leaseKey]
	store.mu.Unlock()
	assert.True(t, stillLeased, "lease held across a retryable failure so another attempt can reuse it")
}

func TestTick_NonRetryableFailureReleasesLeaseAndAlerts(t *testing.T) {
	def := &domain.JobDefinition{
		Name: "bad_input_job", Timeout: time.Second,
		Schedule:        domain.Schedule{Kind: domain.ScheduleManual},
		SingletonPolicy: domain.SingletonPerJob,
		RetryPolicy:     domain.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Second},
		AlertChannels:   []string{"ops"},
		Handler: domain.HandlerFunc(func(ctx domain.HandlerContext) error {
			ctx.FailWith(domain.ErrInvalidInput, errors.New("missing field"))
			return nil
		}),
	}
	reg := registry.New()
	require.NoError(t, reg.Register(def))

	store := newFakeStore()
	run := newRunFor(def)
	require.NoError(t, store.CreateRun(context.Background(), run))
	leaseKey := "bad_input_job"
	_, err := store.TryAcquireLease(context.Background(), leaseKey, time.Second, run.RunID, "replica-1")
	require.NoError(t, err)

	retry := &fakeRetry{}
	alerts := &fakeAlerts{}
	acts := newActivities(t, store, reg, retry, alerts, &fakeMetrics{})

	result, err := acts.Tick(context.Background(), RunInput{RunID: run.RunID, JobName: def.Name, Attempt: 1, Timeout: def.Timeout, ReplicaID: "replica-1"})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, domain.RunFailed, store.statusOf(t, run.RunID))
	assert.Equal(t, 0, retry.count())
	assert.Equal(t, 1, alerts.count())

	store.mu.Lock()
	_, stillLeased := store.leases[leaseKey]
	store.mu.Unlock()
	assert.False(t, stillLeased)
}

func TestTick_HandlerPanicIsRecoveredAsUnexpectedFailure(t *testing.T) {
	def := &domain.JobDefinition{
		Name: "panicky_job", Timeout: time.Second,
		Schedule: domain.Schedule{Kind: domain.ScheduleManual},
		RetryPolicy: domain.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Second},
		Handler: domain.HandlerFunc(func(ctx domain.HandlerContext) error {
			panic("unexpected nil pointer")
		}),
	}
	reg := registry.New()
	require.NoError(t, reg.Register(def))

	store := newFakeStore()
	run := newRunFor(def)
	require.NoError(t, store.CreateRun(context.Background(), run))
	_, err := store.TryAcquireLease(context.Background(), "panicky_job", time.Second, run.RunID, "replica-1")
	require.NoError(t, err)

	acts := newActivities(t, store, reg, &fakeRetry{}, &fakeAlerts{}, &fakeMetrics{})

	result, err := acts.Tick(context.Background(), RunInput{RunID: run.RunID, JobName: def.Name, Attempt: 1, Timeout: def.Timeout, ReplicaID: "replica-1"})
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, string(domain.ErrUnexpected), result.ErrorKind)
}

func TestTick_UnknownJobReturnsError(t *testing.T) {
	reg := registry.New()
	store := newFakeStore()
	acts := newActivities(t, store, reg, &fakeRetry{}, &fakeAlerts{}, &fakeMetrics{})

	_, err := acts.Tick(context.Background(), RunInput{RunID: uuid.New(), JobName: "does_not_exist", Timeout: time.Second})
	require.Error(t, err)
}
