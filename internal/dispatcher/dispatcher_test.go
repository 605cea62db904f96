package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/schedule"
)

type fakeRegistry struct {
	defs map[string]*domain.JobDefinition
}

func newFakeRegistry(defs ...*domain.JobDefinition) *fakeRegistry {
	r := &fakeRegistry{defs: map[string]*domain.JobDefinition{}}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

func (r *fakeRegistry) List() []*domain.JobDefinition {
	out := make([]*domain.JobDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

func (r *fakeRegistry) Lookup(name string) (*domain.JobDefinition, error) {
	d, ok := r.defs[name]
	if !ok {
		return nil, domain.ErrUnknownJobf("%s", name)
	}
	return d, nil
}

type fakeStore struct {
	mu       sync.Mutex
	leases   map[string]uuid.UUID
	runs     map[uuid.UUID]*domain.RunRecord
	deniedBy int
}

func newFakeStore() *fakeStore {
	return &fakeStore{leases: map[string]uuid.UUID{}, runs: map[uuid.UUID]*domain.RunRecord{}}
}

func (s *fakeStore) TryAcquireLease(_ context.Context, key string, _ time.Duration, runID uuid.UUID, _ string) (domain.LeaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.leases[key]; held {
		s.deniedBy++
		return domain.LeaseOutcome{Acquired: false, HeldBy: "someone"}, nil
	}
	s.leases[key] = runID
	return domain.LeaseOutcome{Acquired: true}, nil
}

func (s *fakeStore) denied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deniedBy
}

func (s *fakeStore) RenewLease(context.Context, string, uuid.UUID, time.Duration) (domain.RenewOutcome, error) {
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
	if run, ok := s.runs[runID]; ok {
		if st, ok := patch["status"].(domain.RunStatus); ok {
			run.Status = st
		}
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

type fakePool struct {
	mu        sync.Mutex
	submitted []string
	outcome   SubmitOutcome
}

func newFakePool() *fakePool { return &fakePool{outcome: SubmitAccepted} }

func (p *fakePool) Submit(_ context.Context, def *domain.JobDefinition, _ *domain.RunRecord) SubmitOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, def.Name)
	return p.outcome
}

func (p *fakePool) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.submitted))
	copy(out, p.submitted)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	require.NoError(t, err)
	return l
}

func manualDef(name string, priority int, singleton domain.SingletonPolicy) *domain.JobDefinition {
	return &domain.JobDefinition{
		Name:            name,
		Schedule:        domain.Schedule{Kind: domain.ScheduleManual},
		SingletonPolicy: singleton,
		MaxConcurrent:   1,
		Timeout:         time.Minute,
		Priority:        priority,
		RetryPolicy:     domain.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Second, BackoffMultiplier: 2, MaxBackoff: time.Minute},
	}
}

func TestTriggerDispatchesAndCreatesRun(t *testing.T) {
	reg := newFakeRegistry(manualDef("job_a", 0, domain.SingletonNone))
	store := newFakeStore()
	pool := newFakePool()
	d := New(reg, schedule.New(), store, pool, testLogger(t), "replica-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	require.NoError(t, d.Trigger("job_a", map[string]any{"x": 1}, nil))

	require.Eventually(t, func() bool { return len(pool.names()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"job_a"}, pool.names())
}

func TestSingletonLeaseSkipsSecondFire(t *testing.T) {
	reg := newFakeRegistry(manualDef("job_a", 0, domain.SingletonPerJob))
	store := newFakeStore()
	pool := newFakePool()
	d := New(reg, schedule.New(), store, pool, testLogger(t), "replica-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	require.NoError(t, d.Trigger("job_a", nil, nil))
	require.Eventually(t, func() bool { return len(pool.names()) == 1 }, time.Second, 5*time.Millisecond)

	// A second fire while the lease is still held must not dispatch a
	// second run to the pool.
	require.NoError(t, d.Trigger("job_a", nil, nil))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pool.names(), 1)
}

// TestSingletonRaceAcrossReplicasOnlyOneAcquiresLease pins spec.md's
// singleton-race scenario with concurrent triggers of the same
// SingletonPerJob job against one Dispatcher and a shared lease standing
// in for ~10 replicas; exactly one must win the lease and
// reach the Worker Pool, and the rest must be skipped_held (denied the
// lease) rather than all being admitted.
func TestSingletonRaceAcrossReplicasOnlyOneAcquiresLease(t *testing.T) {
	reg := newFakeRegistry(manualDef("job_a", 0, domain.SingletonPerJob))
	store := newFakeStore()
	pool := newFakePool()
	d := New(reg, schedule.New(), store, pool, testLogger(t), "replica-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	const racers = 11
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Trigger("job_a", nil, nil)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(pool.names()) >= 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.denied() == racers-1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, pool.names(), 1, "exactly one of the racing fires must win the singleton lease")
}

func TestRetryRequestReEnqueues(t *testing.T) {
	reg := newFakeRegistry(manualDef("job_a", 0, domain.SingletonNone))
	store := newFakeStore()
	pool := newFakePool()
	d := New(reg, schedule.New(), store, pool, testLogger(t), "replica-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	d.RequestRetry(RetryRequest{JobName: "job_a", Attempt: 2, NotBefore: time.Now().UTC()})
	require.Eventually(t, func() bool { return len(pool.names()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackpressureReleasesLease(t *testing.T) {
	reg := newFakeRegistry(manualDef("job_a", 0, domain.SingletonPerJob))
	store := newFakeStore()
	pool := newFakePool()
	pool.outcome = SubmitSkippedBackpressure
	d := New(reg, schedule.New(), store, pool, testLogger(t), "replica-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Stop()

	require.NoError(t, d.Trigger("job_a", nil, nil))
	require.Eventually(t, func() bool { return len(pool.names()) == 1 }, time.Second, 5*time.Millisecond)

	// The lease must have been released so a subsequent fire can acquire it.
	require.Eventually(t, func() bool {
		out, _ := store.TryAcquireLease(ctx, "job_a", time.Minute, uuid.New(), "replica-2")
		return out.Acquired
	}, time.Second, 5*time.Millisecond)
}
