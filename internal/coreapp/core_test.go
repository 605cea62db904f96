package coreapp

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/runstore/pg"
)

func testStore(t *testing.T) *pg.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	log, err := logger.New("test")
	require.NoError(t, err)
	store := pg.New(db, log)
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestCoreTriggerRunsToSuccess(t *testing.T) {
	store := testStore(t)
	log, err := logger.New("test")
	require.NoError(t, err)

	ran := make(chan struct{}, 1)
	def := &domain.JobDefinition{
		Name:          "ping",
		Schedule:      domain.Schedule{Kind: domain.ScheduleManual},
		MaxConcurrent: 1,
		Timeout:       time.Second,
		RetryPolicy:   domain.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: time.Second},
		Handler: domain.HandlerFunc(func(ctx domain.HandlerContext) error {
			ran <- struct{}{}
			return nil
		}),
	}

	cfg := Config{ReplicaID: "test-replica", Workers: 2, QueueCapacity: 16, LeaseTTL: time.Second, ShutdownGrace: time.Second, AdmissionWait: time.Second}
	core, err := New(cfg, Dependencies{Store: store, Log: log}, []*domain.JobDefinition{def})
	require.NoError(t, err)

	ctx := context.Background()
	core.Start(ctx)
	defer core.Shutdown("graceful")

	require.NoError(t, core.Trigger("ping", nil))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestCoreRejectsInvalidDefinitionAtStartup(t *testing.T) {
	store := testStore(t)
	log, err := logger.New("test")
	require.NoError(t, err)

	bad := &domain.JobDefinition{Name: "broken"} // zero timeout: invalid
	_, err = New(Config{ReplicaID: "r1", Workers: 1, QueueCapacity: 1}, Dependencies{Store: store, Log: log}, []*domain.JobDefinition{bad})
	require.Error(t, err)
}
