package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/transitsuite/tspjob/internal/coreapp"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/observability"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/platform/procconfig"
	"github.com/transitsuite/tspjob/internal/runstore"
)

func main() {
	pcfg := procconfig.Load()
	log, err := logger.New(pcfg.LogMode)
	if err != nil {
		fmt.Printf("failed to init logger: %v\n", err)
		os.Exit(3)
	}
	defer log.Sync()

	store, err := procconfig.OpenStore(context.Background(), pcfg, log)
	if err != nil {
		log.Error("failed to open run store", "error", err)
		os.Exit(3)
	}

	shutdownTracing := observability.InitOTel(context.Background(), log, observability.OtelConfig{ServiceName: "tspjob"})
	metrics, shutdownMetrics := observability.InitMeterProvider(context.Background(), log, observability.OtelConfig{ServiceName: "tspjob"})
	alerts := observability.NewWebhookSink(pcfg.AlertWebhooks, log)

	cfg := coreapp.LoadConfig(log)
	core, err := coreapp.New(cfg, coreapp.Dependencies{
		Store:   store,
		Log:     log,
		Alerts:  alerts,
		Metrics: metrics,
	}, builtinJobs(store))
	if err != nil {
		log.Error("failed to start core", "error", err)
		os.Exit(3)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	core.Start(ctx)
	log.Info("tspjob runtime started", "replica_id", cfg.ReplicaID, "workers", cfg.Workers)

	<-ctx.Done()
	log.Info("shutdown signal received, draining in-flight runs")
	core.Shutdown("graceful")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(shutdownCtx)
	_ = shutdownMetrics(shutdownCtx)
}

// builtinJobs registers the runtime's own housekeeping jobs. Nothing in
// the host embedding surface drives spec.md §3.1's retention policy
// otherwise, so the runtime carries a self-scheduled pruning job.
func builtinJobs(store runstore.Store) []*domain.JobDefinition {
	return []*domain.JobDefinition{
		{
			Name:            "tspjob_prune_runs",
			Description:     "deletes terminal Run Records past their retention window",
			Schedule:        domain.Schedule{Kind: domain.ScheduleInterval, Every: time.Hour},
			SingletonPolicy: domain.SingletonPerJob,
			MaxConcurrent:   1,
			Timeout:         5 * time.Minute,
			RetryPolicy:     domain.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Minute, BackoffMultiplier: 2, MaxBackoff: 10 * time.Minute},
			Handler: domain.HandlerFunc(func(ctx domain.HandlerContext) error {
				n, err := store.Prune(context.Background(), domain.DefaultRetentionPolicy(), time.Now().UTC())
				if err != nil {
					ctx.FailWith(domain.ErrTransientDependency, err)
					return err
				}
				ctx.Metric("runs_pruned", float64(n))
				return nil
			}),
		},
	}
}
