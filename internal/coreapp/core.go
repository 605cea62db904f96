package coreapp

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/transitsuite/tspjob/internal/dispatcher"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/observability"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/registry"
	"github.com/transitsuite/tspjob/internal/runstore"
	"github.com/transitsuite/tspjob/internal/schedule"
	"github.com/transitsuite/tspjob/internal/worker"
)

// Core is the TSP Job Runtime Core's host embedding surface (spec.md §6):
// start/shutdown/trigger/status/tail_runs. It is the generalization of
// the teacher's App (internal/app/app.go) from an HTTP+gin process into a
// headless scheduling runtime: New() wires the components, Start()
// launches the dispatcher and pool loops, Shutdown() drains them.
type Core struct {
	Log        *logger.Logger
	Registry   *registry.Registry
	Resolver   *schedule.Resolver
	Store      runstore.Store
	Dispatcher *dispatcher.Dispatcher
	Pool       *worker.Pool

	cfg    Config
	cancel context.CancelFunc
}

// Dependencies are the host-supplied collaborators New wires together;
// everything else (Registry, Resolver, Dispatcher, Pool) is constructed
// internally.
type Dependencies struct {
	Store   runstore.Store
	Log     *logger.Logger
	Alerts  observability.AlertSink
	Metrics observability.MetricsSink
}

func New(cfg Config, deps Dependencies, defs []*domain.JobDefinition) (*Core, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("coreapp: a Run Store is required")
	}
	log := deps.Log
	if log == nil {
		var err error
		log, err = logger.New("development")
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}

	reg := registry.New()
	var invalid []string
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			invalid = append(invalid, err.Error())
		}
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("registry: %d job definition(s) rejected: %v", len(invalid), invalid)
	}

	resolver := schedule.New()

	pool := worker.New(deps.Store, nil, log, worker.Options{
		Slots:         cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		AdmissionWait: cfg.AdmissionWait,
		ReplicaID:     cfg.ReplicaID,
		Alerts:        deps.Alerts,
		Metrics:       deps.Metrics,
	})

	d := dispatcher.New(reg, resolver, deps.Store, pool, log, cfg.ReplicaID)
	pool.SetRetry(d)

	return &Core{
		Log: log, Registry: reg, Resolver: resolver, Store: deps.Store,
		Dispatcher: d, Pool: pool, cfg: cfg,
	}, nil
}

// Start begins the dispatcher loop and the worker pool's consumer
// goroutines (spec.md §6 start(config)).
func (c *Core) Start(ctx context.Context) {
	if c == nil || c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.Pool.Start(runCtx)
	go c.Dispatcher.Run(runCtx)
}

// Shutdown stops accepting new fires and waits up to the configured
// grace window for in-flight runs to finish before returning, per
// spec.md §5's graceful-shutdown semantics. mode=immediate skips the
// grace window entirely (the "hard abort" path).
func (c *Core) Shutdown(mode string) {
	if c == nil || c.cancel == nil {
		return
	}
	c.Dispatcher.Stop()
	c.cancel()
	c.cancel = nil

	grace := c.cfg.ShutdownGrace
	if mode == "immediate" {
		grace = 0
	}
	done := make(chan struct{})
	go func() {
		c.Pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.Log.Warn("shutdown grace window elapsed with runs still in flight")
	}
	c.Log.Sync()
}

// Trigger enqueues an ad-hoc run. It returns only an error: the
// Dispatcher enqueues asynchronously and no run_id is handed back.
func (c *Core) Trigger(jobName string, inputs map[string]any) error {
	return c.Dispatcher.Trigger(jobName, inputs, nil)
}

// Status returns the last known Run Record for runID, per spec.md §6's
// status(run_id) -> RunRecord.
func (c *Core) Status(ctx context.Context, runID uuid.UUID) (*domain.RunRecord, error) {
	return c.Store.GetRun(ctx, runID)
}

// TailRuns returns the most recent Run Records matching filter, per
// spec.md §6's tail_runs(filter) -> stream (a bounded pull here; a true
// push stream is a host-specific transport concern).
func (c *Core) TailRuns(ctx context.Context, filter domain.RunFilter, limit int) ([]*domain.RunRecord, error) {
	return c.Store.FindRuns(ctx, filter, limit)
}
