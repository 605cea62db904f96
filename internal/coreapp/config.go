package coreapp

import (
	"fmt"
	"os"
	"time"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/envutil"
	"github.com/transitsuite/tspjob/internal/platform/logger"
)

// Config is start(config) from spec.md §6: the process-level knobs the
// core needs at boot, generalizing the teacher's app.Config/LoadConfig
// pair (internal/app/config.go) from HTTP-auth settings to runtime
// scheduling settings.
type Config struct {
	ReplicaID string

	Workers       int
	QueueCapacity int
	LeaseTTL      time.Duration
	ShutdownGrace time.Duration
	AdmissionWait time.Duration

	CatchUpPolicyDefault domain.CatchUpPolicy
}

// LoadConfig reads spec.md §6's minimal environment variable set,
// defaulting RUNTIME_REPLICA_ID to hostname+pid when unset.
func LoadConfig(log *logger.Logger) Config {
	replicaID := envutil.String("RUNTIME_REPLICA_ID", "", log)
	if replicaID == "" {
		host, _ := os.Hostname()
		replicaID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return Config{
		ReplicaID:            replicaID,
		Workers:              envutil.Int("RUNTIME_WORKERS", 8, log),
		QueueCapacity:        envutil.Int("RUNTIME_QUEUE", 256, log),
		LeaseTTL:             envutil.DurationMillis("RUNTIME_LEASE_TTL_MS", 30*time.Second, log),
		ShutdownGrace:        envutil.DurationMillis("RUNTIME_SHUTDOWN_GRACE_MS", 30*time.Second, log),
		AdmissionWait:        envutil.DurationMillis("RUNTIME_ADMISSION_WAIT_MS", 5*time.Second, log),
		CatchUpPolicyDefault: domain.CatchUpFireOnce,
	}
}
