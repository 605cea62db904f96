package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/transitsuite/tspjob/internal/platform/logger"
)

// String, Int, and DurationMillis generalize the teacher's utils.GetEnv /
// GetEnvAsInt pair (internal/utils/env.go) to the process-config surface
// spec.md §6 names (RUNTIME_WORKERS, RUNTIME_QUEUE, RUNTIME_LEASE_TTL_MS,
// RUNTIME_SHUTDOWN_GRACE_MS, RUNTIME_REPLICA_ID).
func String(name, def string, log *logger.Logger) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func Int(name string, def int, log *logger.Logger) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		if log != nil {
			log.Warn("invalid integer env var, using default", "name", name, "value", v, "default", def)
		}
		return def
	}
	return i
}

// DurationMillis reads name as a millisecond count and returns it as a
// time.Duration, falling back to def on absence or parse failure.
func DurationMillis(name string, def time.Duration, log *logger.Logger) time.Duration {
	ms := Int(name, -1, log)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
