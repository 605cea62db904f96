// Package procconfig loads the process-level settings shared by every
// tspjob binary (where the Run Store lives, which lease backend to use),
// as distinct from the runtime scheduling knobs coreapp.LoadConfig reads.
// Grounded on tyemirov-utils/preflight/viperconfig's
// BindEnv+AutomaticEnv pattern, the only spf13/viper usage in the pack.
package procconfig

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/runstore"
	"github.com/transitsuite/tspjob/internal/runstore/pg"
	"github.com/transitsuite/tspjob/internal/runstore/redislease"
)

type Config struct {
	PostgresDSN  string
	LeaseBackend string // "postgres" or "redis"
	RedisAddr    string
	LogMode      string
	AlertWebhooks map[string]string
}

func Load() Config {
	v := viper.New()
	v.SetDefault("postgres_dsn", "host=localhost user=tspjob dbname=tspjob sslmode=disable")
	v.SetDefault("lease_backend", "postgres")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("log_mode", "development")
	v.SetDefault("alert_webhooks", "")
	_ = v.BindEnv("postgres_dsn", "TSPJOB_POSTGRES_DSN")
	_ = v.BindEnv("lease_backend", "TSPJOB_LEASE_BACKEND")
	_ = v.BindEnv("redis_addr", "TSPJOB_REDIS_ADDR")
	_ = v.BindEnv("log_mode", "LOG_MODE")
	_ = v.BindEnv("alert_webhooks", "TSPJOB_ALERT_WEBHOOKS")
	v.AutomaticEnv()

	return Config{
		PostgresDSN:   v.GetString("postgres_dsn"),
		LeaseBackend:  strings.ToLower(v.GetString("lease_backend")),
		RedisAddr:     v.GetString("redis_addr"),
		LogMode:       v.GetString("log_mode"),
		AlertWebhooks: parseWebhooks(v.GetString("alert_webhooks")),
	}
}

func parseWebhooks(raw string) map[string]string {
	urls := map[string]string{}
	if raw == "" {
		return urls
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		channel, url, found := strings.Cut(pair, "=")
		if !found || channel == "" || url == "" {
			continue
		}
		urls[channel] = url
	}
	return urls
}

// OpenStore connects to Postgres, migrates the schema, and layers in the
// configured lease backend. Every tspjob binary that touches the Run
// Store goes through this one construction path.
func OpenStore(ctx context.Context, cfg Config, log *logger.Logger) (runstore.Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pgStore := pg.New(db, log)
	if err := pgStore.AutoMigrate(); err != nil {
		return nil, fmt.Errorf("migrate run store schema: %w", err)
	}
	if cfg.LeaseBackend != "redis" {
		return pgStore, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return redisBackedStore{LeaseStore: redislease.New(rdb, log), RunRecordStore: pgStore}, nil
}

// redisBackedStore composes the Redis CAS lease coordinator with
// Postgres run-record persistence, per spec.md §4.3's coordination
// service alternative: Run Records always persist relationally, only
// the lease primitive moves to Redis.
type redisBackedStore struct {
	runstore.LeaseStore
	runstore.RunRecordStore
}
