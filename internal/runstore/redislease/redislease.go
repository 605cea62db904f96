package redislease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
)

/*
Store is the coordination-service alternative to runstore/pg's lease
table (spec.md §4.3: "a coordination service providing compare-and-set").
It implements only runstore.LeaseStore; Run Record persistence still goes
through runstore/pg.Store, so a host wires the two together behind a
single runstore.Store by embedding both.

Grounded on the teacher's internal/clients/redis/sse_bus.go connection
bootstrap, repurposed from pub/sub into a CAS lease coordinator: SET NX
PX for acquisition, and Lua scripts for renew/release so the
holder-check-then-mutate sequence stays atomic from Redis's point of
view, the same property the teacher leaned on go-redis for a pub/sub
channel identity instead.
*/
type Store struct {
	rdb *redis.Client
	log *logger.Logger
}

func New(rdb *redis.Client, baseLog *logger.Logger) *Store {
	return &Store{rdb: rdb, log: baseLog.With("component", "runstore.redislease")}
}

const leaseValueSep = "|"

func encodeValue(runID uuid.UUID, holder string) string {
	return runID.String() + leaseValueSep + holder
}

func (s *Store) TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID uuid.UUID, replicaID string) (domain.LeaseOutcome, error) {
	redisKey := "tspjob:lease:" + key
	ok, err := s.rdb.SetNX(ctx, redisKey, encodeValue(runID, replicaID), ttl).Result()
	if err != nil {
		return domain.LeaseOutcome{}, err
	}
	if ok {
		return domain.LeaseOutcome{Acquired: true}, nil
	}
	val, err := s.rdb.Get(ctx, redisKey).Result()
	if err != nil && err != redis.Nil {
		return domain.LeaseOutcome{}, err
	}
	holder := "unknown"
	if len(val) > 0 {
		if idx := lastIndex(val, leaseValueSep); idx >= 0 {
			holder = val[idx+1:]
		}
	}
	return domain.LeaseOutcome{Acquired: false, HeldBy: holder}, nil
}

// renewScript extends the TTL only if the current value's run_id prefix
// matches the caller's run_id — the Lua CAS the teacher's SSE bus never
// needed but a lease coordinator does, since GET-then-EXPIRE from the
// client side would race another holder's acquisition.
var renewScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
local sep = string.find(current, "|")
if not sep then
  return 0
end
local current_run_id = string.sub(current, 1, sep - 1)
if current_run_id ~= ARGV[1] then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

func (s *Store) RenewLease(ctx context.Context, key string, runID uuid.UUID, newTTL time.Duration) (domain.RenewOutcome, error) {
	redisKey := "tspjob:lease:" + key
	res, err := renewScript.Run(ctx, s.rdb, []string{redisKey}, runID.String(), newTTL.Milliseconds()).Int()
	if err != nil {
		return domain.RenewOutcome{}, err
	}
	if res == 1 {
		return domain.RenewOutcome{OK: true}, nil
	}
	return domain.RenewOutcome{Lost: true}, nil
}

var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
local sep = string.find(current, "|")
if not sep then
  return 0
end
local current_run_id = string.sub(current, 1, sep - 1)
if current_run_id ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

func (s *Store) ReleaseLease(ctx context.Context, key string, runID uuid.UUID) error {
	redisKey := "tspjob:lease:" + key
	_, err := releaseScript.Run(ctx, s.rdb, []string{redisKey}, runID.String()).Int()
	return err
}

func lastIndex(s, sep string) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}
