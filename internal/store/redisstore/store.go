package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.rdb.Close() }

const completionLockPrefix = "completion:lock:"

// AcquireCompletionLock takes the cross-process mutex for one internal session
// identifier. Returns false when another process holds it. The TTL bounds how
// long a crashed holder can block retries.
func (s *Store) AcquireCompletionLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, completionLockPrefix+sessionID, owner, ttl).Result()
}

// ReleaseCompletionLock drops the mutex only when owner still holds it, so a
// lock that expired and was re-acquired elsewhere is never released by the
// stale holder.
func (s *Store) ReleaseCompletionLock(ctx context.Context, sessionID, owner string) error {
	const script = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`
	return s.rdb.Eval(ctx, script, []string{completionLockPrefix + sessionID}, owner).Err()
}
