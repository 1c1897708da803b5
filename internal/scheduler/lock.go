package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corvidqueue/corvid/internal/redisgw"
)

// DistributedLock provides Redis-based mutual exclusion for schedule
// firings, so that when several scheduler processes run for availability
// only one enqueues a given tick.
type DistributedLock struct {
	gw    *redisgw.Gateway
	key   string
	token string
}

// AcquireLock attempts SETNX on key with the given ttl. Returns (nil, nil)
// if another holder already owns the lock.
func AcquireLock(ctx context.Context, gw *redisgw.Gateway, key string, ttl time.Duration) (*DistributedLock, error) {
	token := uuid.New().String()

	acquired, err := gw.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &DistributedLock{gw: gw, key: key, token: token}, nil
}

// Release deletes the lock key, but only if this holder still owns it
// (check-and-delete via Lua to avoid releasing a lock someone else now
// holds after our TTL expired).
func (l *DistributedLock) Release(ctx context.Context) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.gw.Eval(ctx, script, []string{l.key}, l.token)
	return err
}
