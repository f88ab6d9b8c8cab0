// Package lease provides single-holder leases over state that several
// processes could otherwise write at once, such as a shared audit mirror.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when another holder owns the lease.
var ErrNotHeld = errors.New("lease: held by another process")

// Lease is a renewable exclusive claim. Acquire both takes and renews it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Local is always held. It serves single-process deployments.
type Local struct{}

func (Local) Acquire(context.Context) (bool, error) { return true, nil }
func (Local) Release(context.Context) error         { return nil }

// redisAcquireScript takes the lease if free or extends it if already ours.
// KEYS[1] = lease key
// ARGV[1] = holder token
// ARGV[2] = ttl in milliseconds
var redisAcquireScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if not holder then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return 1
end
if holder == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// redisReleaseScript deletes the lease only if we still hold it.
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a TTL lease stored under one key. A holder that stops renewing
// loses the lease after ttl.
type Redis struct {
	client redis.Scripter
	key    string
	token  string
	ttl    time.Duration
}

// NewRedis creates a lease with a random holder token.
func NewRedis(client redis.Scripter, key string, ttl time.Duration) *Redis {
	return &Redis{client: client, key: key, token: uuid.NewString(), ttl: ttl}
}

// DialRedis connects to addr and returns a lease using that client.
func DialRedis(addr, key string, ttl time.Duration) (*Redis, *redis.Client) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedis(rdb, key, ttl), rdb
}

// Token identifies this holder.
func (l *Redis) Token() string { return l.token }

func (l *Redis) Acquire(ctx context.Context) (bool, error) {
	res, err := redisAcquireScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", l.key, err)
	}
	return res == 1, nil
}

func (l *Redis) Release(ctx context.Context) error {
	if err := redisReleaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lease: release %s: %w", l.key, err)
	}
	return nil
}

// Claim acquires l once, returning ErrNotHeld if another holder has it.
func Claim(ctx context.Context, l Lease) error {
	held, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !held {
		return ErrNotHeld
	}
	return nil
}

// Keep renews a claimed lease every interval until ctx ends, then releases
// it. It returns nil on cancellation and an error as soon as a renewal fails
// or finds the lease taken.
func Keep(ctx context.Context, l Lease, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			return l.Release(relCtx)
		case <-ticker.C:
			if err := Claim(ctx, l); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return fmt.Errorf("lease: renewal: %w", err)
			}
		}
	}
}
