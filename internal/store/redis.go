package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/callsession/internal/domain"
)

// refreshScript extends the lease only while the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLock shares session claims between instances.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLock connects and pings the server.
func NewRedisLock(ctx context.Context, opts RedisOptions) (*RedisLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLockWithClient(client, opts.KeyPrefix), nil
}

func NewRedisLockWithClient(client redis.UniversalClient, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "callsession"
	}
	return &RedisLock{client: client, prefix: prefix}
}

func (r *RedisLock) key(user domain.UserID) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, user)
}

func (r *RedisLock) Claim(ctx context.Context, user domain.UserID, owner string, ttl time.Duration) error {
	key := r.key(user)
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}
	if ok {
		return nil
	}
	err = r.Refresh(ctx, user, owner, ttl)
	if errors.Is(err, ErrNotOwner) {
		return ErrSessionClaimed
	}
	return err
}

func (r *RedisLock) Refresh(ctx context.Context, user domain.UserID, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(user)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh session claim: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (r *RedisLock) Release(ctx context.Context, user domain.UserID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(user)}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release session claim: %w", err)
	}
	return nil
}

func (r *RedisLock) Close() error {
	return r.client.Close()
}

var _ SessionLock = (*RedisLock)(nil)
