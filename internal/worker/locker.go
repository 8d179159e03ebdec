package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants a single holder per key across replicas.
type Locker interface {
	// TryLock returns acquired=false without error when another holder owns key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(ctx context.Context) error, acquired bool, err error)
}

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLocker prefixes every key with keyPrefix.
func NewRedisLocker(client redis.UniversalClient, keyPrefix string) *RedisLocker {
	return &RedisLocker{client: client, keyPrefix: keyPrefix}
}

func (locker *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(ctx context.Context) error, bool, error) {
	lockKey := locker.keyPrefix + key
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", lockKey, err)
	}
	if !acquired {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, locker.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("unlock %s: %w", lockKey, err)
		}
		return nil
	}
	return release, true, nil
}

// LocalLocker always grants the lock; for single-replica deployments.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string, time.Duration) (func(ctx context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// NewRedisClient connects to addr and pings it once.
func NewRedisClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}
