package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vulnwatch/epss-go/config"
)

// redisBackend delegates TTL to Redis' native expiry, so reads need no
// separate staleness check. Payloads are JSON text, never msgpack, to
// keep stored values readable by non-Go consumers of the same Redis.
type redisBackend struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ Backend = (*redisBackend)(nil)

// newRedisBackend connects and pings the server. A connectivity failure
// here is a hard error that feeds the Manager's fallback policy;
// failures on later operations are folded into miss/false by the
// Manager.
func newRedisBackend(cfg config.Redis, prefix string) (*redisBackend, error) {
	timeout := time.Duration(cfg.ReadTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
		ReadTimeout: timeout,
		PoolSize:    cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot connect to redis at %s: %w", client.Options().Addr, err)
	}
	return &redisBackend{client: client, prefix: prefix, timeout: timeout}, nil
}

func (b *redisBackend) opCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.timeout)
}

func (b *redisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := b.opCtx(ctx)
	defer cancel()
	data, err := b.client.Get(qctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &Entry{Data: data, Encoding: EncodingJSON}, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	qctx, cancel := b.opCtx(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0 // redis: 0 = no expiry
	}
	return b.client.Set(qctx, key, e.Data, ttl).Err()
}

func (b *redisBackend) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := b.opCtx(ctx)
	defer cancel()
	n, err := b.client.Del(qctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Clear removes only keys under this backend's prefix via SCAN, not
// FLUSHDB, so unrelated keys on a shared Redis survive.
func (b *redisBackend) Clear(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, b.timeout*4)
	defer cancel()
	iter := b.client.Scan(qctx, 0, b.prefix+":*", 100).Iterator()
	for iter.Next(qctx) {
		if err := b.client.Del(qctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (b *redisBackend) Exists(ctx context.Context, key string) (bool, error) {
	qctx, cancel := b.opCtx(ctx)
	defer cancel()
	n, err := b.client.Exists(qctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
