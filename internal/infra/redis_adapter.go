// Package infra provides the concrete Redis adapter for the shared KV
// store. The rate limiter and the router's rolling metrics both treat
// the KV as advisory state: on any error they fall back to in-process
// copies, so this adapter reports errors instead of retrying.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound normalizes redis.Nil for callers.
var ErrKeyNotFound = errors.New("kv: key not found")

// KV is the narrow contract the limiter and router depend on.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisKV wraps go-redis v9 behind the KV interface.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects with short timeouts; the KV sits on the request
// path, so a slow Redis must look like a down Redis.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisKV{rdb: rdb}, nil
}

func (a *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	return val, err
}

func (a *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *RedisKV) Ping(ctx context.Context) error {
	return a.rdb.Ping(ctx).Err()
}

func (a *RedisKV) Close() error { return a.rdb.Close() }
