package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisKey = "handshake:sessionstore:snapshot"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// TTL expires the snapshot; zero keeps it.
	TTL time.Duration
}

// RedisSink keeps the snapshot under one redis key.
type RedisSink struct {
	cli *redis.Client
	key string
	ttl time.Duration
}

func NewRedisSink(cfg RedisConfig) *RedisSink {
	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSink{
		cli: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		key: key,
		ttl: cfg.TTL,
	}
}

func (r *RedisSink) Name() string {
	return "redis"
}

func (r *RedisSink) Key() string {
	return r.key
}

func (r *RedisSink) Save(ctx context.Context, data []byte) error {
	if err := r.cli.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("persist: redis set %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisSink) Load(ctx context.Context) ([]byte, error) {
	data, err := r.cli.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("persist: redis get %s: %w", r.key, err)
	}
	return data, nil
}

func (r *RedisSink) Ping(ctx context.Context) error {
	return r.cli.Ping(ctx).Err()
}

func (r *RedisSink) Close() error {
	return r.cli.Close()
}
