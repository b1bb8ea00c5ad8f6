package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "canflux:dedup:"

// Redis is a Deduper backed by a shared Redis instance, so multiple bridge
// replicas subscribed to the same topics drop each other's duplicates.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisConfig configures the shared deduper.
type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password,omitempty" mapstructure:"password"`
	DB       int           `json:"db,omitempty" mapstructure:"db"`
	TTL      time.Duration `json:"ttl,omitempty" mapstructure:"ttl"`
	Prefix   string        `json:"prefix,omitempty" mapstructure:"prefix"`
}

// NewRedis connects to Redis and verifies it is reachable.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedup: redis ping: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, ttl: ttl, prefix: prefix}, nil
}

// Seen records the hash with SET NX and reports whether it already existed.
func (r *Redis) Seen(ctx context.Context, hash string) (bool, error) {
	stored, err := r.client.SetNX(ctx, r.prefix+hash, 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: %w", err)
	}
	return !stored, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
