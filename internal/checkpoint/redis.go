package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "rulebox:checkpoint:"

// Redis keeps positions as plain string keys, so several processes share
// them.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisConfig configures a Redis store.
type RedisConfig struct {
	Client    redis.UniversalClient
	KeyPrefix string
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig) *Redis {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: cfg.Client, keyPrefix: prefix}
}

func (r *Redis) redisKey(listener, stream string) string {
	return r.keyPrefix + key(listener, stream)
}

// Load returns the saved position.
func (r *Redis) Load(ctx context.Context, listener, stream string) (int64, error) {
	v, err := r.client.Get(ctx, r.redisKey(listener, stream)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", key(listener, stream), err)
	}
	pos, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("load checkpoint %s: %w", key(listener, stream), err)
	}
	return pos, nil
}

// Save sets the position without expiry.
func (r *Redis) Save(ctx context.Context, listener, stream string, position int64) error {
	if err := validate(listener, stream, position); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.redisKey(listener, stream), position, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key(listener, stream), err)
	}
	return nil
}
