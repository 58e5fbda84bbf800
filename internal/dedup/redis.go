package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	valuePlaceholder = "p"
	valueFinal       = "f"
)

// Redis is a Filter shared by every harvester pointed at the same server, so
// a restart or a second instance does not re-emit recent events.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis filter. Keys are "<prefix><id>" and expire after ttl.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "chatnexus:seen:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Admit implements Filter.
func (r *Redis) Admit(ctx context.Context, id uuid.UUID, placeholder bool) (bool, error) {
	key := r.prefix + id.String()

	if placeholder {
		ok, err := r.client.SetNX(ctx, key, valuePlaceholder, r.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("redis SETNX %s: %w", key, err)
		}
		return ok, nil
	}

	// SET ... GET hands back the previous value, so the transition is a single
	// round trip: absent or placeholder admits, final rejects.
	prev, err := r.client.SetArgs(ctx, key, valueFinal, redis.SetArgs{TTL: r.ttl, Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis SET %s: %w", key, err)
	}
	return prev == valuePlaceholder, nil
}
