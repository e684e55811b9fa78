package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const lastSeenKeyPrefix = "gigchat:last-seen:"

// RedisLastSeen stores last-seen timestamps as unix milliseconds.
type RedisLastSeen struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLastSeen(addr, password string, db int, ttl time.Duration) (*RedisLastSeen, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisLastSeen{rdb: rdb, ttl: ttl}, nil
}

func lastSeenKey(userId int) string {
	return lastSeenKeyPrefix + strconv.Itoa(userId)
}

func (r *RedisLastSeen) SetLastSeen(ctx context.Context, userId int, at time.Time) error {
	return r.rdb.Set(ctx, lastSeenKey(userId), at.UnixMilli(), r.ttl).Err()
}

func (r *RedisLastSeen) LastSeen(ctx context.Context, userId int) (time.Time, bool, error) {
	ms, err := r.rdb.Get(ctx, lastSeenKey(userId)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	return time.UnixMilli(ms).UTC(), true, nil
}

func (r *RedisLastSeen) Close() error {
	return r.rdb.Close()
}
