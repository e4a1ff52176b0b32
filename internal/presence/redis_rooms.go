package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisRoomsConfig configures the shared room-membership backend.
type RedisRoomsConfig struct {
	Addr        string
	Username    string
	Password    string
	KeyPrefix   string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	PoolSize    int
}

// NewRedisRooms returns a RoomSet backed by Redis sets so that room
// membership, and therefore viewer counts, stay global when the presence
// layer runs in more than one process.
func NewRedisRooms(cfg RedisRoomsConfig) (RoomSet, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "pulsecast:room"
	}
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Username:    strings.TrimSpace(cfg.Username),
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  2,
	})
	return &redisRooms{client: client, prefix: prefix}, nil
}

type redisRooms struct {
	client *redis.Client
	prefix string
}

func (r *redisRooms) key(room string) string {
	return r.prefix + ":" + room
}

func (r *redisRooms) Add(ctx context.Context, room, userID string) (int, error) {
	key := r.key(room)
	if err := r.client.SAdd(ctx, key, userID).Err(); err != nil {
		return 0, fmt.Errorf("sadd %s: %w", key, err)
	}
	size, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return int(size), nil
}

func (r *redisRooms) Remove(ctx context.Context, room, userID string) (int, error) {
	key := r.key(room)
	if err := r.client.SRem(ctx, key, userID).Err(); err != nil {
		return 0, fmt.Errorf("srem %s: %w", key, err)
	}
	size, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", key, err)
	}
	return int(size), nil
}

func (r *redisRooms) Count(ctx context.Context, room string) (int, error) {
	size, err := r.client.SCard(ctx, r.key(room)).Result()
	if err != nil {
		return 0, fmt.Errorf("scard %s: %w", r.key(room), err)
	}
	return int(size), nil
}

func (r *redisRooms) Clear(ctx context.Context, room string) error {
	if err := r.client.Del(ctx, r.key(room)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", r.key(room), err)
	}
	return nil
}
