package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pulsecast/internal/models"
)

// RedisQueueConfig configures the Redis-backed broadcast queue.
type RedisQueueConfig struct {
	Addr         string
	Username     string
	Password     string
	Channel      string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Buffer       int
	PoolSize     int
}

// NewRedisQueue initialises a queue backed by Redis pub/sub so several server
// processes fan events out to their local subscribers. Delivery is
// best-effort, matching the gateway's fire-and-forget contract.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "pulsecast:events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &redisQueue{
		client:  client,
		channel: channel,
		logger:  logger,
		buffer:  cfg.Buffer,
	}, nil
}

type redisQueue struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	buffer  int
}

func (q *redisQueue) Publish(ctx context.Context, event models.Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.Publish(ctx, q.channel, payload).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := q.client.Subscribe(ctx, q.channel)
	sub := &redisSubscription{
		queue:  q,
		pubsub: pubsub,
		cancel: cancel,
		ch:     make(chan models.Event, q.buffer),
	}
	go sub.run(ctx)
	return sub
}

type redisSubscription struct {
	queue  *redisQueue
	pubsub *redis.PubSub
	cancel context.CancelFunc

	once sync.Once
	ch   chan models.Event
}

func (s *redisSubscription) Events() <-chan models.Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

// run is the only goroutine that sends on s.ch, so it is also the only one
// allowed to close it. Close merely stops the pub/sub and lets run drain out.
func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	defer s.Close()
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				if s.queue.logger != nil {
					s.queue.logger.Error("redis broadcast decode failed", "error", err)
				}
				continue
			}
			select {
			case s.ch <- event:
			default:
				// Drop on backpressure; the local subscriber is behind.
			}
		}
	}
}
