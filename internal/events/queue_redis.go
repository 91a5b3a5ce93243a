package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Queue is the observability queue contract. Enqueue must not block the
// request path: implementations bound their own I/O and surface saturation
// as an error so the emitter can fall back.
type Queue interface {
	Enqueue(ctx context.Context, event *NormalizedEvent) error
	Close() error
}

// RedisQueue appends events to a Redis Stream. Downstream consumers drain
// the stream into the analytics sink.
type RedisQueue struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisQueue connects and verifies the Redis backend.
func NewRedisQueue(addr, password string, db int, stream string, logger zerolog.Logger) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	logger.Info().Str("addr", addr).Str("stream", stream).Msg("event queue connected")
	return &RedisQueue{
		rdb:    rdb,
		stream: stream,
		maxLen: 1_000_000,
		logger: logger.With().Str("component", "event-queue").Logger(),
	}, nil
}

// Enqueue XAdds one event. The write timeout on the client keeps this from
// blocking; a saturated or down Redis returns an error.
func (q *RedisQueue) Enqueue(ctx context.Context, event *NormalizedEvent) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id": event.EventID,
			"project":  event.ProjectID,
			"type":     string(event.EventType),
			"payload":  payload,
		},
	}).Err()
}

// Client exposes the underlying redis client for shared use (exact-key
// cache store rides the same connection pool).
func (q *RedisQueue) Client() *redis.Client { return q.rdb }

func (q *RedisQueue) Close() error { return q.rdb.Close() }
