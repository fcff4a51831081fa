package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/metrics"
	"github.com/austindbirch/backpressure/internal/tracing"
)

// ListPusher is the subset of redis.Cmdable the Redis transport needs.
type ListPusher interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection with a ping.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s failed: %w", opts.Addr, err)
	}
	return rdb, nil
}

// RedisTransport pushes each request envelope onto the head of a Redis list,
// so a consumer using BRPOP reads requests in send order.
type RedisTransport struct {
	client ListPusher
	key    string
}

func NewRedisTransport(client ListPusher, key string) *RedisTransport {
	return &RedisTransport{client: client, key: key}
}

func (t *RedisTransport) Name() string { return KindRedis }

func (t *RedisTransport) Send(ctx context.Context, req delivery.Request) error {
	body, err := newEnvelope(req, tracing.InjectMap(ctx)).marshal()
	if err != nil {
		return &SendError{Reason: "encode", Err: err}
	}
	if err := t.client.LPush(ctx, t.key, body).Err(); err != nil {
		metrics.RecordFailure("broker")
		return &SendError{Reason: "broker", Err: fmt.Errorf("redis lpush %s: %w", t.key, err)}
	}
	return nil
}
