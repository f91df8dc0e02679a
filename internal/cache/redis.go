package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	redisLatency     metric.Float64Histogram
	redisMetricsOnce sync.Once
)

func ensureRedisMetrics() error {
	var err error
	redisMetricsOnce.Do(func() {
		meter := otel.Meter("redis-client")
		redisLatency, err = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	})
	return err
}

// Redis is the shared cache tier. Every operation is traced; callers route
// calls through the circuit breaker, not this type.
type Redis struct {
	client *redis.Client
}

// NewRedis creates the shared tier from a Redis URL.
func NewRedis(dsn string) (*Redis, error) {
	if err := ensureRedisMetrics(); err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, span := otel.Tracer("redis-client").Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	_ = ensureRedisMetrics()
	return &Redis{client: client}
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) span(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := otel.Tracer("redis-client").Start(ctx, "redis."+op)
	return ctx, func(err error) {
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("redis.command", op)))
		if err != nil && err != redis.Nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "redis command failed")
		}
		span.End()
	}
}

// Get returns the bytes at key, with ok=false on a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, end := r.span(ctx, "get")
	data, err := r.client.Get(ctx, key).Bytes()
	end(err)
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Set stores bytes at key with the given ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, end := r.span(ctx, "set")
	err := r.client.Set(ctx, key, value, ttl).Err()
	end(err)
	return err
}

// Del removes keys.
func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, end := r.span(ctx, "del")
	err := r.client.Del(ctx, keys...).Err()
	end(err)
	return err
}

// DelPattern removes every key matching the glob via SCAN.
func (r *Redis) DelPattern(ctx context.Context, glob string) (int, error) {
	ctx, end := r.span(ctx, "del_pattern")
	var deleted int
	var cursor uint64
	var err error
	for {
		var keys []string
		keys, cursor, err = r.client.Scan(ctx, cursor, glob, 100).Result()
		if err != nil {
			break
		}
		if len(keys) > 0 {
			if err = r.client.Del(ctx, keys...).Err(); err != nil {
				break
			}
			deleted += len(keys)
		}
		if cursor == 0 {
			break
		}
	}
	end(err)
	return deleted, err
}

// SAdd adds members to a set and refreshes its ttl.
func (r *Redis) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	ctx, end := r.span(ctx, "sadd")
	err := r.client.SAdd(ctx, key, toAnySlice(members)...).Err()
	if err == nil && ttl > 0 {
		err = r.client.Expire(ctx, key, ttl).Err()
	}
	end(err)
	return err
}

// SRem removes members from a set.
func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	ctx, end := r.span(ctx, "srem")
	err := r.client.SRem(ctx, key, toAnySlice(members)...).Err()
	end(err)
	return err
}

// SMembers returns all members of a set.
func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, end := r.span(ctx, "smembers")
	members, err := r.client.SMembers(ctx, key).Result()
	end(err)
	return members, err
}

func toAnySlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
