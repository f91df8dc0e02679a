// Package ratelimit enforces per-address token buckets for the four action
// classes of the wire protocol.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/parleychat/parley/internal/metrics"
)

// Action classes.
const (
	ClassMessage    = "message"
	ClassRoomCreate = "room-create"
	ClassCommand    = "command"
	ClassConnection = "connection"
)

type classConfig struct {
	points int64
	refill time.Duration
	block  time.Duration
}

// Bucket parameters per class: points, refill window, block duration after
// depletion.
var classConfigs = map[string]classConfig{
	ClassMessage:    {points: 10, refill: 1 * time.Second, block: 60 * time.Second},
	ClassRoomCreate: {points: 5, refill: time.Hour, block: time.Hour},
	ClassCommand:    {points: 10, refill: 60 * time.Second, block: 60 * time.Second},
	ClassConnection: {points: 10, refill: 60 * time.Second, block: 300 * time.Second},
}

// Result reports the outcome of a single consume attempt.
type Result struct {
	Allowed           bool
	Remaining         int64
	RetryAfterSeconds int
}

// Limiter holds one token bucket per (class, identifier) on a shared
// in-memory store, plus block bookkeeping for depleted buckets.
type Limiter struct {
	limiters map[string]*limiter.Limiter

	mu      sync.Mutex
	blocked map[string]time.Time // "class:id" -> block expiry
}

// New creates a limiter with the standard class table.
func New() *Limiter {
	store := memory.NewStore()
	limiters := make(map[string]*limiter.Limiter, len(classConfigs))
	for class, cfg := range classConfigs {
		limiters[class] = limiter.New(store, limiter.Rate{
			Period: cfg.refill,
			Limit:  cfg.points,
		})
	}
	return &Limiter{
		limiters: limiters,
		blocked:  make(map[string]time.Time),
	}
}

// Check atomically consumes one point for id in the given class. Unknown
// classes pass through. A depleted bucket blocks the identifier for the
// class's block duration.
func (l *Limiter) Check(ctx context.Context, id, class string) Result {
	lim, ok := l.limiters[class]
	if !ok {
		return Result{Allowed: true}
	}
	cfg := classConfigs[class]
	key := class + ":" + id

	l.mu.Lock()
	if until, blocked := l.blocked[key]; blocked {
		if remaining := time.Until(until); remaining > 0 {
			l.mu.Unlock()
			metrics.RateLimitRejections.WithLabelValues(class).Inc()
			return Result{RetryAfterSeconds: ceilSeconds(remaining)}
		}
		delete(l.blocked, key)
	}
	l.mu.Unlock()

	lctx, err := lim.Get(ctx, key)
	if err != nil {
		// Store failure: fail open rather than stall the connection.
		return Result{Allowed: true}
	}

	if lctx.Reached {
		l.mu.Lock()
		l.blocked[key] = time.Now().Add(cfg.block)
		l.mu.Unlock()
		metrics.RateLimitRejections.WithLabelValues(class).Inc()
		return Result{RetryAfterSeconds: ceilSeconds(cfg.block)}
	}

	return Result{Allowed: true, Remaining: lctx.Remaining}
}

func ceilSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}
