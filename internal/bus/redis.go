package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/utils"
)

// RedisBus fans events out across instances over Redis pub/sub. Publishes go
// through the circuit breaker; with the breaker open events are dropped
// rather than stalling the send path, and local delivery still happens
// upstream.
type RedisBus struct {
	client     *redis.Client
	cb         *breaker.Breaker
	instanceID string
	logger     *utils.Logger
}

// NewRedis connects the Redis bus and verifies the connection.
func NewRedis(dsn, instanceID string) (*RedisBus, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bus URL: %w", err)
	}
	opt.DialTimeout = 10 * time.Second
	opt.ReadTimeout = 30 * time.Second
	opt.WriteTimeout = 30 * time.Second

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}

	return NewRedisFromClient(client, instanceID), nil
}

// NewRedisFromClient wraps an existing client. Used by tests.
func NewRedisFromClient(client *redis.Client, instanceID string) *RedisBus {
	return &RedisBus{
		client:     client,
		cb:         breaker.New("bus"),
		instanceID: instanceID,
		logger:     utils.NewLogger("info"),
	}
}

// Publish sends an envelope on channel. With the breaker open the event is
// dropped and nil returned so senders degrade to local-only fan-out.
func (b *RedisBus) Publish(ctx context.Context, channel, event, roomID string, payload any) error {
	data, err := envelope(event, roomID, b.instanceID, payload)
	if err != nil {
		return err
	}
	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, channel, data).Err()
	}, func() (interface{}, error) {
		b.logger.Warn(ctx, "bus unavailable, dropping publish on %s", channel)
		return nil, nil
	})
	return err
}

type redisSub struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (s *redisSub) Close() error {
	s.cancel()
	return s.pubsub.Close()
}

// Subscribe listens on channel until the subscription closes or ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Error(ctx, "dropping malformed bus message on %s: %v", channel, err)
					continue
				}
				// Skip our own echoes; local delivery already happened.
				if env.SenderID == b.instanceID {
					continue
				}
				handler(env)
			}
		}
	}()
	return &redisSub{pubsub: pubsub, cancel: cancel}, nil
}

// Ping checks bus connectivity through the breaker.
func (b *RedisBus) Ping(ctx context.Context) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	}, nil)
	return err
}

// Breaker exposes the bus breaker for health reporting.
func (b *RedisBus) Breaker() *breaker.Breaker { return b.cb }

// Close shuts the client down.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
