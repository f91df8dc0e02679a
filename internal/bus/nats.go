package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/parleychat/parley/internal/utils"
)

// NATSBus is the alternative bus backend for deployments already running
// NATS. Channel names are mapped to subjects by swapping ":" for ".".
type NATSBus struct {
	conn       *nats.Conn
	instanceID string
	logger     *utils.Logger
}

// NewNATS connects the NATS bus with automatic reconnects.
func NewNATS(rawURL, instanceID string) (*NATSBus, error) {
	conn, err := nats.Connect(rawURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSBus{
		conn:       conn,
		instanceID: instanceID,
		logger:     utils.NewLogger("info"),
	}, nil
}

func subject(channel string) string {
	return "parley." + strings.ReplaceAll(channel, ":", ".")
}

// Publish sends an envelope on channel.
func (b *NATSBus) Publish(ctx context.Context, channel, event, roomID string, payload any) error {
	data, err := envelope(event, roomID, b.instanceID, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject(channel), data)
}

type natsSub struct {
	sub *nats.Subscription
}

func (s *natsSub) Close() error {
	return s.sub.Unsubscribe()
}

// Subscribe delivers envelopes from channel to handler.
func (b *NATSBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject(channel), func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error(ctx, "dropping malformed bus message on %s: %v", channel, err)
			return
		}
		if env.SenderID == b.instanceID {
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return &natsSub{sub: sub}, nil
}

// Ping verifies the connection is up and the server responds.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS connection is %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains outstanding messages and shuts the connection down.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
