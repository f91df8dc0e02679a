// Package bus is the inter-instance pub/sub plane. Every fan-out event is
// published here keyed by room id; each instance subscribes for the rooms it
// hosts and delivers to its own connections. Redis pub/sub is the default
// backend, NATS an alternative, and the in-process bus serves single-instance
// deployments and tests.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Channel names. Room channels are keyed by room id, never by name, so
// renames and recreations cannot cross-deliver.
const (
	ChannelGlobalBroadcast = "global:broadcast"
	ChannelRoomCreated     = "room:created"
)

// RoomMessagesChannel carries chat messages for one room.
func RoomMessagesChannel(roomID string) string {
	return "room:" + roomID + ":messages"
}

// RoomEventsChannel carries membership and typing events for one room.
func RoomEventsChannel(roomID string) string {
	return "room:" + roomID + ":events"
}

// Envelope is the wire container for every published event. SenderID names
// the originating instance so subscribers can drop their own echoes.
type Envelope struct {
	RoomID   string          `json:"roomId,omitempty"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
	SentAt   time.Time       `json:"sentAt"`
}

// Handler consumes envelopes delivered on a subscription.
type Handler func(Envelope)

// Subscription is a live channel subscription; Close stops delivery.
type Subscription interface {
	Close() error
}

// Bus is the pub/sub surface consumed by the hub and the messaging services.
type Bus interface {
	// Publish marshals payload into an Envelope and sends it on channel.
	Publish(ctx context.Context, channel, event, roomID string, payload any) error
	// Subscribe delivers every envelope published on channel to handler until
	// the subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dial picks a backend from the URL scheme: redis:// and rediss:// connect
// the Redis bus, nats:// the NATS bus. An empty URL yields the in-process
// bus.
func Dial(rawURL, instanceID string) (Bus, error) {
	if rawURL == "" {
		return NewLocal(instanceID), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bus URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "redis", "rediss":
		return NewRedis(rawURL, instanceID)
	case "nats":
		return NewNATS(rawURL, instanceID)
	default:
		return nil, fmt.Errorf("unsupported bus scheme %q", u.Scheme)
	}
}

func envelope(event, roomID, senderID string, payload any) ([]byte, error) {
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	env := Envelope{
		RoomID:   roomID,
		Event:    event,
		Payload:  inner,
		SenderID: senderID,
		SentAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}
