package bus

import (
	"context"
	"encoding/json"
	"sync"
)

// LocalBus delivers envelopes in-process. Used for single-instance
// deployments and as the degradation target when the shared bus is down.
type LocalBus struct {
	instanceID string

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	closed bool
}

// NewLocal creates an in-process bus.
func NewLocal(instanceID string) *LocalBus {
	return &LocalBus{
		instanceID: instanceID,
		subs:       make(map[string]map[int]Handler),
	}
}

// Publish delivers to every subscriber of channel synchronously. Local
// delivery keeps message ordering per room without extra buffering.
func (b *LocalBus) Publish(ctx context.Context, channel, event, roomID string, payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		RoomID:   roomID,
		Event:    event,
		Payload:  inner,
		SenderID: b.instanceID,
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
	return nil
}

type localSub struct {
	bus     *LocalBus
	channel string
	id      int
}

func (s *localSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if handlers, ok := s.bus.subs[s.channel]; ok {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	return nil
}

// Subscribe registers handler for channel until the subscription closes.
func (b *LocalBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[channel][id] = handler

	sub := &localSub{bus: b, channel: channel, id: id}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

// Ping always succeeds; there is no remote side.
func (b *LocalBus) Ping(ctx context.Context) error { return nil }

// Close drops all subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[int]Handler)
	b.closed = true
	return nil
}
