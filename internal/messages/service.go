// Package messages implements the message pipeline: validation, sanitation,
// persistence with counter maintenance, cache invalidation, and publication
// for fan-out. History reads come back through the cache in chronological
// order.
package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/metrics"
	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/rooms"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
	"github.com/parleychat/parley/internal/validate"
)

const (
	// DefaultHistoryLimit is how many messages a history read returns.
	DefaultHistoryLimit = 20
	// EditWindow bounds how long after send a message can be edited or
	// deleted by its owner.
	EditWindow = 5 * time.Minute
	// recentWindow is how many recent contents per room feed the duplicate
	// spam heuristic.
	recentWindow = 10
)

// Service runs the send pipeline and serves history.
type Service struct {
	store  store.Store
	cache  *cache.Cache
	cb     *breaker.Breaker
	bus    bus.Bus
	rooms  *rooms.Registry
	logger *utils.Logger

	// lastStamp enforces a monotonic per-room timestamp even when the wall
	// clock stalls within a tick.
	stampMu   sync.Mutex
	lastStamp map[uuid.UUID]time.Time

	recentMu sync.Mutex
	recent   map[uuid.UUID][]string
}

// NewService builds the message service.
func NewService(st store.Store, c *cache.Cache, cb *breaker.Breaker, b bus.Bus, roomReg *rooms.Registry, logger *utils.Logger) *Service {
	return &Service{
		store:     st,
		cache:     c,
		cb:        cb,
		bus:       b,
		rooms:     roomReg,
		logger:    logger,
		lastStamp: make(map[uuid.UUID]time.Time),
		recent:    make(map[uuid.UUID][]string),
	}
}

// Send validates, sanitizes, persists and publishes one user message. The
// sender's typing state is cancelled as a side effect.
func (s *Service) Send(ctx context.Context, roomID uuid.UUID, userID uuid.UUID, username, rawContent string) (*models.Message, error) {
	if err := validate.Content(rawContent); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}
	content, err := validate.Sanitize(rawContent)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "message content rejected")
	}
	if err := validate.Content(content); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}

	if spam := validate.SpamScore(content, s.recentContents(roomID)); spam.IsSpam {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "message flagged as spam")
	}

	msg := &models.Message{
		ID:        uuid.New(),
		RoomID:    roomID,
		UserID:    userID.String(),
		Username:  username,
		Content:   content,
		Timestamp: s.stamp(roomID),
		Kind:      models.MessageKindUser,
	}

	if err := s.persist(ctx, msg, userID); err != nil {
		return nil, err
	}
	s.rememberContent(roomID, content)
	metrics.MessagesTotal.Inc()

	s.cache.Invalidate(ctx, cache.RoomMessagesKey(roomID.String()), false)

	if err := s.bus.Publish(ctx, bus.RoomMessagesChannel(roomID.String()), protocol.TypeMessage, roomID.String(),
		protocol.ChatMessage(msg)); err != nil {
		s.logger.Debug(ctx, "failed to publish message %s: %v", msg.ID, err)
	}

	s.rooms.Typing(ctx, roomID, userID, username, false)
	return msg, nil
}

// History returns up to limit messages for a room in chronological order.
func (s *Service) History(ctx context.Context, roomID uuid.UUID, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var newestFirst []*models.Message
	ok, err := s.cache.Get(ctx, cache.RoomMessagesKey(roomID.String()), &newestFirst, cache.DefaultLocalTTL, func(ctx context.Context) (interface{}, error) {
		res, err := s.cb.Execute(func() (interface{}, error) {
			return s.store.MessageHistory(ctx, roomID, limit, nil)
		}, func() (interface{}, error) {
			// Degrade to empty history while the store is down.
			return []*models.Message{}, nil
		})
		if err != nil {
			return nil, err
		}
		return res.([]*models.Message), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if !ok {
		return []*models.Message{}, nil
	}

	// The store returns newest-first; clients want oldest-first.
	out := make([]*models.Message, len(newestFirst))
	for i, msg := range newestFirst {
		out[len(newestFirst)-1-i] = msg
	}
	return out, nil
}

// SystemBroadcast publishes a synthetic message to a room. Notifications are
// persisted; plain system messages are ephemeral.
func (s *Service) SystemBroadcast(ctx context.Context, roomID uuid.UUID, content, kind string) (*models.Message, error) {
	if kind != models.MessageKindSystem && kind != models.MessageKindNotification {
		return nil, fmt.Errorf("unsupported system message kind %q", kind)
	}
	msg := &models.Message{
		ID:        uuid.New(),
		RoomID:    roomID,
		UserID:    "system",
		Username:  "System",
		Content:   content,
		Timestamp: s.stamp(roomID),
		Kind:      kind,
	}
	if kind == models.MessageKindNotification {
		if _, err := s.cb.Execute(func() (interface{}, error) {
			return nil, store.WithRetry(ctx, func(ctx context.Context) error {
				return s.store.CreateMessage(ctx, msg)
			})
		}, nil); err != nil {
			s.logger.Error(ctx, "failed to persist notification in %s: %v", roomID, err)
		}
		s.cache.Invalidate(ctx, cache.RoomMessagesKey(roomID.String()), false)
	}

	if err := s.bus.Publish(ctx, bus.RoomMessagesChannel(roomID.String()), protocol.TypeMessage, roomID.String(),
		protocol.ChatMessage(msg)); err != nil {
		s.logger.Debug(ctx, "failed to publish system message in %s: %v", roomID, err)
	}
	return msg, nil
}

// Edit rewrites a message's content. Owner-only, within EditWindow.
func (s *Service) Edit(ctx context.Context, messageID uuid.UUID, userID uuid.UUID, rawContent string) (*models.Message, error) {
	content, err := validate.Sanitize(rawContent)
	if err != nil || validate.Content(content) != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "message content rejected")
	}

	msg, err := s.ownedWithinWindow(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.store.EditMessage(ctx, messageID, userID.String(), content, now)
	}, nil); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.NewError(protocol.CodeInvalidMessage, "message not found or not yours")
		}
		return nil, protocol.NewError(protocol.CodeDatabaseError, "failed to edit message")
	}

	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &now
	s.cache.Invalidate(ctx, cache.RoomMessagesKey(msg.RoomID.String()), false)
	s.publishEvent(ctx, msg.RoomID, "message_edited", msg)
	return msg, nil
}

// Delete removes a message. Owner-only, within EditWindow.
func (s *Service) Delete(ctx context.Context, messageID uuid.UUID, userID uuid.UUID) error {
	msg, err := s.ownedWithinWindow(ctx, messageID, userID)
	if err != nil {
		return err
	}

	if _, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.store.DeleteMessage(ctx, messageID, userID.String())
	}, nil); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.NewError(protocol.CodeInvalidMessage, "message not found or not yours")
		}
		return protocol.NewError(protocol.CodeDatabaseError, "failed to delete message")
	}

	s.cache.Invalidate(ctx, cache.RoomMessagesKey(msg.RoomID.String()), false)
	s.publishEvent(ctx, msg.RoomID, "message_deleted", map[string]string{"messageId": messageID.String()})
	return nil
}

func (s *Service) ownedWithinWindow(ctx context.Context, messageID, userID uuid.UUID) (*models.Message, error) {
	res, err := s.cb.Execute(func() (interface{}, error) {
		found, err := s.store.FindMessage(ctx, messageID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return found, err
	}, nil)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeDatabaseError, "failed to load message")
	}
	if res == nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "message not found or not yours")
	}
	msg := res.(*models.Message)
	if msg.UserID != userID.String() {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "message not found or not yours")
	}
	if time.Since(msg.Timestamp) > EditWindow {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, "edit window has closed")
	}
	return msg, nil
}

// persist stores the message and bumps the room, membership and user
// counters. Counter failures are logged, not surfaced; losing a counter beat
// is preferable to failing the send.
func (s *Service) persist(ctx context.Context, msg *models.Message, userID uuid.UUID) error {
	if _, err := s.cb.Execute(func() (interface{}, error) {
		return nil, store.WithRetry(ctx, func(ctx context.Context) error {
			return s.store.CreateMessage(ctx, msg)
		})
	}, nil); err != nil {
		return protocol.NewError(protocol.CodeDatabaseError, "failed to store message")
	}

	if _, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.store.RecordMembershipMessage(ctx, msg.RoomID, userID, msg.Timestamp)
	}, nil); err != nil {
		s.logger.Debug(ctx, "failed to record membership counter for %s: %v", userID, err)
	}
	if _, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.store.RecordUserMessage(ctx, userID)
	}, nil); err != nil {
		s.logger.Debug(ctx, "failed to record user counter for %s: %v", userID, err)
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, roomID uuid.UUID, event string, payload any) {
	if err := s.bus.Publish(ctx, bus.RoomEventsChannel(roomID.String()), event, roomID.String(), payload); err != nil {
		s.logger.Debug(ctx, "failed to publish %s in %s: %v", event, roomID, err)
	}
}

// stamp returns a server-assigned timestamp strictly after the previous one
// handed out for the same room.
func (s *Service) stamp(roomID uuid.UUID) time.Time {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := time.Now().UTC()
	if last, ok := s.lastStamp[roomID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	s.lastStamp[roomID] = now
	return now
}

func (s *Service) recentContents(roomID uuid.UUID) []string {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	return append([]string(nil), s.recent[roomID]...)
}

func (s *Service) rememberContent(roomID uuid.UUID, content string) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	window := append(s.recent[roomID], content)
	if len(window) > recentWindow {
		window = window[len(window)-recentWindow:]
	}
	s.recent[roomID] = window
}
