// Package rooms coordinates room lifecycle and membership: creation under a
// named mutex, join/leave with counter maintenance, typing state, and the
// membership events published for fan-out.
package rooms

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
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
	"github.com/parleychat/parley/internal/validate"
)

// Registry owns room and membership mutations. Durable writes go through the
// circuit breaker; membership events are published on the room's events
// channel keyed by room id.
type Registry struct {
	store  store.Store
	cache  *cache.Cache
	shared *cache.Redis
	cb     *breaker.Breaker
	bus    bus.Bus
	typing *TypingTracker
	logger *utils.Logger

	// createMu serializes creation per room name so concurrent creates
	// resolve to exactly one winner.
	createMu sync.Mutex
	creating map[string]*sync.Mutex

	expiryMu        sync.RWMutex
	onTypingExpired func(roomID string, typists []string)
}

// NewRegistry builds the registry. shared may be nil; typing and member sets
// then stay process-local.
func NewRegistry(st store.Store, c *cache.Cache, shared *cache.Redis, cb *breaker.Breaker, b bus.Bus, logger *utils.Logger) *Registry {
	r := &Registry{
		store:    st,
		cache:    c,
		shared:   shared,
		cb:       cb,
		bus:      b,
		logger:   logger,
		creating: make(map[string]*sync.Mutex),
	}
	r.typing = NewTypingTracker(shared, r.typingExpired)
	return r
}

// OnTypingExpired registers a callback fired with the refreshed typist list
// whenever entries age out of a room. The hub uses it to push the update to
// local connections.
func (r *Registry) OnTypingExpired(fn func(roomID string, typists []string)) {
	r.expiryMu.Lock()
	r.onTypingExpired = fn
	r.expiryMu.Unlock()
}

// typingExpired pushes the post-expiry typist list to peers: remote instances
// via the events channel, local connections via the registered callback. A
// typing_start with no refresh must visibly clear within the TTL.
func (r *Registry) typingExpired(roomID string) {
	ctx := context.Background()
	typists := r.typing.Typists(ctx, roomID)
	if err := r.bus.Publish(ctx, bus.RoomEventsChannel(roomID), protocol.TypeTypingUpdate, roomID,
		protocol.TypingUpdate(typists)); err != nil {
		r.logger.Debug(ctx, "failed to publish typing expiry in %s: %v", roomID, err)
	}
	r.expiryMu.RLock()
	fn := r.onTypingExpired
	r.expiryMu.RUnlock()
	if fn != nil {
		fn(roomID, typists)
	}
}

// Close stops the typing tracker.
func (r *Registry) Close() {
	r.typing.Close()
}

func (r *Registry) nameMutex(name string) *sync.Mutex {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	mu, ok := r.creating[name]
	if !ok {
		mu = &sync.Mutex{}
		r.creating[name] = mu
	}
	return mu
}

// Create allocates a new room under the named-creation mutex. A name held by
// an active room fails with ROOM_EXISTS.
func (r *Registry) Create(ctx context.Context, name string, userID uuid.UUID) (*models.Room, error) {
	if err := validate.RoomName(name); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidMessage, err.Error())
	}

	mu := r.nameMutex(name)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := r.FindByName(ctx, name); err == nil && existing != nil {
		return nil, protocol.NewError(protocol.CodeRoomExists, fmt.Sprintf("room %q already exists", name))
	}

	room := &models.Room{
		ID:           uuid.New(),
		Name:         name,
		CreatedBy:    userID,
		CreatedAt:    time.Now().UTC(),
		LastActivity: time.Now().UTC(),
		IsActive:     true,
	}
	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, store.WithRetry(ctx, func(ctx context.Context) error {
			return r.store.CreateRoom(ctx, room)
		})
	}, nil); err != nil {
		if errors.Is(err, store.ErrRoomExists) {
			return nil, protocol.NewError(protocol.CodeRoomExists, fmt.Sprintf("room %q already exists", name))
		}
		return nil, protocol.NewError(protocol.CodeDatabaseError, "failed to create room")
	}

	if err := r.cache.Set(ctx, cache.RoomInfoKey(name), room, cache.DefaultLocalTTL); err != nil {
		r.logger.Debug(ctx, "failed to cache room %s: %v", name, err)
	}
	metrics.ActiveRooms.Inc()

	if err := r.bus.Publish(ctx, bus.ChannelRoomCreated, protocol.TypeRoomCreated, room.ID.String(),
		protocol.RoomCreated(room.ID.String(), room.Name)); err != nil {
		r.logger.Debug(ctx, "failed to publish room_created for %s: %v", name, err)
	}
	return room, nil
}

// FindByName resolves an active room by name through the cache.
func (r *Registry) FindByName(ctx context.Context, name string) (*models.Room, error) {
	var room models.Room
	ok, err := r.cache.Get(ctx, cache.RoomInfoKey(name), &room, cache.DefaultLocalTTL, func(ctx context.Context) (interface{}, error) {
		// Not-found is a normal outcome; it must not count against the
		// breaker.
		res, err := r.cb.Execute(func() (interface{}, error) {
			found, err := r.store.FindRoomByNameActive(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return found, err
		}, nil)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, store.ErrNotFound
		}
		return res.(*models.Room), nil
	})
	if err != nil || !ok {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, fmt.Sprintf("room %q not found", name))
	}
	if !room.IsActive {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, fmt.Sprintf("room %q not found", name))
	}
	return &room, nil
}

// JoinResult carries what the joining client and its peers need to hear.
type JoinResult struct {
	Room        *models.Room
	MemberCount int
	Members     []string
}

// Join adds a user to an active room: membership create-or-reactivate, the
// user's current room pointer, the member count, the shared member set, and
// a user_joined event for peers.
func (r *Registry) Join(ctx context.Context, room *models.Room, userID uuid.UUID, username string) (*JoinResult, error) {
	if !room.IsActive {
		return nil, protocol.NewError(protocol.CodeRoomNotFound, fmt.Sprintf("room %q not found", room.Name))
	}

	var activated bool
	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, store.WithRetry(ctx, func(ctx context.Context) error {
			_, act, err := r.store.JoinRoom(ctx, room.ID, userID, username)
			if err == nil {
				activated = act
			}
			return err
		})
	}, nil); err != nil {
		return nil, protocol.NewError(protocol.CodeDatabaseError, "failed to join room")
	}

	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.store.UpdateUserRoom(ctx, userID, &room.Name)
	}, nil); err != nil {
		r.logger.Debug(ctx, "failed to update current room for %s: %v", userID, err)
	}

	// The counter tracks active memberships, so a join that merely touched
	// an already-active membership must not bump it.
	count := room.CurrentUsers
	if activated {
		count = room.CurrentUsers + 1
		if res, err := r.cb.Execute(func() (interface{}, error) {
			return r.store.IncrementRoomUsers(ctx, room.ID, 1)
		}, nil); err == nil {
			count = res.(int)
		}
	} else if fresh, err := r.roomByID(ctx, room.ID); err == nil {
		count = fresh.CurrentUsers
	}

	roomID := room.ID.String()
	if r.shared != nil {
		r.shared.SAdd(ctx, cache.RoomMembersKey(roomID), 0, userID.String()+"|"+username)
	}
	r.cache.Invalidate(ctx, cache.RoomInfoKey(room.Name), false)

	if activated {
		if err := r.bus.Publish(ctx, bus.RoomEventsChannel(roomID), protocol.TypeUserJoined, roomID,
			protocol.UserJoined(userID.String(), username, count)); err != nil {
			r.logger.Debug(ctx, "failed to publish user_joined in %s: %v", room.Name, err)
		}
	}

	members, err := r.MemberList(ctx, room.ID)
	if err != nil {
		members = []string{username}
	}
	return &JoinResult{Room: room, MemberCount: count, Members: members}, nil
}

// Leave removes a user from a room. When the room empties it is deactivated
// and its cache entries dropped.
func (r *Registry) Leave(ctx context.Context, room *models.Room, userID uuid.UUID, username string) (int, error) {
	var deactivated bool
	if _, err := r.cb.Execute(func() (interface{}, error) {
		d, err := r.store.LeaveRoom(ctx, room.ID, userID)
		if err == nil {
			deactivated = d
		}
		return nil, err
	}, nil); err != nil {
		return 0, protocol.NewError(protocol.CodeDatabaseError, "failed to leave room")
	}

	if _, err := r.cb.Execute(func() (interface{}, error) {
		return nil, r.store.UpdateUserRoom(ctx, userID, nil)
	}, nil); err != nil {
		r.logger.Debug(ctx, "failed to clear current room for %s: %v", userID, err)
	}

	count := room.CurrentUsers
	if deactivated {
		count = room.CurrentUsers - 1
		if count < 0 {
			count = 0
		}
		if res, err := r.cb.Execute(func() (interface{}, error) {
			return r.store.IncrementRoomUsers(ctx, room.ID, -1)
		}, nil); err == nil {
			count = res.(int)
		}
	} else if fresh, err := r.roomByID(ctx, room.ID); err == nil {
		count = fresh.CurrentUsers
	}

	roomID := room.ID.String()
	if r.shared != nil {
		r.removeMember(ctx, roomID, userID.String())
	}
	r.typing.Stop(ctx, roomID, userID.String())

	if deactivated {
		if err := r.bus.Publish(ctx, bus.RoomEventsChannel(roomID), protocol.TypeUserLeft, roomID,
			protocol.UserLeft(userID.String(), username, count)); err != nil {
			r.logger.Debug(ctx, "failed to publish user_left in %s: %v", room.Name, err)
		}
	}

	if deactivated && count == 0 {
		metrics.ActiveRooms.Dec()
		r.cache.Invalidate(ctx, cache.RoomInfoKey(room.Name), true)
		r.cache.InvalidatePattern(ctx, "room:"+roomID+":*")
		r.typing.Clear(ctx, roomID)
	} else {
		r.cache.Invalidate(ctx, cache.RoomInfoKey(room.Name), false)
	}
	return count, nil
}

// LeaveAll removes a user from every room they hold an active membership in.
// Used when a user's last connection drops.
func (r *Registry) LeaveAll(ctx context.Context, userID uuid.UUID, username string) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.ActiveRoomsOf(ctx, userID)
	}, nil)
	if err != nil {
		r.logger.Debug(ctx, "failed to list rooms of %s on disconnect: %v", userID, err)
		return
	}
	for _, mem := range res.([]models.Membership) {
		room, err := r.roomByID(ctx, mem.RoomID)
		if err != nil {
			continue
		}
		if _, err := r.Leave(ctx, room, userID, username); err != nil {
			r.logger.Debug(ctx, "failed to leave %s on disconnect: %v", room.Name, err)
		}
	}
}

// Typing updates a user's typing state and publishes the resulting username
// list on the room's events channel.
func (r *Registry) Typing(ctx context.Context, roomID uuid.UUID, userID uuid.UUID, username string, isTyping bool) []string {
	id := roomID.String()
	if isTyping {
		r.typing.Start(ctx, id, userID.String(), username)
	} else {
		r.typing.Stop(ctx, id, userID.String())
	}
	typists := r.typing.Typists(ctx, id)
	if err := r.bus.Publish(ctx, bus.RoomEventsChannel(id), protocol.TypeTypingUpdate, id,
		protocol.TypingUpdate(typists)); err != nil {
		r.logger.Debug(ctx, "failed to publish typing_update in %s: %v", id, err)
	}
	return typists
}

// Typists returns the usernames currently typing in a room.
func (r *Registry) Typists(ctx context.Context, roomID uuid.UUID) []string {
	return r.typing.Typists(ctx, roomID.String())
}

// MemberList prefers the shared member set and falls back to active
// memberships from the store.
func (r *Registry) MemberList(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	if r.shared != nil {
		members, err := r.shared.SMembers(ctx, cache.RoomMembersKey(roomID.String()))
		if err == nil && len(members) > 0 {
			names := make([]string, 0, len(members))
			for _, member := range members {
				if _, username, ok := splitMember(member); ok {
					names = append(names, username)
				}
			}
			if len(names) > 0 {
				return names, nil
			}
		}
	}

	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.ActiveMembers(ctx, roomID)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	memberships := res.([]models.Membership)
	names := make([]string, 0, len(memberships))
	for _, mem := range memberships {
		names = append(names, mem.Username)
	}
	return names, nil
}

// ActiveRooms lists active rooms as summaries, busiest first.
func (r *Registry) ActiveRooms(ctx context.Context, limit int) ([]models.RoomSummary, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.FindActiveRooms(ctx, limit)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms := res.([]models.Room)
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, models.RoomSummary{
			Name:      room.Name,
			Users:     room.CurrentUsers,
			Messages:  room.MessageCount,
			CreatedAt: room.CreatedAt,
		})
	}
	return out, nil
}

// Stats reports recent traffic for one room.
func (r *Registry) Stats(ctx context.Context, roomID uuid.UUID, hoursBack int) (*models.RoomStats, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.RoomStats(ctx, roomID, hoursBack)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load room stats: %w", err)
	}
	return res.(*models.RoomStats), nil
}

func (r *Registry) roomByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.store.FindRoomByID(ctx, roomID)
	}, nil)
	if err != nil {
		return nil, err
	}
	return res.(*models.Room), nil
}

func (r *Registry) removeMember(ctx context.Context, roomID, userID string) {
	key := cache.RoomMembersKey(roomID)
	members, err := r.shared.SMembers(ctx, key)
	if err != nil {
		return
	}
	prefix := userID + "|"
	for _, member := range members {
		if len(member) > len(prefix) && member[:len(prefix)] == prefix {
			r.shared.SRem(ctx, key, member)
		}
	}
}

func splitMember(member string) (userID, username string, ok bool) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:], true
		}
	}
	return "", "", false
}
