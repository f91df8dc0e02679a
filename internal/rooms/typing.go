package rooms

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/cache"
)

// TypingTTL is how long a typing entry stays alive without a refresh.
const TypingTTL = 3 * time.Second

// sweepInterval bounds how long an expired typist can linger before the
// expiry callback fires and peers hear about it.
const sweepInterval = time.Second

// TypingTracker holds the per-room set of currently typing users. With a
// shared tier configured the set lives in Redis so all instances agree;
// otherwise it is process-local. Entries expire after TypingTTL either way.
type TypingTracker struct {
	shared *cache.Redis
	// expired is invoked with the room id whenever the sweep drops at least
	// one entry from that room. May be nil.
	expired func(roomID string)

	mu    sync.Mutex
	local map[string]map[string]typingEntry // roomID -> userID
	done  chan struct{}
	once  sync.Once
}

type typingEntry struct {
	username  string
	expiresAt time.Time
}

// NewTypingTracker creates the tracker. shared and expired may be nil.
func NewTypingTracker(shared *cache.Redis, expired func(roomID string)) *TypingTracker {
	t := &TypingTracker{
		shared:  shared,
		expired: expired,
		local:   make(map[string]map[string]typingEntry),
		done:    make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Shared set members encode their own expiry so stale typists can be dropped
// on read; the set key itself also carries the TTL.
func typingMember(userID, username string, expiresAt time.Time) string {
	return userID + "|" + username + "|" + strconv.FormatInt(expiresAt.UnixMilli(), 10)
}

func parseTypingMember(member string) (userID, username string, expiresAt time.Time, ok bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return "", "", time.Time{}, false
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", "", time.Time{}, false
	}
	return parts[0], parts[1], time.UnixMilli(ms), true
}

// Start marks a user as typing. Calling again refreshes the expiry.
func (t *TypingTracker) Start(ctx context.Context, roomID, userID, username string) {
	expiresAt := time.Now().Add(TypingTTL)

	t.mu.Lock()
	if t.local[roomID] == nil {
		t.local[roomID] = make(map[string]typingEntry)
	}
	t.local[roomID][userID] = typingEntry{username: username, expiresAt: expiresAt}
	t.mu.Unlock()

	if t.shared != nil {
		key := cache.RoomTypingKey(roomID)
		t.removeShared(ctx, key, userID)
		t.shared.SAdd(ctx, key, TypingTTL, typingMember(userID, username, expiresAt))
	}
}

// Stop clears a user's typing state. Stopping a user who already expired is
// not an error.
func (t *TypingTracker) Stop(ctx context.Context, roomID, userID string) {
	t.mu.Lock()
	delete(t.local[roomID], userID)
	if len(t.local[roomID]) == 0 {
		delete(t.local, roomID)
	}
	t.mu.Unlock()

	if t.shared != nil {
		t.removeShared(ctx, cache.RoomTypingKey(roomID), userID)
	}
}

// Typists returns the usernames currently typing in a room, expired entries
// excluded.
func (t *TypingTracker) Typists(ctx context.Context, roomID string) []string {
	if t.shared != nil {
		if names, err := t.sharedTypists(ctx, roomID); err == nil {
			return names
		}
	}

	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.local[roomID]))
	for userID, e := range t.local[roomID] {
		if now.After(e.expiresAt) {
			delete(t.local[roomID], userID)
			continue
		}
		names = append(names, e.username)
	}
	return names
}

// Clear drops all typing state for a room.
func (t *TypingTracker) Clear(ctx context.Context, roomID string) {
	t.mu.Lock()
	delete(t.local, roomID)
	t.mu.Unlock()
	if t.shared != nil {
		t.shared.Del(ctx, cache.RoomTypingKey(roomID))
	}
}

// Close stops the sweep loop.
func (t *TypingTracker) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *TypingTracker) sharedTypists(ctx context.Context, roomID string) ([]string, error) {
	key := cache.RoomTypingKey(roomID)
	members, err := t.shared.SMembers(ctx, key)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	names := make([]string, 0, len(members))
	var stale []string
	for _, member := range members {
		_, username, expiresAt, ok := parseTypingMember(member)
		if !ok || now.After(expiresAt) {
			stale = append(stale, member)
			continue
		}
		names = append(names, username)
	}
	if len(stale) > 0 {
		t.shared.SRem(ctx, key, stale...)
	}
	return names, nil
}

func (t *TypingTracker) removeShared(ctx context.Context, key, userID string) {
	members, err := t.shared.SMembers(ctx, key)
	if err != nil {
		return
	}
	prefix := userID + "|"
	for _, member := range members {
		if strings.HasPrefix(member, prefix) {
			t.shared.SRem(ctx, key, member)
		}
	}
}

func (t *TypingTracker) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			now := time.Now()
			var expiredRooms []string
			t.mu.Lock()
			for roomID, entries := range t.local {
				dropped := false
				for userID, e := range entries {
					if now.After(e.expiresAt) {
						delete(entries, userID)
						dropped = true
					}
				}
				if len(entries) == 0 {
					delete(t.local, roomID)
				}
				if dropped {
					expiredRooms = append(expiredRooms, roomID)
				}
			}
			t.mu.Unlock()

			if t.expired != nil {
				for _, roomID := range expiredRooms {
					t.expired(roomID)
				}
			}
		}
	}
}
