// Package cache implements the two-tier read-through cache: a process-local
// TTL map in front of a shared Redis tier reached through the circuit
// breaker. Entries may declare dependencies; invalidating a dependency
// cascades to every dependent key.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/metrics"
	"github.com/parleychat/parley/internal/store"
)

// Warm-up shape: last N messages for each of the top K active rooms.
const (
	warmHistoryLimit = 20
	warmRoomLimit    = 20
	warmOnlineLimit  = 100
)

// Loader produces a value on a full miss.
type Loader func(ctx context.Context) (interface{}, error)

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	Invalidations int64   `json:"invalidations"`
	Warmups       int64   `json:"warmups"`
	HitRate       float64 `json:"hit_rate"`
}

// Cache is the two-tier cache. The shared tier is optional; without it the
// cache degrades to L1 only.
type Cache struct {
	local  *Local
	shared *Redis
	cb     *breaker.Breaker

	mu   sync.Mutex
	deps map[string]map[string]struct{} // dependency -> dependent keys

	hits          atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
	warmups       atomic.Int64
}

// New builds the cache. shared may be nil for single-tier operation.
func New(shared *Redis, cb *breaker.Breaker) *Cache {
	return &Cache{
		local:  NewLocal(),
		shared: shared,
		cb:     cb,
		deps:   make(map[string]map[string]struct{}),
	}
}

// Get reads key through both tiers into dest. On a full miss the loader, if
// any, produces the value, which is then written to both tiers with ttl.
// ok reports whether dest was populated.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader Loader) (bool, error) {
	if data, ok := c.local.Get(key); ok {
		c.hits.Add(1)
		metrics.CacheOps.WithLabelValues("local", "hit").Inc()
		return true, json.Unmarshal(data, dest)
	}
	metrics.CacheOps.WithLabelValues("local", "miss").Inc()

	if data, ok := c.sharedGet(ctx, key); ok {
		c.hits.Add(1)
		c.local.Set(key, data, ttl)
		return true, json.Unmarshal(data, dest)
	}

	c.misses.Add(1)
	if loader == nil {
		return false, nil
	}

	value, err := loader(ctx)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	c.write(ctx, key, data, ttl)
	return true, json.Unmarshal(data, dest)
}

// Set stores value in both tiers and records reverse dependencies:
// invalidating any of deps later invalidates key.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, deps ...string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value for %s: %w", key, err)
	}
	c.write(ctx, key, data, ttl)

	if len(deps) > 0 {
		c.mu.Lock()
		for _, dep := range deps {
			if c.deps[dep] == nil {
				c.deps[dep] = make(map[string]struct{})
			}
			c.deps[dep][key] = struct{}{}
		}
		c.mu.Unlock()
	}
	return nil
}

// Invalidate drops key from both tiers. With cascade, keys registered as
// dependent on key are invalidated transitively.
func (c *Cache) Invalidate(ctx context.Context, key string, cascade bool) {
	c.invalidations.Add(1)
	c.local.Delete(key)
	if c.shared != nil {
		c.cb.Execute(func() (interface{}, error) {
			return nil, c.shared.Del(ctx, key)
		}, func() (interface{}, error) { return nil, nil })
	}

	if !cascade {
		return
	}
	c.mu.Lock()
	dependents := c.deps[key]
	delete(c.deps, key)
	c.mu.Unlock()
	for dep := range dependents {
		c.Invalidate(ctx, dep, true)
	}
}

// InvalidatePattern drops every key matching the glob from both tiers.
func (c *Cache) InvalidatePattern(ctx context.Context, glob string) {
	n := c.local.DeletePattern(glob)
	c.invalidations.Add(int64(n))
	if c.shared != nil {
		c.cb.Execute(func() (interface{}, error) {
			return c.shared.DelPattern(ctx, glob)
		}, func() (interface{}, error) { return 0, nil })
	}

	c.mu.Lock()
	for dep := range c.deps {
		if ok, _ := path.Match(glob, dep); ok {
			delete(c.deps, dep)
		}
	}
	c.mu.Unlock()
}

// Warm preloads active-room info, the online-user list, and recent history
// for the most active rooms.
func (c *Cache) Warm(ctx context.Context, st store.Store) error {
	rooms, err := st.FindActiveRooms(ctx, warmRoomLimit)
	if err != nil {
		return fmt.Errorf("cache warm-up failed to list rooms: %w", err)
	}
	for i := range rooms {
		room := &rooms[i]
		roomKey := RoomInfoKey(room.Name)
		if err := c.Set(ctx, roomKey, room, DefaultLocalTTL); err != nil {
			continue
		}
		history, err := st.MessageHistory(ctx, room.ID, warmHistoryLimit, nil)
		if err != nil {
			continue
		}
		c.Set(ctx, RoomMessagesKey(room.ID.String()), history, DefaultLocalTTL, roomKey)
		c.warmups.Add(1)
	}

	users, err := st.FindOnlineUsers(ctx, warmOnlineLimit)
	if err != nil {
		return fmt.Errorf("cache warm-up failed to list online users: %w", err)
	}
	for i := range users {
		if err := c.Set(ctx, UserInfoKey(users[i].ID.String()), &users[i], DefaultLocalTTL); err == nil {
			c.warmups.Add(1)
		}
	}
	return nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
		Warmups:       c.warmups.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Close stops the local tier. The shared client is owned by the caller.
func (c *Cache) Close() {
	c.local.Close()
}

func (c *Cache) write(ctx context.Context, key string, data []byte, ttl time.Duration) {
	c.sets.Add(1)
	c.local.Set(key, data, ttl)
	if c.shared != nil {
		c.cb.Execute(func() (interface{}, error) {
			return nil, c.shared.Set(ctx, key, data, ttl)
		}, func() (interface{}, error) { return nil, nil })
	}
}

func (c *Cache) sharedGet(ctx context.Context, key string) ([]byte, bool) {
	if c.shared == nil {
		return nil, false
	}
	res, err := c.cb.Execute(func() (interface{}, error) {
		data, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return data, nil
	}, func() (interface{}, error) { return nil, nil })
	if err != nil || res == nil {
		metrics.CacheOps.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.CacheOps.WithLabelValues("shared", "hit").Inc()
	return res.([]byte), true
}

// Cache key builders shared across packages.

func RoomInfoKey(name string) string       { return "room:name:" + name }
func RoomMessagesKey(roomID string) string { return "room:" + roomID + ":messages" }
func RoomMembersKey(roomID string) string  { return "room:" + roomID + ":members" }
func RoomTypingKey(roomID string) string   { return "room:" + roomID + ":typing" }
func UserInfoKey(userID string) string     { return "user:" + userID + ":info" }
