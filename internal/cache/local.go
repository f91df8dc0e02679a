package cache

import (
	"path"
	"sync"
	"time"
)

// DefaultLocalTTL bounds L1 entries; MaxLocalTTL is the hard cap.
const (
	DefaultLocalTTL = 60 * time.Second
	MaxLocalTTL     = 300 * time.Second
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// Local is the process-local cache tier: a bounded-TTL map safe for
// concurrent use. Expired entries are dropped lazily on read and swept by a
// janitor goroutine.
type Local struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	done    chan struct{}
	once    sync.Once
}

// NewLocal creates the L1 tier and starts its sweep loop.
func NewLocal() *Local {
	l := &Local{
		entries: make(map[string]localEntry),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Get returns the cached bytes and whether they are present and fresh.
func (l *Local) Get(key string) ([]byte, bool) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		l.mu.Lock()
		delete(l.entries, key)
		l.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores bytes under key. A zero ttl falls back to the default; anything
// above the cap is clamped.
func (l *Local) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultLocalTTL
	}
	if ttl > MaxLocalTTL {
		ttl = MaxLocalTTL
	}
	l.mu.Lock()
	l.entries[key] = localEntry{value: value, expiresAt: time.Now().Add(ttl)}
	l.mu.Unlock()
}

// Delete removes a key.
func (l *Local) Delete(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// DeletePattern removes every key matching the glob and returns the count.
func (l *Local) DeletePattern(glob string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.entries {
		if ok, _ := path.Match(glob, key); ok {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of live entries, counting expired ones until swept.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close stops the janitor.
func (l *Local) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Local) sweep() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for key, e := range l.entries {
				if now.After(e.expiresAt) {
					delete(l.entries, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
