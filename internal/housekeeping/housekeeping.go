// Package housekeeping runs the retention sweeps: stale users, memberships
// and messages age out after their retention windows, and rooms that sat
// empty for an hour are removed.
package housekeeping

import (
	"context"
	"sync"
	"time"

	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
)

// defaultInterval is how often the sweep runs.
const defaultInterval = 10 * time.Minute

// Janitor owns the periodic retention sweep.
type Janitor struct {
	store    store.Store
	cache    *cache.Cache
	logger   *utils.Logger
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New builds a janitor sweeping at the default interval.
func New(st store.Store, c *cache.Cache, logger *utils.Logger) *Janitor {
	return &Janitor{
		store:    st,
		cache:    c,
		logger:   logger,
		interval: defaultInterval,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs after one interval, not
// immediately, so startup is not delayed by purge queries.
func (j *Janitor) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.loop(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.done:
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs every retention job once. Failures are logged and skipped; one
// broken job never blocks the others.
func (j *Janitor) Sweep(ctx context.Context) {
	if n, err := j.store.PurgeInactiveUsers(ctx, store.UserRetention); err != nil {
		j.logger.Error(ctx, "purge of inactive users failed: %v", err)
	} else if n > 0 {
		j.logger.Info(ctx, "purged %d inactive users", n)
	}

	if n, err := j.store.PurgeInactiveMemberships(ctx, store.MembershipRetention); err != nil {
		j.logger.Error(ctx, "purge of inactive memberships failed: %v", err)
	} else if n > 0 {
		j.logger.Info(ctx, "purged %d inactive memberships", n)
	}

	if n, err := j.store.PurgeExpiredMessages(ctx, store.MessageRetention); err != nil {
		j.logger.Error(ctx, "purge of expired messages failed: %v", err)
	} else if n > 0 {
		j.logger.Info(ctx, "purged %d expired messages", n)
		j.cache.InvalidatePattern(ctx, "room:*:messages")
	}

	if n, err := j.store.CleanupEmptyRooms(ctx, store.EmptyRoomRetention); err != nil {
		j.logger.Error(ctx, "cleanup of empty rooms failed: %v", err)
	} else if n > 0 {
		j.logger.Info(ctx, "removed %d empty rooms", n)
		j.cache.InvalidatePattern(ctx, "room:name:*")
	}
}
