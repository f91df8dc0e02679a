package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
)

func newFixture(t *testing.T) (*Janitor, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	c := cache.New(nil, breaker.New("cache-"+t.Name()))
	t.Cleanup(c.Close)
	return New(mem, c, utils.NewLogger("error")), mem
}

func TestSweepPurgesStaleUsers(t *testing.T) {
	j, mem := newFixture(t)
	ctx := context.Background()

	stale := &models.User{ID: uuid.New(), Username: "ghost", LastSeen: time.Now().Add(-31 * 24 * time.Hour)}
	fresh := &models.User{ID: uuid.New(), Username: "alice", IsOnline: true, LastSeen: time.Now()}
	require.NoError(t, mem.CreateUser(ctx, stale))
	require.NoError(t, mem.CreateUser(ctx, fresh))

	j.Sweep(ctx)

	_, err := mem.FindUserByID(ctx, stale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.FindUserByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepPurgesExpiredMessages(t *testing.T) {
	j, mem := newFixture(t)
	ctx := context.Background()

	roomID := uuid.New()
	old := &models.Message{ID: uuid.New(), RoomID: roomID, UserID: "u", Username: "u", Content: "old", Kind: models.MessageKindUser, Timestamp: time.Now().Add(-31 * 24 * time.Hour)}
	recent := &models.Message{ID: uuid.New(), RoomID: roomID, UserID: "u", Username: "u", Content: "new", Kind: models.MessageKindUser, Timestamp: time.Now()}
	require.NoError(t, mem.CreateMessage(ctx, old))
	require.NoError(t, mem.CreateMessage(ctx, recent))

	j.Sweep(ctx)

	_, err := mem.FindMessage(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.FindMessage(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestSweepRemovesLongEmptyRooms(t *testing.T) {
	j, mem := newFixture(t)
	ctx := context.Background()

	empty := &models.Room{ID: uuid.New(), Name: "abandoned", LastActivity: time.Now().Add(-2 * time.Hour)}
	busy := &models.Room{ID: uuid.New(), Name: "lively", IsActive: true, LastActivity: time.Now()}
	require.NoError(t, mem.CreateRoom(ctx, empty))
	require.NoError(t, mem.CreateRoom(ctx, busy))
	_, err := mem.IncrementRoomUsers(ctx, busy.ID, 1)
	require.NoError(t, err)

	j.Sweep(ctx)

	_, err = mem.FindRoomByID(ctx, empty.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = mem.FindRoomByID(ctx, busy.ID)
	assert.NoError(t, err)
}

func TestSweepKeepsRecentlyLeftMemberships(t *testing.T) {
	j, mem := newFixture(t)
	ctx := context.Background()

	roomID, userID := uuid.New(), uuid.New()
	_, _, err := mem.JoinRoom(ctx, roomID, userID, "bob")
	require.NoError(t, err)
	left, err := mem.LeaveRoom(ctx, roomID, userID)
	require.NoError(t, err)
	require.True(t, left)

	j.Sweep(ctx)

	// Left moments ago, well inside the retention window.
	members, err := mem.ActiveMembers(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, members)
	m, activated, err := mem.JoinRoom(ctx, roomID, userID, "bob")
	require.NoError(t, err)
	assert.True(t, activated)
	assert.Equal(t, 2, m.JoinCount)
}

func TestStartStop(t *testing.T) {
	j, _ := newFixture(t)
	j.Start(context.Background())
	j.Stop()
	// Stop is idempotent.
	j.Stop()
}
