package users

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	c := cache.New(nil, breaker.New("cache-"+t.Name()))
	t.Cleanup(c.Close)
	sessions, err := auth.NewSessionManager("test-secret")
	require.NoError(t, err)
	return NewRegistry(mem, c, breaker.New("store-"+t.Name()), sessions, utils.NewLogger("error")), mem
}

func TestAuthenticateNewUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	connID := uuid.New()

	res, err := r.Authenticate(ctx, connID, "alice", "")
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, "alice", res.User.Username)
	assert.True(t, res.User.IsOnline)
	assert.NotEmpty(t, res.Token)

	userID, username, ok := r.ResolveConnection(connID)
	require.True(t, ok)
	assert.Equal(t, res.User.ID, userID)
	assert.Equal(t, "alice", username)
}

func TestAuthenticateInvalidUsername(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Authenticate(context.Background(), uuid.New(), "a", "")
	require.Error(t, err)
	perr := protocol.AsProtocolError(err)
	assert.Equal(t, protocol.CodeInvalidMessage, perr.Code)
}

func TestAuthenticateReconnectionAttaches(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Authenticate(ctx, uuid.New(), "alice", "")
	require.NoError(t, err)

	second, err := r.Authenticate(ctx, uuid.New(), "alice", "")
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Len(t, r.ConnectionsOf(first.User.ID), 2)
}

func TestAuthenticateWithResumeToken(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Authenticate(ctx, uuid.New(), "alice", "")
	require.NoError(t, err)

	// The user goes fully offline, then resumes with the token.
	_, _, remaining, err := r.Disconnect(ctx, r.ConnectionsOf(res.User.ID)[0])
	require.NoError(t, err)
	require.Zero(t, remaining)

	resumed, err := r.Authenticate(ctx, uuid.New(), "", res.Token)
	require.NoError(t, err)
	assert.False(t, resumed.IsNew)
	assert.Equal(t, res.User.ID, resumed.User.ID)

	stored, err := mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)
}

func TestDisconnectLastConnectionGoesOffline(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()
	connA, connB := uuid.New(), uuid.New()

	res, err := r.Authenticate(ctx, connA, "alice", "")
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, connB, "alice", "")
	require.NoError(t, err)

	_, _, remaining, err := r.Disconnect(ctx, connA)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	stored, err := mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsOnline)

	userID, username, remaining, err := r.Disconnect(ctx, connB)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Equal(t, res.User.ID, userID)
	assert.Equal(t, "alice", username)

	stored, err = mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsOnline)
}

func TestConnectionCountTracksAttachments(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()
	connA, connB := uuid.New(), uuid.New()

	res, err := r.Authenticate(ctx, connA, "alice", "")
	require.NoError(t, err)

	stored, err := mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConnectionCount)

	_, err = r.Authenticate(ctx, connB, "alice", "")
	require.NoError(t, err)
	stored, err = mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ConnectionCount)

	_, _, remaining, err := r.Disconnect(ctx, connA)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
	stored, err = mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ConnectionCount)

	// The last disconnect takes the user offline and zeroes the counter.
	_, _, remaining, err = r.Disconnect(ctx, connB)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	stored, err = mem.FindUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ConnectionCount)
	assert.False(t, stored.IsOnline)
}

func TestDisconnectUnknownConnection(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, _, _, err := r.Disconnect(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestOnlineUsersSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Authenticate(ctx, uuid.New(), "alice", "")
	require.NoError(t, err)
	_, err = r.Authenticate(ctx, uuid.New(), "bob", "")
	require.NoError(t, err)

	online, err := r.OnlineUsers(ctx, 10)
	require.NoError(t, err)
	require.Len(t, online, 2)
	assert.Equal(t, "alice", online[0].Username)
	assert.Equal(t, "bob", online[1].Username)
}

func TestUserInfoReadsThroughCache(t *testing.T) {
	r, mem := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.Authenticate(ctx, uuid.New(), "alice", "")
	require.NoError(t, err)

	info, err := r.UserInfo(ctx, res.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Username)

	// Unknown ids miss all the way through.
	_, err = r.UserInfo(ctx, uuid.New())
	assert.Error(t, err)
	_ = mem
}
