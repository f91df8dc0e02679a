package messages

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/models"
	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/rooms"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/utils"
)

type fixture struct {
	svc   *Service
	store *store.Memory
	bus   *bus.LocalBus
	room  *models.Room
	user  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	c := cache.New(nil, breaker.New("cache-"+t.Name()))
	t.Cleanup(c.Close)
	b := bus.NewLocal("instance-1")
	logger := utils.NewLogger("error")
	cb := breaker.New("store-" + t.Name())
	roomReg := rooms.NewRegistry(mem, c, nil, cb, b, logger)
	t.Cleanup(roomReg.Close)

	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, mem.CreateUser(ctx, &models.User{ID: userID, Username: "alice", IsOnline: true}))
	room, err := roomReg.Create(ctx, "lobby", userID)
	require.NoError(t, err)
	_, err = roomReg.Join(ctx, room, userID, "alice")
	require.NoError(t, err)

	return &fixture{
		svc:   NewService(mem, c, cb, b, roomReg, logger),
		store: mem,
		bus:   b,
		room:  room,
		user:  userID,
	}
}

func TestSendPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var published []bus.Envelope
	sub, err := f.bus.Subscribe(ctx, bus.RoomMessagesChannel(f.room.ID.String()), func(env bus.Envelope) {
		published = append(published, env)
	})
	require.NoError(t, err)
	defer sub.Close()

	msg, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", msg.Content)
	assert.Equal(t, models.MessageKindUser, msg.Kind)

	stored, err := f.store.FindMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, stored.Content)

	require.Len(t, published, 1)
	assert.Equal(t, protocol.TypeMessage, published[0].Event)

	user, err := f.store.FindUserByID(ctx, f.user)
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.TotalMessages)
}

func TestSendSanitizesContent(t *testing.T) {
	f := newFixture(t)

	msg, err := f.svc.Send(context.Background(), f.room.ID, f.user, "alice", "<b>hi</b>")
	require.NoError(t, err)
	assert.Equal(t, "&lt;b&gt;hi&lt;&#x2F;b&gt;", msg.Content)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), f.room.ID, f.user, "alice", "   ")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsProtocolError(err).Code)
}

func TestSendRejectsOversizedContent(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), f.room.ID, f.user, "alice", strings.Repeat("a", 5000))
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsProtocolError(err).Code)
}

func TestSendRejectsDuplicateSpam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Duplicate of a recent message plus dominant-word repetition scores
	// past the spam threshold.
	content := "buy buy buy buy buy"
	_, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", content)
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, f.room.ID, f.user, "alice", content)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsProtocolError(err).Code)
}

func TestSendTimestampsAreMonotonicPerRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 5; i++ {
		msg, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "tick "+strings.Repeat("a", i+1))
		require.NoError(t, err)
		assert.True(t, msg.Timestamp.After(prev), "timestamp %v not after %v", msg.Timestamp, prev)
		prev = msg.Timestamp
	}
}

func TestSendCancelsTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.rooms.Typing(ctx, f.room.ID, f.user, "alice", true)
	require.Equal(t, []string{"alice"}, f.svc.rooms.Typists(ctx, f.room.ID))

	_, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "done typing")
	require.NoError(t, err)
	assert.Empty(t, f.svc.rooms.Typists(ctx, f.room.ID))
}

func TestHistoryChronologicalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		_, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", content)
		require.NoError(t, err)
	}

	history, err := f.svc.History(ctx, f.room.ID, 20)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "first", history[0].Content)
	assert.Equal(t, "third", history[2].Content)
}

func TestHistoryLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "msg "+strings.Repeat("x", i+1))
		require.NoError(t, err)
	}

	history, err := f.svc.History(ctx, f.room.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// The two newest, oldest first.
	assert.Equal(t, "msg xxxx", history[0].Content)
	assert.Equal(t, "msg xxxxx", history[1].Content)
}

func TestSystemBroadcastNotificationPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.SystemBroadcast(ctx, f.room.ID, "maintenance at noon", models.MessageKindNotification)
	require.NoError(t, err)
	assert.Equal(t, "system", msg.UserID)

	stored, err := f.store.FindMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MessageKindNotification, stored.Kind)
}

func TestSystemBroadcastPlainSystemEphemeral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var published int
	sub, err := f.bus.Subscribe(ctx, bus.RoomMessagesChannel(f.room.ID.String()), func(bus.Envelope) { published++ })
	require.NoError(t, err)
	defer sub.Close()

	msg, err := f.svc.SystemBroadcast(ctx, f.room.ID, "alice joined", models.MessageKindSystem)
	require.NoError(t, err)

	_, err = f.store.FindMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, published)
}

func TestEditWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "typo here")
	require.NoError(t, err)

	edited, err := f.svc.Edit(ctx, msg.ID, f.user, "fixed now")
	require.NoError(t, err)
	assert.Equal(t, "fixed now", edited.Content)
	assert.True(t, edited.Edited)

	stored, err := f.store.FindMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed now", stored.Content)
}

func TestEditRejectedForOtherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "mine")
	require.NoError(t, err)

	_, err = f.svc.Edit(ctx, msg.ID, uuid.New(), "stolen")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsProtocolError(err).Code)
}

func TestEditRejectedOutsideWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := &models.Message{
		ID:        uuid.New(),
		RoomID:    f.room.ID,
		UserID:    f.user.String(),
		Username:  "alice",
		Content:   "ancient",
		Timestamp: time.Now().Add(-EditWindow - time.Minute),
		Kind:      models.MessageKindUser,
	}
	require.NoError(t, f.store.CreateMessage(ctx, old))

	_, err := f.svc.Edit(ctx, old.ID, f.user, "too late")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.AsProtocolError(err).Code)
}

func TestDeleteEmitsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.svc.Send(ctx, f.room.ID, f.user, "alice", "remove me")
	require.NoError(t, err)

	var events []bus.Envelope
	sub, err := f.bus.Subscribe(ctx, bus.RoomEventsChannel(f.room.ID.String()), func(env bus.Envelope) {
		events = append(events, env)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.svc.Delete(ctx, msg.ID, f.user))

	_, err = f.store.FindMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.Len(t, events, 1)
	assert.Equal(t, "message_deleted", events[0].Event)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, msg.ID.String(), payload["messageId"])
}
