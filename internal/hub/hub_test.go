package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley/internal/auth"
	"github.com/parleychat/parley/internal/breaker"
	"github.com/parleychat/parley/internal/bus"
	"github.com/parleychat/parley/internal/cache"
	"github.com/parleychat/parley/internal/messages"
	"github.com/parleychat/parley/internal/protocol"
	"github.com/parleychat/parley/internal/ratelimit"
	"github.com/parleychat/parley/internal/rooms"
	"github.com/parleychat/parley/internal/store"
	"github.com/parleychat/parley/internal/users"
	"github.com/parleychat/parley/internal/utils"
)

type testServer struct {
	hub    *Hub
	server *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := utils.NewLogger("error")
	mem := store.NewMemory()
	c := cache.New(nil, breaker.New("cache-"+t.Name()))
	t.Cleanup(c.Close)
	b := bus.NewLocal("instance-1")
	storeCB := breaker.New("store-" + t.Name())

	sessions, err := auth.NewSessionManager("test-secret")
	require.NoError(t, err)
	userReg := users.NewRegistry(mem, c, storeCB, sessions, logger)
	roomReg := rooms.NewRegistry(mem, c, nil, storeCB, b, logger)
	t.Cleanup(roomReg.Close)
	msgSvc := messages.NewService(mem, c, storeCB, b, roomReg, logger)

	h := New("instance-1", userReg, roomReg, msgSvc, b, ratelimit.New(), logger)
	require.NoError(t, h.Start(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		h.Shutdown(context.Background())
		srv.Close()
	})
	return &testServer{hub: h, server: srv}
}

type client struct {
	t    *testing.T
	sock *websocket.Conn
}

func (ts *testServer) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })
	return &client{t: t, sock: sock}
}

func (c *client) send(frame map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.sock.WriteJSON(frame))
}

// next reads one frame with a read deadline.
func (c *client) next() map[string]any {
	c.t.Helper()
	c.sock.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(c.t, c.sock.ReadJSON(&frame))
	return frame
}

// expect reads frames until one of the wanted type arrives, skipping
// unrelated traffic like typing updates.
func (c *client) expect(frameType string) map[string]any {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		frame := c.next()
		if frame["type"] == frameType {
			return frame
		}
	}
	c.t.Fatalf("frame of type %q never arrived", frameType)
	return nil
}

func (c *client) auth(username string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "username": username})
	return c.expect("auth_success")
}

func TestWelcomeFrameOnConnect(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	frame := c.next()
	assert.Equal(t, "system", frame["type"])
	assert.NotEmpty(t, frame["timestamp"])
}

func TestAuthHappyPath(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	frame := c.auth("alice")
	user := frame["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.NotEmpty(t, user["userId"])
	assert.NotEmpty(t, frame["token"])
}

func TestUnauthenticatedFramesRejected(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	c.send(map[string]any{"type": "send_message", "content": "hi"})
	frame := c.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeUnauthorized, errObj["code"])

	// The socket stays usable.
	c.auth("dave")
}

func TestMalformedFrame(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.next() // welcome

	require.NoError(t, c.sock.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := c.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeInvalidMessage, errObj["code"])
	assert.NotEmpty(t, errObj["correlationId"])
}

func TestUnknownFrameType(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)

	c.send(map[string]any{"type": "subscribe"})
	frame := c.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeInvalidMessage, errObj["code"])
}

func TestCreateRoomThenAutoJoin(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.auth("alice")

	c.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	created := c.expect("room_created")
	room := created["room"].(map[string]any)
	assert.Equal(t, "lobby", room["name"])

	joined := c.expect("room_joined")
	joinedRoom := joined["room"].(map[string]any)
	assert.Equal(t, "lobby", joinedRoom["name"])
	assert.EqualValues(t, 1, joinedRoom["memberCount"])

	c.expect("message_history")
}

func TestCreateRoomCollision(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	a.auth("alice")
	a.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	a.expect("room_joined")

	b := ts.dial(t)
	b.auth("bob")
	b.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	frame := b.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeRoomExists, errObj["code"])
}

func TestJoinFanOutAndSenderExclusion(t *testing.T) {
	ts := newTestServer(t)

	a := ts.dial(t)
	a.auth("alice")
	a.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	a.expect("message_history")

	b := ts.dial(t)
	b.auth("bob")
	b.send(map[string]any{"type": "join_room", "roomName": "lobby"})
	joined := b.expect("room_joined")
	joinedRoom := joined["room"].(map[string]any)
	assert.EqualValues(t, 2, joinedRoom["memberCount"])
	b.expect("message_history")

	// A sees bob arrive.
	userJoined := a.expect("user_joined")
	joinedUser := userJoined["user"].(map[string]any)
	assert.Equal(t, "bob", joinedUser["username"])

	// B sends; A receives; B does not get an echo.
	b.send(map[string]any{"type": "send_message", "content": "hi"})
	msgFrame := a.expect("message")
	msg := msgFrame["message"].(map[string]any)
	assert.Equal(t, "bob", msg["username"])
	assert.Equal(t, "hi", msg["content"])

	b.sock.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var echo map[string]any
	for {
		if err := b.sock.ReadJSON(&echo); err != nil {
			break
		}
		require.NotEqual(t, "message", echo["type"], "sender received its own message")
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.auth("alice")

	c.send(map[string]any{"type": "join_room", "roomName": "nowhere"})
	frame := c.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeRoomNotFound, errObj["code"])
}

func TestLeaveEmptyRoomDeactivates(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	a.auth("alice")
	a.send(map[string]any{"type": "create_room", "roomName": "den"})
	a.expect("message_history")

	a.send(map[string]any{"type": "leave_room"})
	left := a.expect("room_left")
	assert.Equal(t, "den", left["roomName"])

	b := ts.dial(t)
	b.auth("bob")
	b.send(map[string]any{"type": "join_room", "roomName": "den"})
	frame := b.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeRoomNotFound, errObj["code"])
}

func TestMessageRateLimit(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.auth("eve")
	c.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	c.expect("message_history")

	for i := 0; i < 11; i++ {
		c.send(map[string]any{"type": "send_message", "content": "msg " + strings.Repeat("x", i+1)})
	}

	frame := c.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeRateLimit, errObj["code"])
	assert.GreaterOrEqual(t, errObj["retryAfter"].(float64), float64(1))
}

func TestTypingUpdateReachesPeers(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	a.auth("alice")
	a.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	a.expect("message_history")

	b := ts.dial(t)
	b.auth("frank")
	b.send(map[string]any{"type": "join_room", "roomName": "lobby"})
	b.expect("message_history")
	a.expect("user_joined")

	b.send(map[string]any{"type": "typing_start"})
	update := a.expect("typing_update")
	raw, err := json.Marshal(update["typingUsers"])
	require.NoError(t, err)
	var typists []string
	require.NoError(t, json.Unmarshal(raw, &typists))
	assert.Equal(t, []string{"frank"}, typists)

	b.send(map[string]any{"type": "typing_stop"})
	update = a.expect("typing_update")
	assert.Empty(t, update["typingUsers"])
}

func TestTypingIndicatorClearsWithoutStop(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	a.auth("alice")
	a.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	a.expect("message_history")

	b := ts.dial(t)
	b.auth("frank")
	b.send(map[string]any{"type": "join_room", "roomName": "lobby"})
	b.expect("message_history")
	a.expect("user_joined")

	b.send(map[string]any{"type": "typing_start"})
	update := a.expect("typing_update")
	assert.NotEmpty(t, update["typingUsers"])

	// frank never refreshes and never sends typing_stop; alice must still
	// see the indicator clear shortly after the TTL.
	deadline := time.Now().Add(rooms.TypingTTL + 3*time.Second)
	for {
		require.NoError(t, a.sock.SetReadDeadline(deadline))
		var frame map[string]any
		require.NoError(t, a.sock.ReadJSON(&frame), "indicator never cleared")
		if frame["type"] != "typing_update" {
			continue
		}
		typists, ok := frame["typingUsers"].([]any)
		require.True(t, ok)
		if len(typists) == 0 {
			return
		}
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	ts := newTestServer(t)
	a := ts.dial(t)
	a.auth("alice")
	a.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	a.expect("message_history")

	b := ts.dial(t)
	b.auth("bob")
	b.send(map[string]any{"type": "join_room", "roomName": "lobby"})
	b.expect("message_history")
	a.expect("user_joined")

	b.sock.Close()

	left := a.expect("user_left")
	leftUser := left["user"].(map[string]any)
	assert.Equal(t, "bob", leftUser["username"])
}

func TestCommandsHelpAndClear(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.auth("alice")

	c.send(map[string]any{"type": "command", "command": "help"})
	help := c.expect("system")
	assert.Contains(t, help["message"], "/rooms")

	c.send(map[string]any{"type": "command", "command": "clear"})
	c.expect("CLEAR_SCREEN")

	c.send(map[string]any{"type": "command", "command": "bogus"})
	frame := c.expect("error")
	errObj := frame["error"].(map[string]any)
	assert.Equal(t, protocol.CodeInvalidMessage, errObj["code"])
}

func TestCommandRoomsAndUsers(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.auth("alice")
	c.send(map[string]any{"type": "create_room", "roomName": "lobby"})
	c.expect("message_history")

	c.send(map[string]any{"type": "command", "command": "rooms"})
	roomList := c.expect("room_list")
	assert.EqualValues(t, 1, roomList["count"])

	c.send(map[string]any{"type": "command", "command": "users"})
	userList := c.expect("user_list")
	assert.Equal(t, "lobby", userList["roomName"])
	assert.EqualValues(t, 1, userList["count"])
}

func TestShutdownSendsGoingAway(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t)
	c.auth("alice")

	go ts.hub.Shutdown(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	c.sock.SetReadDeadline(deadline)
	for {
		_, _, err := c.sock.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "close"), "unexpected error: %v", err)
			return
		}
		require.True(t, time.Now().Before(deadline))
	}
}
