package hub

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/metrics"
	"github.com/parleychat/parley/internal/protocol"
)

// handlerFunc processes one inbound frame for one connection. A returned
// error is converted into an error frame; it never tears the socket down.
type handlerFunc func(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error

// Router maps frame types to handlers. The frame set is closed; the decoder
// already rejected unknown types.
type Router struct {
	hub      *Hub
	handlers map[string]handlerFunc
}

func newRouter(h *Hub) *Router {
	r := &Router{hub: h}
	r.handlers = map[string]handlerFunc{
		protocol.TypeAuth:        r.handleAuth,
		protocol.TypeCreateRoom:  r.handleCreateRoom,
		protocol.TypeJoinRoom:    r.handleJoinRoom,
		protocol.TypeLeaveRoom:   r.handleLeaveRoom,
		protocol.TypeSendMessage: r.handleSendMessage,
		protocol.TypeTypingStart: r.handleTypingStart,
		protocol.TypeTypingStop:  r.handleTypingStop,
		protocol.TypeCommand:     r.handleCommand,
	}
	return r
}

// dispatch runs the handler for a frame inside an error envelope: panics and
// returned errors both become error frames carrying a correlation id.
func (r *Router) dispatch(ctx context.Context, c *Conn, frame *protocol.ClientFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.hub.logger.Error(ctx, "panic handling %s frame on %s: %v", frame.Type, c.ID, rec)
			pe := protocol.NewError(protocol.CodeInternalError, "internal error")
			metrics.ErrorsTotal.WithLabelValues(pe.Code).Inc()
			c.SendFrame(protocol.ErrorFrame(pe))
		}
	}()

	handler, ok := r.handlers[frame.Type]
	if !ok {
		c.SendFrame(protocol.ErrorFrame(protocol.NewError(protocol.CodeInvalidMessage, "unknown frame type")))
		return
	}
	if err := handler(ctx, c, frame); err != nil {
		pe := protocol.AsProtocolError(err)
		metrics.ErrorsTotal.WithLabelValues(pe.Code).Inc()
		if frame.Type == protocol.TypeAuth {
			c.SendFrame(protocol.AuthError(pe))
			return
		}
		c.SendFrame(protocol.ErrorFrame(pe))
	}
}

func (r *Router) handleAuth(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	if c.Authenticated() {
		userID, username := c.Identity()
		c.SendFrame(protocol.AuthSuccess(userID.String(), username, ""))
		return nil
	}

	res, err := r.hub.users.Authenticate(ctx, c.ID, frame.Username, frame.Token)
	if err != nil {
		return err
	}
	c.setIdentity(res.User.ID, res.User.Username)
	c.SendFrame(protocol.AuthSuccess(res.User.ID.String(), res.User.Username, res.Token))
	if res.IsNew {
		c.SendFrame(protocol.System(fmt.Sprintf("Welcome, %s!", res.User.Username)))
	} else {
		c.SendFrame(protocol.System(fmt.Sprintf("Welcome back, %s!", res.User.Username)))
	}
	return nil
}

// handleCreateRoom creates the room and then walks the creator into it.
func (r *Router) handleCreateRoom(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	userID, username := c.Identity()
	room, err := r.hub.rooms.Create(ctx, frame.RoomName, userID)
	if err != nil {
		return err
	}
	c.SendFrame(protocol.RoomCreated(room.ID.String(), room.Name))
	return r.enterRoom(ctx, c, room.Name, userID, username)
}

func (r *Router) handleJoinRoom(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	userID, username := c.Identity()
	return r.enterRoom(ctx, c, frame.RoomName, userID, username)
}

// enterRoom is the shared join pipeline: leave the current room if any, join
// the target, announce to peers, reply with room_joined and history.
func (r *Router) enterRoom(ctx context.Context, c *Conn, roomName string, userID uuid.UUID, username string) error {
	room, err := r.hub.rooms.FindByName(ctx, roomName)
	if err != nil {
		return err
	}

	if current := c.Room(); current != nil {
		if current.ID == room.ID {
			return protocol.NewError(protocol.CodeInvalidMessage, "already in that room")
		}
		r.leaveCurrent(ctx, c)
	}

	res, err := r.hub.rooms.Join(ctx, room, userID, username)
	if err != nil {
		return err
	}
	c.setRoom(room)
	r.hub.retainRoom(ctx, room.ID)

	r.hub.BroadcastToRoom(room.ID, protocol.UserJoined(userID.String(), username, res.MemberCount), c.ID)
	c.SendFrame(protocol.RoomJoined(room.ID.String(), room.Name, res.MemberCount, res.Members))

	history, err := r.hub.messages.History(ctx, room.ID, 0)
	if err != nil {
		r.hub.logger.Debug(ctx, "failed to load history for %s: %v", room.Name, err)
		history = nil
	}
	c.SendFrame(protocol.MessageHistory(history))
	return nil
}

func (r *Router) handleLeaveRoom(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	if c.Room() == nil {
		return protocol.NewError(protocol.CodeRoomNotFound, "not in a room")
	}
	roomName := c.Room().Name
	r.leaveCurrent(ctx, c)
	c.SendFrame(protocol.RoomLeft(roomName))
	return nil
}

func (r *Router) leaveCurrent(ctx context.Context, c *Conn) {
	room := c.Room()
	if room == nil {
		return
	}
	userID, username := c.Identity()
	if count, err := r.hub.rooms.Leave(ctx, room, userID, username); err == nil {
		r.hub.BroadcastToRoom(room.ID, protocol.UserLeft(userID.String(), username, count), c.ID)
	}
	r.hub.releaseRoom(room.ID)
	c.setRoom(nil)
}

func (r *Router) handleSendMessage(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	room := c.Room()
	if room == nil {
		return protocol.NewError(protocol.CodeRoomNotFound, "join a room first")
	}
	userID, username := c.Identity()

	msg, err := r.hub.messages.Send(ctx, room.ID, userID, username, frame.Content)
	if err != nil {
		return err
	}

	// Local fan-out excludes the sender; remote instances deliver via the
	// bus subscription.
	r.hub.BroadcastToRoom(room.ID, protocol.ChatMessage(msg), c.ID)
	r.hub.BroadcastToRoom(room.ID, protocol.TypingUpdate(r.hub.rooms.Typists(ctx, room.ID)), c.ID)
	return nil
}

func (r *Router) handleTypingStart(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	return r.typing(ctx, c, true)
}

func (r *Router) handleTypingStop(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	return r.typing(ctx, c, false)
}

func (r *Router) typing(ctx context.Context, c *Conn, isTyping bool) error {
	room := c.Room()
	if room == nil {
		return protocol.NewError(protocol.CodeRoomNotFound, "join a room first")
	}
	userID, username := c.Identity()
	typists := r.hub.rooms.Typing(ctx, room.ID, userID, username, isTyping)
	r.hub.BroadcastToRoom(room.ID, protocol.TypingUpdate(typists), c.ID)
	return nil
}

const helpText = `Available commands:
/rooms [limit]           list active rooms
/users                   list users in your room, or everyone online
/stats                   show room and server statistics
/me                      show your profile
/edit <messageId> <text> rewrite one of your recent messages
/delete <messageId>      remove one of your recent messages
/clear                   clear your screen
/help                    this message`

func (r *Router) handleCommand(ctx context.Context, c *Conn, frame *protocol.ClientFrame) error {
	switch strings.ToLower(frame.Command) {
	case "rooms":
		limit := 20
		if len(frame.Args) > 0 {
			if n, err := strconv.Atoi(frame.Args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		rooms, err := r.hub.rooms.ActiveRooms(ctx, limit)
		if err != nil {
			return protocol.NewError(protocol.CodeDatabaseError, "failed to list rooms")
		}
		c.SendFrame(protocol.RoomList(rooms))
		return nil

	case "users":
		if room := c.Room(); room != nil {
			members, err := r.hub.rooms.MemberList(ctx, room.ID)
			if err != nil {
				return protocol.NewError(protocol.CodeDatabaseError, "failed to list members")
			}
			c.SendFrame(protocol.UserList(room.Name, members))
			return nil
		}
		online, err := r.hub.users.OnlineUsers(ctx, 100)
		if err != nil {
			return protocol.NewError(protocol.CodeDatabaseError, "failed to list users")
		}
		names := make([]string, 0, len(online))
		for _, u := range online {
			names = append(names, u.Username)
		}
		c.SendFrame(protocol.UserList("", names))
		return nil

	case "help":
		c.SendFrame(protocol.System(helpText))
		return nil

	case "stats":
		return r.commandStats(ctx, c)

	case "edit":
		if len(frame.Args) < 2 {
			return protocol.NewError(protocol.CodeInvalidMessage, "usage: /edit <messageId> <text>")
		}
		messageID, err := uuid.Parse(frame.Args[0])
		if err != nil {
			return protocol.NewError(protocol.CodeInvalidMessage, "invalid message id")
		}
		userID, _ := c.Identity()
		msg, err := r.hub.messages.Edit(ctx, messageID, userID, strings.Join(frame.Args[1:], " "))
		if err != nil {
			return err
		}
		c.SendFrame(protocol.ChatMessage(msg))
		return nil

	case "delete":
		if len(frame.Args) < 1 {
			return protocol.NewError(protocol.CodeInvalidMessage, "usage: /delete <messageId>")
		}
		messageID, err := uuid.Parse(frame.Args[0])
		if err != nil {
			return protocol.NewError(protocol.CodeInvalidMessage, "invalid message id")
		}
		userID, _ := c.Identity()
		if err := r.hub.messages.Delete(ctx, messageID, userID); err != nil {
			return err
		}
		c.SendFrame(protocol.System("Message deleted"))
		return nil

	case "me":
		return r.commandMe(ctx, c)

	case "clear":
		c.SendFrame(protocol.ClearScreen())
		return nil

	default:
		return protocol.NewError(protocol.CodeInvalidMessage, fmt.Sprintf("unknown command %q", frame.Command))
	}
}

func (r *Router) commandStats(ctx context.Context, c *Conn) error {
	lines := []string{
		fmt.Sprintf("Server uptime: %s", r.hub.Uptime().Round(time.Second)),
		fmt.Sprintf("Connections here: %d", r.hub.ConnectionCount()),
	}
	if room := c.Room(); room != nil {
		if stats, err := r.hub.rooms.Stats(ctx, room.ID, 24); err == nil {
			lines = append(lines, fmt.Sprintf("%s: %d messages from %d users in the last %dh",
				room.Name, stats.MessageCount, stats.UniqueUsers, stats.HoursBack))
		}
	}
	c.SendFrame(protocol.System(strings.Join(lines, "\n")))
	return nil
}

func (r *Router) commandMe(ctx context.Context, c *Conn) error {
	userID, username := c.Identity()
	user, err := r.hub.users.UserInfo(ctx, userID)
	if err != nil {
		return protocol.NewError(protocol.CodeDatabaseError, "failed to load profile")
	}
	room := "none"
	if user.CurrentRoomName != nil {
		room = *user.CurrentRoomName
	}
	c.SendFrame(protocol.System(fmt.Sprintf("%s: %d messages sent, current room: %s, online since %s",
		username, user.TotalMessages, room, user.LastSeen.Format("15:04:05"))))
	return nil
}
