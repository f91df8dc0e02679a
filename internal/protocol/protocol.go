// Package protocol defines the JSON frame types exchanged with clients.
//
// Every frame is an object with a "type" discriminator. Server frames also
// carry an ISO-8601 timestamp. The client frame set is closed: decoding an
// unknown type yields ErrUnknownType so the router can answer with
// INVALID_MESSAGE instead of guessing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/parleychat/parley/internal/models"
)

// Client→server frame types.
const (
	TypeAuth        = "auth"
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
	TypeCommand     = "command"
)

// Server→client frame types.
const (
	TypeSystem         = "system"
	TypeAuthSuccess    = "auth_success"
	TypeAuthError      = "auth_error"
	TypeRoomCreated    = "room_created"
	TypeRoomJoined     = "room_joined"
	TypeRoomLeft       = "room_left"
	TypeMessage        = "message"
	TypeMessageHistory = "message_history"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeTypingUpdate   = "typing_update"
	TypeRoomList       = "room_list"
	TypeUserList       = "user_list"
	TypeError          = "error"
	TypeNotification   = "notification"
	TypeClearScreen    = "CLEAR_SCREEN"
)

// MaxFrameSize caps a single inbound frame at 64 KiB.
const MaxFrameSize = 64 * 1024

// ClientFrame is the decoded form of an inbound frame. Only the fields
// relevant to the given Type are populated.
type ClientFrame struct {
	Type     string   `json:"type"`
	Username string   `json:"username,omitempty"`
	Token    string   `json:"token,omitempty"`
	RoomName string   `json:"roomName,omitempty"`
	Content  string   `json:"content,omitempty"`
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// DecodeClientFrame parses raw bytes into a ClientFrame. Malformed JSON and
// unknown discriminators both surface as INVALID_MESSAGE protocol errors,
// each carrying its own correlation id.
func DecodeClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, NewError(CodeInvalidMessage, "malformed frame")
	}
	switch f.Type {
	case TypeAuth, TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom,
		TypeSendMessage, TypeTypingStart, TypeTypingStop, TypeCommand:
		return &f, nil
	default:
		return nil, NewError(CodeInvalidMessage, "unknown frame type")
	}
}

// ServerFrame is the outbound envelope. Payload fields are optional and
// omitted when empty so each frame carries only its own shape.
type ServerFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`

	Message     string            `json:"message,omitempty"`
	User        *UserRef          `json:"user,omitempty"`
	Room        *RoomRef          `json:"room,omitempty"`
	RoomName    string            `json:"roomName,omitempty"`
	ChatMessage *models.Message   `json:"-"`
	Messages    []*models.Message `json:"messages,omitempty"`
	Members     []string          `json:"members,omitempty"`
	MemberCount *int              `json:"memberCount,omitempty"`
	TypingUsers []string          `json:"typingUsers,omitempty"`
	Rooms       []models.RoomSummary `json:"rooms,omitempty"`
	Users       []string          `json:"users,omitempty"`
	Count       *int              `json:"count,omitempty"`
	Token       string            `json:"token,omitempty"`
	Err         *ProtocolError    `json:"error,omitempty"`
	Data        interface{}       `json:"data,omitempty"`
}

// MarshalJSON flattens ChatMessage into the "message" key for message frames
// while keeping the plain string form for system frames. typing_update frames
// always carry typingUsers; an empty list is the signal that nobody is typing.
func (f *ServerFrame) MarshalJSON() ([]byte, error) {
	type alias ServerFrame
	if f.ChatMessage != nil {
		return json.Marshal(struct {
			*alias
			Message *models.Message `json:"message"`
		}{(*alias)(f), f.ChatMessage})
	}
	if f.Type == TypeTypingUpdate {
		return json.Marshal(struct {
			*alias
			TypingUsers []string `json:"typingUsers"`
		}{(*alias)(f), f.TypingUsers})
	}
	return json.Marshal((*alias)(f))
}

// UserRef is the compact user shape embedded in server frames.
type UserRef struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// RoomRef is the compact room shape embedded in server frames.
type RoomRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount *int   `json:"memberCount,omitempty"`
}

// intRef keeps zero counts on the wire; omitempty on a plain int would
// silently drop them.
func intRef(v int) *int {
	return &v
}

func newFrame(frameType string) *ServerFrame {
	return &ServerFrame{
		Type:      frameType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// System builds a system{message} frame.
func System(message string) *ServerFrame {
	f := newFrame(TypeSystem)
	f.Message = message
	return f
}

// Notification builds a notification frame.
func Notification(message string) *ServerFrame {
	f := newFrame(TypeNotification)
	f.Message = message
	return f
}

// AuthSuccess builds an auth_success frame carrying the user and an optional
// session resume token.
func AuthSuccess(userID, username, token string) *ServerFrame {
	f := newFrame(TypeAuthSuccess)
	f.User = &UserRef{UserID: userID, Username: username}
	f.Token = token
	return f
}

// AuthError builds an auth_error frame.
func AuthError(pe *ProtocolError) *ServerFrame {
	f := newFrame(TypeAuthError)
	f.Err = pe
	return f
}

// RoomCreated builds a room_created frame.
func RoomCreated(id, name string) *ServerFrame {
	f := newFrame(TypeRoomCreated)
	f.Room = &RoomRef{ID: id, Name: name}
	return f
}

// RoomJoined builds a room_joined frame with the current member list.
func RoomJoined(id, name string, memberCount int, members []string) *ServerFrame {
	f := newFrame(TypeRoomJoined)
	f.Room = &RoomRef{ID: id, Name: name, MemberCount: intRef(memberCount)}
	f.Members = members
	return f
}

// RoomLeft builds a room_left frame.
func RoomLeft(roomName string) *ServerFrame {
	f := newFrame(TypeRoomLeft)
	f.RoomName = roomName
	return f
}

// ChatMessage builds a message frame wrapping one stored message.
func ChatMessage(msg *models.Message) *ServerFrame {
	f := newFrame(TypeMessage)
	f.ChatMessage = msg
	return f
}

// MessageHistory builds a message_history frame, oldest first.
func MessageHistory(messages []*models.Message) *ServerFrame {
	f := newFrame(TypeMessageHistory)
	f.Messages = messages
	return f
}

// UserJoined builds a user_joined frame with the new member count.
func UserJoined(userID, username string, memberCount int) *ServerFrame {
	f := newFrame(TypeUserJoined)
	f.User = &UserRef{UserID: userID, Username: username}
	f.MemberCount = intRef(memberCount)
	return f
}

// UserLeft builds a user_left frame with the new member count.
func UserLeft(userID, username string, memberCount int) *ServerFrame {
	f := newFrame(TypeUserLeft)
	f.User = &UserRef{UserID: userID, Username: username}
	f.MemberCount = intRef(memberCount)
	return f
}

// TypingUpdate builds a typing_update frame carrying usernames.
func TypingUpdate(typingUsers []string) *ServerFrame {
	if typingUsers == nil {
		typingUsers = []string{}
	}
	f := newFrame(TypeTypingUpdate)
	f.TypingUsers = typingUsers
	return f
}

// RoomList builds a room_list frame.
func RoomList(rooms []models.RoomSummary) *ServerFrame {
	f := newFrame(TypeRoomList)
	f.Rooms = rooms
	f.Count = intRef(len(rooms))
	return f
}

// UserList builds a user_list frame, optionally scoped to a room.
func UserList(roomName string, users []string) *ServerFrame {
	f := newFrame(TypeUserList)
	f.RoomName = roomName
	f.Users = users
	f.Count = intRef(len(users))
	return f
}

// ClearScreen builds a CLEAR_SCREEN frame.
func ClearScreen() *ServerFrame {
	return newFrame(TypeClearScreen)
}

// ErrorFrame wraps a ProtocolError into an error frame.
func ErrorFrame(pe *ProtocolError) *ServerFrame {
	f := newFrame(TypeError)
	f.Err = pe
	return f
}

// DataFrame builds a frame of the given type carrying an opaque payload.
// Used for command replies like stats.
func DataFrame(frameType string, data interface{}) *ServerFrame {
	f := newFrame(frameType)
	f.Data = data
	return f
}
