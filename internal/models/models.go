package models

import (
	"time"

	"github.com/google/uuid"
)

// Message kinds
const (
	MessageKindUser         = "user"
	MessageKindSystem       = "system"
	MessageKindNotification = "notification"
)

// User represents a chat participant
type User struct {
	ID              uuid.UUID  `json:"id"`
	Username        string     `json:"username"`
	CreatedAt       time.Time  `json:"created_at"`
	LastSeen        time.Time  `json:"last_seen"`
	IsOnline        bool       `json:"is_online"`
	CurrentRoomName *string    `json:"current_room_name,omitempty"`
	TotalMessages   int64      `json:"total_messages"`
	ConnectionCount int        `json:"connection_count"`
	RoomsJoined     []string   `json:"rooms_joined"` // capped at 50, most recent last
}

// Room represents a named broadcast domain
type Room struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	CreatedBy        uuid.UUID `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	IsActive         bool      `json:"is_active"`
	CurrentUsers     int       `json:"current_users"`
	PeakUsers        int       `json:"peak_users"`
	MessageCount     int64     `json:"message_count"`
	TotalUniqueUsers int64     `json:"total_unique_users"`
}

// Membership represents a user's relation to a room.
// At most one active membership exists per (room, user) pair.
type Membership struct {
	RoomID         uuid.UUID  `json:"room_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Username       string     `json:"username"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	MessagesInRoom int64      `json:"messages_in_room"`
	JoinCount      int        `json:"join_count"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
}

// Message represents a chat message
type Message struct {
	ID        uuid.UUID  `json:"id"`
	RoomID    uuid.UUID  `json:"roomId"`
	UserID    string     `json:"userId"` // opaque; "system" for synthetic messages
	Username  string     `json:"username"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Kind      string     `json:"type"` // user, system, notification
	Edited    bool       `json:"edited"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// RoomStats summarizes recent traffic for one room.
type RoomStats struct {
	RoomID       uuid.UUID `json:"room_id"`
	MessageCount int64     `json:"message_count"`
	UniqueUsers  int64     `json:"unique_users"`
	HoursBack    int       `json:"hours_back"`
}

// RoomSummary is the per-room line in a room listing.
type RoomSummary struct {
	Name      string    `json:"name"`
	Users     int       `json:"users"`
	Messages  int64     `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
}
