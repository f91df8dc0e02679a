// Package store provides durable persistence for users, rooms, memberships
// and messages. The Store interface keeps the messaging plane independent of
// the backend; Postgres is the production implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/models"
)

var (
	// ErrRoomExists marks a unique-name conflict on room creation.
	ErrRoomExists = errors.New("room name already exists")
	// ErrNotFound marks a missing row.
	ErrNotFound = errors.New("not found")
)

// Retention windows enforced by housekeeping.
const (
	UserRetention       = 30 * 24 * time.Hour
	MembershipRetention = 30 * 24 * time.Hour
	MessageRetention    = 30 * 24 * time.Hour
	EmptyRoomRetention  = 1 * time.Hour
)

// UserStore covers user rows.
type UserStore interface {
	FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindUserByUsernameOnline(ctx context.Context, username string) (*models.User, error)
	FindOnlineUsers(ctx context.Context, limit int) ([]models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	// SetUserOnline flips the online flag; going offline also clears the
	// current room name.
	SetUserOnline(ctx context.Context, id uuid.UUID, online bool) error
	UpdateUserRoom(ctx context.Context, id uuid.UUID, roomName *string) error
	// RecordUserMessage bumps total_messages and last_seen.
	RecordUserMessage(ctx context.Context, id uuid.UUID) error
	// RecordUserConnection adjusts connection_count by delta, clamped at
	// zero, and refreshes last_seen.
	RecordUserConnection(ctx context.Context, id uuid.UUID, delta int) error
	PurgeInactiveUsers(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RoomStore covers room rows.
type RoomStore interface {
	FindRoomByNameActive(ctx context.Context, name string) (*models.Room, error)
	FindRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error)
	FindActiveRooms(ctx context.Context, limit int) ([]models.Room, error)
	// CreateRoom inserts atomically and returns ErrRoomExists on a
	// unique-name conflict.
	CreateRoom(ctx context.Context, room *models.Room) error
	// IncrementRoomUsers adjusts current_users by delta and returns the new
	// count. A room reaching zero is deactivated; a positive delta
	// reactivates and maintains peak_users.
	IncrementRoomUsers(ctx context.Context, roomID uuid.UUID, delta int) (int, error)
	CleanupEmptyRooms(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MembershipStore covers the user-room relation.
type MembershipStore interface {
	// JoinRoom creates a membership or reactivates an inactive one. The
	// second return reports whether the membership transitioned to active;
	// joining a room the user is already in leaves counters untouched.
	JoinRoom(ctx context.Context, roomID, userID uuid.UUID, username string) (*models.Membership, bool, error)
	// LeaveRoom deactivates an active membership. The first return reports
	// whether a membership was actually deactivated.
	LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	ActiveMembers(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error)
	ActiveRoomsOf(ctx context.Context, userID uuid.UUID) ([]models.Membership, error)
	// RecordMembershipMessage bumps messages_in_room and last_message_at.
	RecordMembershipMessage(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error
	PurgeInactiveMemberships(ctx context.Context, olderThan time.Duration) (int64, error)
}

// MessageStore covers message rows.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	FindMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	// EditMessage rewrites content owner-only; DeleteMessage removes the row
	// owner-only. Both are no-ops returning ErrNotFound when no row matches.
	EditMessage(ctx context.Context, id uuid.UUID, userID, content string, at time.Time) error
	DeleteMessage(ctx context.Context, id uuid.UUID, userID string) error
	// MessageHistory returns up to limit messages newest-first, optionally
	// only those before the given instant.
	MessageHistory(ctx context.Context, roomID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error)
	MessagesByUser(ctx context.Context, userID string, limit int) ([]*models.Message, error)
	PurgeExpiredMessages(ctx context.Context, olderThan time.Duration) (int64, error)
	RoomStats(ctx context.Context, roomID uuid.UUID, hoursBack int) (*models.RoomStats, error)
}

// Store is the full persistence surface consumed by the messaging plane.
type Store interface {
	UserStore
	RoomStore
	MembershipStore
	MessageStore

	Health(ctx context.Context) error
	Close() error
}
