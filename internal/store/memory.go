package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/models"
)

// Memory is an in-memory Store. It backs development mode when no database
// is configured and doubles as the fixture for service tests. Semantics
// mirror the Postgres implementation, including the conflict and not-found
// sentinels.
type Memory struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]*models.User
	rooms       map[uuid.UUID]*models.Room
	memberships map[uuid.UUID]map[uuid.UUID]*models.Membership // roomID -> userID
	messages    map[uuid.UUID]*models.Message
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[uuid.UUID]*models.User),
		rooms:       make(map[uuid.UUID]*models.Room),
		memberships: make(map[uuid.UUID]map[uuid.UUID]*models.Membership),
		messages:    make(map[uuid.UUID]*models.Message),
	}
}

func (m *Memory) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (m *Memory) FindUserByUsernameOnline(ctx context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, user := range m.users {
		if user.IsOnline && user.Username == username {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindOnlineUsers(ctx context.Context, limit int) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0)
	for _, user := range m.users {
		if user.IsOnline {
			out = append(out, *user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *Memory) SetUserOnline(ctx context.Context, id uuid.UUID, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.IsOnline = online
	user.LastSeen = time.Now().UTC()
	if !online {
		user.CurrentRoomName = nil
		user.ConnectionCount = 0
	}
	return nil
}

func (m *Memory) RecordUserConnection(ctx context.Context, id uuid.UUID, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.ConnectionCount += delta
	if user.ConnectionCount < 0 {
		user.ConnectionCount = 0
	}
	user.LastSeen = time.Now().UTC()
	return nil
}

func (m *Memory) UpdateUserRoom(ctx context.Context, id uuid.UUID, roomName *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.CurrentRoomName = roomName
	if roomName != nil {
		joined := make([]string, 0, len(user.RoomsJoined)+1)
		for _, name := range user.RoomsJoined {
			if name != *roomName {
				joined = append(joined, name)
			}
		}
		joined = append(joined, *roomName)
		if len(joined) > 50 {
			joined = joined[len(joined)-50:]
		}
		user.RoomsJoined = joined
	}
	return nil
}

func (m *Memory) RecordUserMessage(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	user.TotalMessages++
	user.LastSeen = time.Now().UTC()
	return nil
}

func (m *Memory) PurgeInactiveUsers(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for id, user := range m.users {
		if !user.IsOnline && user.LastSeen.Before(cutoff) {
			delete(m.users, id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) FindRoomByNameActive(ctx context.Context, name string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, room := range m.rooms {
		if room.IsActive && room.Name == name {
			cp := *room
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *room
	return &cp, nil
}

func (m *Memory) FindActiveRooms(ctx context.Context, limit int) ([]models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Room, 0)
	for _, room := range m.rooms {
		if room.IsActive {
			out = append(out, *room)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentUsers != out[j].CurrentUsers {
			return out[i].CurrentUsers > out[j].CurrentUsers
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CreateRoom(ctx context.Context, room *models.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rooms {
		if strings.EqualFold(existing.Name, room.Name) {
			return ErrRoomExists
		}
	}
	cp := *room
	m.rooms[room.ID] = &cp
	return nil
}

func (m *Memory) IncrementRoomUsers(ctx context.Context, roomID uuid.UUID, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return 0, ErrNotFound
	}
	room.CurrentUsers += delta
	if room.CurrentUsers < 0 {
		room.CurrentUsers = 0
	}
	if room.CurrentUsers > room.PeakUsers {
		room.PeakUsers = room.CurrentUsers
	}
	room.IsActive = room.CurrentUsers > 0
	room.LastActivity = time.Now().UTC()
	return room.CurrentUsers, nil
}

func (m *Memory) CleanupEmptyRooms(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for id, room := range m.rooms {
		if room.CurrentUsers == 0 && room.LastActivity.Before(cutoff) {
			delete(m.rooms, id)
			delete(m.memberships, id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) JoinRoom(ctx context.Context, roomID, userID uuid.UUID, username string) (*models.Membership, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.memberships[roomID] == nil {
		m.memberships[roomID] = make(map[uuid.UUID]*models.Membership)
	}
	activated := false
	mem, ok := m.memberships[roomID][userID]
	switch {
	case ok && mem.IsActive:
		// Already a member; nothing transitions.
	case ok:
		mem.IsActive = true
		mem.LeftAt = nil
		mem.JoinCount++
		activated = true
	default:
		mem = &models.Membership{
			RoomID:    roomID,
			UserID:    userID,
			Username:  username,
			JoinedAt:  time.Now().UTC(),
			IsActive:  true,
			JoinCount: 1,
		}
		m.memberships[roomID][userID] = mem
		if room, ok := m.rooms[roomID]; ok {
			room.TotalUniqueUsers++
		}
		activated = true
	}
	cp := *mem
	return &cp, activated, nil
}

func (m *Memory) LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[roomID][userID]
	if !ok || !mem.IsActive {
		return false, nil
	}
	now := time.Now().UTC()
	mem.IsActive = false
	mem.LeftAt = &now
	return true, nil
}

func (m *Memory) ActiveMembers(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Membership, 0)
	for _, mem := range m.memberships[roomID] {
		if mem.IsActive {
			out = append(out, *mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *Memory) ActiveRoomsOf(ctx context.Context, userID uuid.UUID) ([]models.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Membership, 0)
	for _, members := range m.memberships {
		if mem, ok := members[userID]; ok && mem.IsActive {
			out = append(out, *mem)
		}
	}
	return out, nil
}

func (m *Memory) RecordMembershipMessage(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[roomID][userID]
	if !ok {
		return ErrNotFound
	}
	mem.MessagesInRoom++
	mem.LastMessageAt = &at
	return nil
}

func (m *Memory) PurgeInactiveMemberships(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for roomID, members := range m.memberships {
		for userID, mem := range members {
			if !mem.IsActive && mem.LeftAt != nil && mem.LeftAt.Before(cutoff) {
				delete(members, userID)
				purged++
			}
		}
		if len(members) == 0 {
			delete(m.memberships, roomID)
		}
	}
	return purged, nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	if room, ok := m.rooms[msg.RoomID]; ok {
		room.MessageCount++
		room.LastActivity = msg.Timestamp
	}
	return nil
}

func (m *Memory) FindMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) EditMessage(ctx context.Context, id uuid.UUID, userID, content string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.UserID != userID {
		return ErrNotFound
	}
	msg.Content = content
	msg.Edited = true
	msg.EditedAt = &at
	return nil
}

func (m *Memory) DeleteMessage(ctx context.Context, id uuid.UUID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.UserID != userID {
		return ErrNotFound
	}
	delete(m.messages, id)
	return nil
}

func (m *Memory) MessageHistory(ctx context.Context, roomID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Message, 0)
	for _, msg := range m.messages {
		if msg.RoomID != roomID {
			continue
		}
		if before != nil && !msg.Timestamp.Before(*before) {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MessagesByUser(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Message, 0)
	for _, msg := range m.messages {
		if msg.UserID == userID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PurgeExpiredMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for id, msg := range m.messages {
		if msg.Timestamp.Before(cutoff) {
			delete(m.messages, id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) RoomStats(ctx context.Context, roomID uuid.UUID, hoursBack int) (*models.RoomStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-time.Duration(hoursBack) * time.Hour)
	seen := make(map[string]struct{})
	stats := &models.RoomStats{RoomID: roomID, HoursBack: hoursBack}
	for _, msg := range m.messages {
		if msg.RoomID == roomID && msg.Timestamp.After(cutoff) {
			stats.MessageCount++
			seen[msg.UserID] = struct{}{}
		}
	}
	stats.UniqueUsers = int64(len(seen))
	return stats, nil
}

func (m *Memory) Health(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
