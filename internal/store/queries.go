package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parleychat/parley/internal/models"
)

const uniqueViolation = "23505"

func mapRowErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// User queries

func (db *Postgres) FindUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	var user models.User
	err := db.queryRow(ctx,
		`SELECT id, username, created_at, last_seen, is_online, current_room_name,
		        total_messages, connection_count, rooms_joined
		 FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Username, &user.CreatedAt, &user.LastSeen, &user.IsOnline,
		&user.CurrentRoomName, &user.TotalMessages, &user.ConnectionCount, &user.RoomsJoined)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &user, nil
}

func (db *Postgres) FindUserByUsernameOnline(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	var user models.User
	err := db.queryRow(ctx,
		`SELECT id, username, created_at, last_seen, is_online, current_room_name,
		        total_messages, connection_count, rooms_joined
		 FROM users WHERE username = $1 AND is_online = true`,
		username,
	).Scan(&user.ID, &user.Username, &user.CreatedAt, &user.LastSeen, &user.IsOnline,
		&user.CurrentRoomName, &user.TotalMessages, &user.ConnectionCount, &user.RoomsJoined)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &user, nil
}

func (db *Postgres) FindOnlineUsers(ctx context.Context, limit int) ([]models.User, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	rows, err := db.query(ctx,
		`SELECT id, username, created_at, last_seen, is_online, current_room_name,
		        total_messages, connection_count, rooms_joined
		 FROM users WHERE is_online = true ORDER BY last_seen DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.CreatedAt, &user.LastSeen, &user.IsOnline,
			&user.CurrentRoomName, &user.TotalMessages, &user.ConnectionCount, &user.RoomsJoined); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (db *Postgres) CreateUser(ctx context.Context, user *models.User) error {
	_, err := db.exec(ctx,
		`INSERT INTO users (id, username, created_at, last_seen, is_online,
		                    total_messages, connection_count, rooms_joined)
		 VALUES ($1, $2, NOW(), NOW(), $3, 0, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		user.ID, user.Username, user.IsOnline, user.ConnectionCount, user.RoomsJoined,
	)
	return err
}

func (db *Postgres) SetUserOnline(ctx context.Context, id uuid.UUID, online bool) error {
	if online {
		_, err := db.exec(ctx,
			`UPDATE users SET is_online = true, last_seen = NOW() WHERE id = $1`,
			id,
		)
		return err
	}
	_, err := db.exec(ctx,
		`UPDATE users SET is_online = false, last_seen = NOW(),
		        current_room_name = NULL, connection_count = 0
		 WHERE id = $1`,
		id,
	)
	return err
}

func (db *Postgres) UpdateUserRoom(ctx context.Context, id uuid.UUID, roomName *string) error {
	if roomName == nil {
		_, err := db.exec(ctx,
			`UPDATE users SET current_room_name = NULL, last_seen = NOW() WHERE id = $1`, id)
		return err
	}
	// rooms_joined keeps the 50 most recent distinct room names.
	_, err := db.exec(ctx,
		`UPDATE users SET current_room_name = $1, last_seen = NOW(),
		        rooms_joined = (array_remove(rooms_joined, $1::text) || $1::text)[GREATEST(array_length(array_remove(rooms_joined, $1::text) || $1::text, 1) - 49, 1):]
		 WHERE id = $2`,
		*roomName, id,
	)
	return err
}

func (db *Postgres) RecordUserConnection(ctx context.Context, id uuid.UUID, delta int) error {
	_, err := db.exec(ctx,
		`UPDATE users SET connection_count = GREATEST(connection_count + $1, 0),
		        last_seen = NOW()
		 WHERE id = $2`,
		delta, id,
	)
	return err
}

func (db *Postgres) RecordUserMessage(ctx context.Context, id uuid.UUID) error {
	_, err := db.exec(ctx,
		`UPDATE users SET total_messages = total_messages + 1, last_seen = NOW() WHERE id = $1`, id)
	return err
}

func (db *Postgres) PurgeInactiveUsers(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.exec(ctx,
		`DELETE FROM users WHERE is_online = false AND last_seen < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Room queries

func scanRoom(row pgx.Row) (*models.Room, error) {
	var room models.Room
	err := row.Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedAt, &room.LastActivity,
		&room.IsActive, &room.CurrentUsers, &room.PeakUsers, &room.MessageCount, &room.TotalUniqueUsers)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &room, nil
}

const roomColumns = `id, name, created_by, created_at, last_activity, is_active,
	        current_users, peak_users, message_count, total_unique_users`

func (db *Postgres) FindRoomByNameActive(ctx context.Context, name string) (*models.Room, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	return scanRoom(db.queryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE name = $1 AND is_active = true`, name))
}

func (db *Postgres) FindRoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	return scanRoom(db.queryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (db *Postgres) FindActiveRooms(ctx context.Context, limit int) ([]models.Room, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	rows, err := db.query(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE is_active = true
		 ORDER BY last_activity DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (db *Postgres) CreateRoom(ctx context.Context, room *models.Room) error {
	_, err := db.exec(ctx,
		`INSERT INTO rooms (id, name, created_by, created_at, last_activity, is_active,
		                    current_users, peak_users, message_count, total_unique_users)
		 VALUES ($1, $2, $3, NOW(), NOW(), true, 0, 0, 0, 0)`,
		room.ID, room.Name, room.CreatedBy,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrRoomExists
	}
	return err
}

func (db *Postgres) IncrementRoomUsers(ctx context.Context, roomID uuid.UUID, delta int) (int, error) {
	ctx, cancel := withExecDeadline(ctx)
	defer cancel()

	var count int
	err := db.queryRow(ctx,
		`UPDATE rooms
		 SET current_users = GREATEST(current_users + $1, 0),
		     peak_users = GREATEST(peak_users, GREATEST(current_users + $1, 0)),
		     is_active = GREATEST(current_users + $1, 0) > 0,
		     last_activity = NOW()
		 WHERE id = $2
		 RETURNING current_users`,
		delta, roomID,
	).Scan(&count)
	if err != nil {
		return 0, mapRowErr(err)
	}
	return count, nil
}

func (db *Postgres) CleanupEmptyRooms(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.exec(ctx,
		`DELETE FROM rooms
		 WHERE current_users = 0 AND last_activity < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Membership queries

const membershipColumns = `room_id, user_id, username, joined_at, left_at, is_active,
	        messages_in_room, join_count, last_message_at`

func scanMembership(row pgx.Row) (*models.Membership, error) {
	var m models.Membership
	err := row.Scan(&m.RoomID, &m.UserID, &m.Username, &m.JoinedAt, &m.LeftAt, &m.IsActive,
		&m.MessagesInRoom, &m.JoinCount, &m.LastMessageAt)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &m, nil
}

func (db *Postgres) JoinRoom(ctx context.Context, roomID, userID uuid.UUID, username string) (*models.Membership, bool, error) {
	ctx, cancel := withExecDeadline(ctx)
	defer cancel()

	// Reactivate an inactive membership first; that is the only upsert path
	// that bumps join_count.
	row := db.queryRow(ctx,
		`UPDATE memberships
		 SET is_active = true, left_at = NULL, joined_at = NOW(),
		     join_count = join_count + 1, username = $3
		 WHERE room_id = $1 AND user_id = $2 AND is_active = false
		 RETURNING `+membershipColumns,
		roomID, userID, username,
	)
	mem, err := scanMembership(row)
	if err == nil {
		return mem, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	row = db.queryRow(ctx,
		`INSERT INTO memberships (room_id, user_id, username, joined_at, is_active,
		                          messages_in_room, join_count)
		 VALUES ($1, $2, $3, NOW(), true, 0, 1)
		 ON CONFLICT (room_id, user_id) DO NOTHING
		 RETURNING `+membershipColumns,
		roomID, userID, username,
	)
	mem, err = scanMembership(row)
	if err == nil {
		// First time this user has ever joined the room.
		if _, err := db.exec(ctx,
			`UPDATE rooms SET total_unique_users = total_unique_users + 1 WHERE id = $1`,
			roomID,
		); err != nil {
			return nil, false, err
		}
		return mem, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	// Already an active member; return it untouched.
	mem, err = scanMembership(db.queryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE room_id = $1 AND user_id = $2`,
		roomID, userID,
	))
	if err != nil {
		return nil, false, err
	}
	return mem, false, nil
}

func (db *Postgres) LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	tag, err := db.exec(ctx,
		`UPDATE memberships SET is_active = false, left_at = NOW()
		 WHERE room_id = $1 AND user_id = $2 AND is_active = true`,
		roomID, userID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (db *Postgres) ActiveMembers(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	rows, err := db.query(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE room_id = $1 AND is_active = true ORDER BY joined_at`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

func (db *Postgres) ActiveRoomsOf(ctx context.Context, userID uuid.UUID) ([]models.Membership, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	rows, err := db.query(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE user_id = $1 AND is_active = true ORDER BY joined_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []models.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, *m)
	}
	return memberships, rows.Err()
}

func (db *Postgres) RecordMembershipMessage(ctx context.Context, roomID, userID uuid.UUID, at time.Time) error {
	_, err := db.exec(ctx,
		`UPDATE memberships
		 SET messages_in_room = messages_in_room + 1, last_message_at = $1
		 WHERE room_id = $2 AND user_id = $3 AND is_active = true`,
		at, roomID, userID,
	)
	return err
}

func (db *Postgres) PurgeInactiveMemberships(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.exec(ctx,
		`DELETE FROM memberships
		 WHERE is_active = false AND left_at < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Message queries

const messageColumns = `id, room_id, user_id, username, content, ts, kind, edited, edited_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Username, &msg.Content,
		&msg.Timestamp, &msg.Kind, &msg.Edited, &msg.EditedAt)
	if err != nil {
		return nil, mapRowErr(err)
	}
	return &msg, nil
}

func (db *Postgres) CreateMessage(ctx context.Context, msg *models.Message) error {
	_, err := db.exec(ctx,
		`INSERT INTO messages (id, room_id, user_id, username, content, ts, kind, edited)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, false)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.RoomID, msg.UserID, msg.Username, msg.Content, msg.Timestamp, msg.Kind,
	)
	if err == nil {
		_, err = db.exec(ctx,
			`UPDATE rooms SET message_count = message_count + 1, last_activity = NOW() WHERE id = $1`,
			msg.RoomID,
		)
	}
	return err
}

func (db *Postgres) FindMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	return scanMessage(db.queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (db *Postgres) EditMessage(ctx context.Context, id uuid.UUID, userID, content string, at time.Time) error {
	tag, err := db.exec(ctx,
		`UPDATE messages SET content = $1, edited = true, edited_at = $2
		 WHERE id = $3 AND user_id = $4`,
		content, at, id, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *Postgres) DeleteMessage(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := db.exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *Postgres) MessageHistory(ctx context.Context, roomID uuid.UUID, limit int, before *time.Time) ([]*models.Message, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = $1`
	args := []interface{}{roomID}
	if before != nil {
		query += ` AND ts < $2`
		args = append(args, *before)
	}
	query += ` ORDER BY ts DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *Postgres) MessagesByUser(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	rows, err := db.query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE user_id = $1 ORDER BY ts DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (db *Postgres) PurgeExpiredMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := db.exec(ctx,
		`DELETE FROM messages WHERE ts < NOW() - $1::interval`,
		olderThan.String(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (db *Postgres) RoomStats(ctx context.Context, roomID uuid.UUID, hoursBack int) (*models.RoomStats, error) {
	ctx, cancel := withSelectDeadline(ctx)
	defer cancel()

	stats := &models.RoomStats{RoomID: roomID, HoursBack: hoursBack}
	err := db.queryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id) FROM messages
		 WHERE room_id = $1 AND ts > NOW() - make_interval(hours => $2)`,
		roomID, hoursBack,
	).Scan(&stats.MessageCount, &stats.UniqueUsers)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
