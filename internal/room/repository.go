package room

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Repository is the PostgreSQL-backed Store. Mutations on the same room are
// serialized by the party service, so plain sequential statements are enough
// here.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Exists(ctx context.Context, roomID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM rooms WHERE room_id = $1)", roomID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("room exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) HasHost(ctx context.Context, roomID string) (bool, error) {
	var hasHost bool
	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM room_users WHERE room_id = $1 AND is_host)", roomID).Scan(&hasHost)
	if err != nil {
		return false, fmt.Errorf("room has host: %w", err)
	}
	return hasHost, nil
}

func (r *Repository) CreateRoom(ctx context.Context, roomID, hostName, connID string) (*Room, error) {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO rooms (room_id, host_name) VALUES ($1, $2)", roomID, hostName)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO room_users (room_id, username, is_host, conn_id) VALUES ($1, $2, TRUE, $3)",
		roomID, hostName, connID)
	if err != nil {
		return nil, fmt.Errorf("create room host: %w", err)
	}
	return r.GetRoom(ctx, roomID)
}

func (r *Repository) AddMember(ctx context.Context, roomID, username, connID string, isHost bool) error {
	exists, err := r.Exists(ctx, roomID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrRoomNotFound
	}

	var taken bool
	err = r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM room_users WHERE room_id = $1 AND username = $2)",
		roomID, username).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check username: %w", err)
	}
	if taken {
		return ErrDuplicateName
	}

	hasHost, err := r.HasHost(ctx, roomID)
	if err != nil {
		return err
	}
	if !hasHost && !isHost {
		return ErrNoHost
	}
	if hasHost && isHost {
		return ErrHostConflict
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO room_users (room_id, username, is_host, conn_id) VALUES ($1, $2, $3, $4)",
		roomID, username, isHost, connID)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return r.touch(ctx, roomID)
}

func (r *Repository) RemoveMember(ctx context.Context, roomID, username string) error {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM room_users WHERE room_id = $1 AND username = $2", roomID, username)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMemberNotFound
	}
	return r.touch(ctx, roomID)
}

func (r *Repository) SetMemberConn(ctx context.Context, roomID, username, connID string) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE room_users SET conn_id = $3 WHERE room_id = $1 AND username = $2",
		roomID, username, connID)
	if err != nil {
		return fmt.Errorf("set member conn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMemberNotFound
	}
	return r.touch(ctx, roomID)
}

func (r *Repository) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	room := &Room{}
	var videoURL, videoKind sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT room_id, host_name, video_url, video_kind, is_playing, current_time_s, updated_at
		FROM rooms WHERE room_id = $1
	`, roomID).Scan(&room.ID, &room.HostName, &videoURL, &videoKind,
		&room.IsPlaying, &room.CurrentTime, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	room.VideoURL = videoURL.String
	room.VideoKind = videoKind.String
	return room, nil
}

func (r *Repository) Members(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT username, is_host, conn_id
		FROM room_users
		WHERE room_id = $1
		ORDER BY is_host DESC, joined_at ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Username, &m.IsHost, &m.ConnID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *Repository) SetVideo(ctx context.Context, roomID, url, kind string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rooms
		SET video_url = NULLIF($2, ''), video_kind = NULLIF($3, ''),
		    is_playing = FALSE, current_time_s = 0, updated_at = NOW()
		WHERE room_id = $1
	`, roomID, url, kind)
	if err != nil {
		return fmt.Errorf("set video: %w", err)
	}
	return nil
}

func (r *Repository) SetPlayback(ctx context.Context, roomID string, isPlaying bool, currentTime float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE rooms
		SET is_playing = $2, current_time_s = $3, updated_at = NOW()
		WHERE room_id = $1
	`, roomID, isPlaying, currentTime)
	if err != nil {
		return fmt.Errorf("set playback: %w", err)
	}
	return nil
}

func (r *Repository) AppendMessage(ctx context.Context, roomID string, msg Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (room_id, username, content, kind, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
	`, roomID, msg.Username, msg.Content, msg.Kind, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return r.touch(ctx, roomID)
}

func (r *Repository) RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	// Newest N, then reversed into chronological order for replay.
	rows, err := r.db.QueryContext(ctx, `
		SELECT COALESCE(username, ''), content, kind, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Username, &m.Content, &m.Kind, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *Repository) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM rooms WHERE room_id = $1", roomID)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func (r *Repository) StaleRooms(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT room_id FROM rooms WHERE updated_at < $1", olderThan)
	if err != nil {
		return nil, fmt.Errorf("stale rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) touch(ctx context.Context, roomID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE rooms SET updated_at = NOW() WHERE room_id = $1", roomID)
	if err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}
