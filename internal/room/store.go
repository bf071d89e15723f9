package room

import (
	"context"
	"time"
)

// Store is the persistence contract for rooms, members and chat history.
//
// Callers are responsible for serializing mutations to the same room id
// (the party service holds a per-room lock); implementations only need to be
// safe for concurrent use across different rooms. Every successful mutation
// refreshes the room's last-activity timestamp, which the idle reaper reads
// through StaleRooms.
type Store interface {
	Exists(ctx context.Context, roomID string) (bool, error)
	HasHost(ctx context.Context, roomID string) (bool, error)

	// CreateRoom creates the room together with its host member in one step.
	CreateRoom(ctx context.Context, roomID, hostName, connID string) (*Room, error)

	// AddMember adds a member to an existing room. It fails with
	// ErrRoomNotFound, ErrDuplicateName, ErrHostConflict or ErrNoHost.
	AddMember(ctx context.Context, roomID, username, connID string, isHost bool) error

	// RemoveMember fails with ErrMemberNotFound if the member is not present,
	// so racing leave/disconnect paths can detect they lost the race.
	RemoveMember(ctx context.Context, roomID, username string) error

	// SetMemberConn refreshes a member's connection id after a reconnect.
	SetMemberConn(ctx context.Context, roomID, username, connID string) error

	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// Members returns the membership snapshot, hosts first, then join order.
	Members(ctx context.Context, roomID string) ([]Member, error)

	SetVideo(ctx context.Context, roomID, url, kind string) error
	SetPlayback(ctx context.Context, roomID string, isPlaying bool, currentTime float64) error

	AppendMessage(ctx context.Context, roomID string, msg Message) error

	// RecentMessages returns at most limit messages in chronological
	// (ascending timestamp) order.
	RecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)

	DeleteRoom(ctx context.Context, roomID string) error

	// StaleRooms returns ids of rooms whose last activity is older than the
	// cutoff.
	StaleRooms(ctx context.Context, olderThan time.Time) ([]string, error)
}
