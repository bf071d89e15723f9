package room

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs the server when no database is
// configured and is the store used by the test suite.
type MemStore struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	members  map[string][]Member  // roomID -> members in join order
	messages map[string][]Message // roomID -> append-only history
}

func NewMemStore() *MemStore {
	return &MemStore{
		rooms:    make(map[string]*Room),
		members:  make(map[string][]Member),
		messages: make(map[string][]Message),
	}
}

func (s *MemStore) Exists(_ context.Context, roomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok, nil
}

func (s *MemStore) HasHost(_ context.Context, roomID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members[roomID] {
		if m.IsHost {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) CreateRoom(_ context.Context, roomID, hostName, connID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Room{
		ID:        roomID,
		HostName:  hostName,
		UpdatedAt: time.Now(),
	}
	s.rooms[roomID] = r
	s.members[roomID] = []Member{{Username: hostName, IsHost: true, ConnID: connID}}
	s.messages[roomID] = nil

	copy := *r
	return &copy, nil
}

func (s *MemStore) AddMember(_ context.Context, roomID, username, connID string, isHost bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}

	hasHost := false
	for _, m := range s.members[roomID] {
		if m.IsHost {
			hasHost = true
		}
		if m.Username == username {
			return ErrDuplicateName
		}
	}
	if !hasHost && !isHost {
		return ErrNoHost
	}
	if hasHost && isHost {
		return ErrHostConflict
	}

	s.members[roomID] = append(s.members[roomID], Member{
		Username: username,
		IsHost:   isHost,
		ConnID:   connID,
	})
	s.touch(roomID)
	return nil
}

func (s *MemStore) RemoveMember(_ context.Context, roomID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.members[roomID]
	for i, m := range members {
		if m.Username == username {
			s.members[roomID] = append(members[:i:i], members[i+1:]...)
			s.touch(roomID)
			return nil
		}
	}
	return ErrMemberNotFound
}

func (s *MemStore) SetMemberConn(_ context.Context, roomID, username, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.members[roomID]
	for i := range members {
		if members[i].Username == username {
			members[i].ConnID = connID
			s.touch(roomID)
			return nil
		}
	}
	return ErrMemberNotFound
}

func (s *MemStore) GetRoom(_ context.Context, roomID string) (*Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	copy := *r
	return &copy, nil
}

func (s *MemStore) Members(_ context.Context, roomID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.members[roomID]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.IsHost {
			out = append(out, m)
		}
	}
	for _, m := range members {
		if !m.IsHost {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemStore) SetVideo(_ context.Context, roomID, url, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.VideoURL = url
	r.VideoKind = kind
	// A new source always starts paused at zero.
	r.IsPlaying = false
	r.CurrentTime = 0
	s.touch(roomID)
	return nil
}

func (s *MemStore) SetPlayback(_ context.Context, roomID string, isPlaying bool, currentTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	r.IsPlaying = isPlaying
	r.CurrentTime = currentTime
	s.touch(roomID)
	return nil
}

func (s *MemStore) AppendMessage(_ context.Context, roomID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[roomID]; !ok {
		return ErrRoomNotFound
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	s.touch(roomID)
	return nil
}

func (s *MemStore) RecentMessages(_ context.Context, roomID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, roomID)
	delete(s.members, roomID)
	delete(s.messages, roomID)
	return nil
}

func (s *MemStore) StaleRooms(_ context.Context, olderThan time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, r := range s.rooms {
		if r.UpdatedAt.Before(olderThan) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// touch refreshes last activity; caller holds the write lock.
func (s *MemStore) touch(roomID string) {
	if r, ok := s.rooms[roomID]; ok {
		r.UpdatedAt = time.Now()
	}
}
