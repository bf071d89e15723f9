package party

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go-watchparty/internal/playback"
	"go-watchparty/internal/room"
)

// Notifier is the delivery surface the service needs from the hub. Tests
// substitute a recording fake.
type Notifier interface {
	JoinRoom(roomID, connID string)
	LeaveRoom(roomID, connID string)
	Broadcast(roomID string, payload []byte)
	BroadcastExcept(roomID, exceptConn string, payload []byte)
	SendTo(connID string, payload []byte) bool
	CloseRoom(roomID string, payload []byte)
}

// ErrNotHost is returned when a non-host connection tries to mutate playback
// or video state.
var ErrNotHost = errors.New("only the host can change playback state")

// ErrNotInRoom is returned for room-scoped events from an unbound connection.
var ErrNotInRoom = errors.New("connection is not in a room")

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Service runs the room state machine. Every mutation of one room's state
// goes through that room's lock, so racing joins, leaves, disconnects and
// reaps resolve to lock order; different rooms proceed in parallel.
type Service struct {
	store    room.Store
	registry *Registry
	hub      Notifier

	mu    sync.Mutex
	locks map[string]*roomLock
}

func NewService(store room.Store, registry *Registry, hub Notifier) *Service {
	return &Service{
		store:    store,
		registry: registry,
		hub:      hub,
		locks:    make(map[string]*roomLock),
	}
}

// lockRoom acquires the serialization point for one room id and returns the
// release func. Lock entries are reference-counted so the table does not
// grow with dead room ids.
func (s *Service) lockRoom(roomID string) func() {
	s.mu.Lock()
	l, ok := s.locks[roomID]
	if !ok {
		l = &roomLock{}
		s.locks[roomID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, roomID)
		}
		s.mu.Unlock()
	}
}

func (s *Service) CheckRoom(ctx context.Context, roomID string) (CheckRoomReply, error) {
	exists, err := s.store.Exists(ctx, roomID)
	if err != nil {
		return CheckRoomReply{}, err
	}
	if !exists {
		return CheckRoomReply{}, nil
	}
	hasHost, err := s.store.HasHost(ctx, roomID)
	if err != nil {
		return CheckRoomReply{}, err
	}
	return CheckRoomReply{Exists: true, HasHost: hasHost}, nil
}

// Join runs the join protocol: validate against the store, commit the member,
// bind the registry, broadcast the membership snapshot, and catch the new
// connection up with current video/playback state and recent chat history.
// The registry binding happens only after the store write succeeds, so a
// failed write leaves no trace of the connection.
func (s *Service) Join(ctx context.Context, connID string, req JoinRoomRequest) error {
	unlock := s.lockRoom(req.RoomID)
	defer unlock()

	exists, err := s.store.Exists(ctx, req.RoomID)
	if err != nil {
		return err
	}

	if !exists {
		if !req.IsHost {
			return room.ErrRoomNotFound
		}
		if _, err := s.store.CreateRoom(ctx, req.RoomID, req.Username, connID); err != nil {
			return err
		}
	} else {
		if err := s.store.AddMember(ctx, req.RoomID, req.Username, connID, req.IsHost); err != nil {
			return err
		}
	}

	s.registry.Bind(connID, req.RoomID, req.Username, req.IsHost)
	s.hub.JoinRoom(req.RoomID, connID)

	// The joiner sees its own join notice once, through the history replay.
	s.appendSystem(ctx, req.RoomID, connID, req.Username+" joined the room")

	// The join is committed; failures past this point only degrade the
	// notifications, they never fail the join.
	members, err := s.store.Members(ctx, req.RoomID)
	if err != nil {
		log.Printf("list members of %s: %v", req.RoomID, err)
		return nil
	}
	s.hub.Broadcast(req.RoomID, Encode(EventUserJoined, members))

	// Catch-up unicast: the joiner sees state as of after its join.
	rm, err := s.store.GetRoom(ctx, req.RoomID)
	if err != nil {
		log.Printf("load room %s: %v", req.RoomID, err)
		return nil
	}
	if rm.HasVideo() {
		s.hub.SendTo(connID, Encode(EventVideoUploaded, VideoRef{URL: rm.VideoURL, Kind: rm.VideoKind}))
		s.hub.SendTo(connID, Encode(EventVideoStateChange, playback.State{
			IsPlaying:   rm.IsPlaying,
			CurrentTime: rm.CurrentTime,
		}))
	}

	history, err := s.store.RecentMessages(ctx, req.RoomID, room.HistoryLimit)
	if err != nil {
		log.Printf("load history of %s: %v", req.RoomID, err)
		return nil
	}
	s.hub.SendTo(connID, Encode(EventChatHistory, history))

	return nil
}

// Leave handles both voluntary leaves and disconnects; the two are
// indistinguishable past the registry. Idempotent: the first call wins the
// binding, later calls are no-ops. If the departing member was the host, or
// the room is now empty, the room is torn down.
func (s *Service) Leave(ctx context.Context, connID string) {
	b, ok := s.registry.Unbind(connID)
	if !ok {
		return
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	s.hub.LeaveRoom(b.RoomID, connID)

	err := s.store.RemoveMember(ctx, b.RoomID, b.Username)
	if errors.Is(err, room.ErrMemberNotFound) || errors.Is(err, room.ErrRoomNotFound) {
		// Lost a race with another teardown path; nothing left to do.
		return
	}
	if err != nil {
		// Disconnect-time persistence errors must not block the process; the
		// reaper or a later membership operation re-reads actual state.
		log.Printf("remove member %s from %s: %v", b.Username, b.RoomID, err)
		return
	}

	members, err := s.store.Members(ctx, b.RoomID)
	if err != nil {
		log.Printf("list members of %s: %v", b.RoomID, err)
		return
	}

	if len(members) == 0 || !hasHost(members) {
		s.closeRoom(ctx, b.RoomID, "Room was closed because the host left")
		return
	}

	s.appendSystem(ctx, b.RoomID, "", b.Username+" left the room")
	s.hub.Broadcast(b.RoomID, Encode(EventUserLeft, members))
}

// SendChat persists a chat message and broadcasts it to the room.
func (s *Service) SendChat(ctx context.Context, connID, content string) error {
	b, ok := s.registry.Lookup(connID)
	if !ok {
		return ErrNotInRoom
	}
	if strings.TrimSpace(content) == "" {
		return room.ErrMessageEmpty
	}
	if len(content) > room.MaxMessageLength {
		return room.ErrMessageTooLong
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	msg := room.Message{
		Username:  b.Username,
		Content:   content,
		Kind:      room.MessageText,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, b.RoomID, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	s.hub.Broadcast(b.RoomID, Encode(EventNewMessage, msg))
	return nil
}

// SendReaction broadcasts an emoji reaction. Reactions are never persisted.
func (s *Service) SendReaction(connID string, req ReactionRequest) error {
	b, ok := s.registry.Lookup(connID)
	if !ok {
		return ErrNotInRoom
	}
	reaction := Reaction{
		ID:    fmt.Sprintf("%s-%d", connID, time.Now().UnixMilli()),
		Emoji: req.Emoji,
		X:     req.X,
		Y:     req.Y,
	}
	s.hub.Broadcast(b.RoomID, Encode(EventNewReaction, reaction))
	return nil
}

// SetVideo records a new video source for the room and announces it.
// Host-only; a new source always resets playback to paused at zero.
func (s *Service) SetVideo(ctx context.Context, connID string, ref VideoRef) error {
	b, err := s.hostBinding(connID)
	if err != nil {
		return err
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	if err := s.store.SetVideo(ctx, b.RoomID, ref.URL, ref.Kind); err != nil {
		return fmt.Errorf("persist video ref: %w", err)
	}
	s.hub.Broadcast(b.RoomID, Encode(EventVideoUploaded, ref))
	return nil
}

// SetPlayback records host playback state and fans it out to every other
// member. The host is the sole writer of playback state.
func (s *Service) SetPlayback(ctx context.Context, connID string, state playback.State) error {
	b, err := s.hostBinding(connID)
	if err != nil {
		return err
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	if err := s.store.SetPlayback(ctx, b.RoomID, state.IsPlaying, state.CurrentTime); err != nil {
		return fmt.Errorf("persist playback state: %w", err)
	}
	s.hub.BroadcastExcept(b.RoomID, connID, Encode(EventVideoStateChange, state))
	return nil
}

// StartScreenShare switches the room's video source to the host's screen and
// tells viewers which connection to negotiate with.
func (s *Service) StartScreenShare(ctx context.Context, connID string) error {
	b, err := s.hostBinding(connID)
	if err != nil {
		return err
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	if err := s.store.SetVideo(ctx, b.RoomID, room.ScreenShareURL, room.VideoKindScreen); err != nil {
		return fmt.Errorf("persist screen share: %w", err)
	}
	s.hub.BroadcastExcept(b.RoomID, connID, Encode(EventScreenShareStarted, ScreenShareStarted{HostConnID: connID}))
	return nil
}

func (s *Service) StopScreenShare(ctx context.Context, connID string) error {
	b, err := s.hostBinding(connID)
	if err != nil {
		return err
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	if err := s.store.SetVideo(ctx, b.RoomID, "", ""); err != nil {
		return fmt.Errorf("clear video ref: %w", err)
	}
	s.hub.Broadcast(b.RoomID, Encode(EventScreenShareStopped, struct{}{}))
	return nil
}

// StartCamera announces a member's camera to the rest of the room and
// refreshes the member's connection id in the store, since cameras are the
// first thing restarted after a reconnect.
func (s *Service) StartCamera(ctx context.Context, connID string) error {
	b, ok := s.registry.Lookup(connID)
	if !ok {
		return ErrNotInRoom
	}

	unlock := s.lockRoom(b.RoomID)
	defer unlock()

	if err := s.store.SetMemberConn(ctx, b.RoomID, b.Username, connID); err != nil {
		log.Printf("refresh conn for %s in %s: %v", b.Username, b.RoomID, err)
	}
	s.hub.BroadcastExcept(b.RoomID, connID, Encode(EventCameraStarted, CameraEvent{ConnID: connID, Username: b.Username}))
	return nil
}

func (s *Service) StopCamera(connID string) error {
	b, ok := s.registry.Lookup(connID)
	if !ok {
		return ErrNotInRoom
	}
	s.hub.Broadcast(b.RoomID, Encode(EventCameraStopped, CameraEvent{ConnID: connID, Username: b.Username}))
	return nil
}

func (s *Service) ToggleAudio(connID string, isMuted bool) error {
	b, ok := s.registry.Lookup(connID)
	if !ok {
		return ErrNotInRoom
	}
	s.hub.BroadcastExcept(b.RoomID, connID, Encode(EventAudioToggled, AudioToggled{
		ConnID:   connID,
		Username: b.Username,
		IsMuted:  isMuted,
	}))
	return nil
}

// ReapIdle tears down rooms whose last activity is older than window. Each
// candidate is re-checked under its room lock, so a reap racing a join on the
// same id resolves to lock order.
func (s *Service) ReapIdle(ctx context.Context, window time.Duration) {
	cutoff := time.Now().Add(-window)
	ids, err := s.store.StaleRooms(ctx, cutoff)
	if err != nil {
		log.Printf("stale room scan: %v", err)
		return
	}
	for _, id := range ids {
		s.reapRoom(ctx, id, cutoff)
	}
}

func (s *Service) reapRoom(ctx context.Context, roomID string, cutoff time.Time) {
	unlock := s.lockRoom(roomID)
	defer unlock()

	rm, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, room.ErrRoomNotFound) {
		return
	}
	if err != nil {
		log.Printf("reap %s: %v", roomID, err)
		return
	}
	if rm.UpdatedAt.After(cutoff) {
		// A join or state change won the race; the room is live again.
		return
	}
	log.Printf("reaping idle room %s", roomID)
	s.closeRoom(ctx, roomID, "Room was closed due to inactivity")
}

// closeRoom broadcasts the closed notice, forcibly disconnects members, and
// deletes the record. Caller holds the room lock.
func (s *Service) closeRoom(ctx context.Context, roomID, message string) {
	s.hub.CloseRoom(roomID, Encode(EventRoomClosed, RoomClosed{Message: message}))
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		log.Printf("delete room %s: %v", roomID, err)
	}
}

func (s *Service) hostBinding(connID string) (Binding, error) {
	b, ok := s.registry.Lookup(connID)
	if !ok {
		return Binding{}, ErrNotInRoom
	}
	if !b.IsHost {
		return Binding{}, ErrNotHost
	}
	return b, nil
}

// appendSystem records a membership notice in chat history and announces it
// to the room, excluding exceptConn. Best-effort: a failed write only costs
// the notice.
func (s *Service) appendSystem(ctx context.Context, roomID, exceptConn, text string) {
	msg := room.Message{
		Content:   text,
		Kind:      room.MessageSystem,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, roomID, msg); err != nil {
		log.Printf("append system notice to %s: %v", roomID, err)
		return
	}
	s.hub.BroadcastExcept(roomID, exceptConn, Encode(EventNewMessage, msg))
}

func hasHost(members []room.Member) bool {
	for _, m := range members {
		if m.IsHost {
			return true
		}
	}
	return false
}
