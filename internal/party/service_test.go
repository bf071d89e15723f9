package party

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go-watchparty/internal/playback"
	"go-watchparty/internal/room"
)

// frame is one recorded delivery.
type frame struct {
	Room   string
	Conn   string
	Except string
	Env    Envelope
}

// fakeNotifier records everything the service asks the hub to deliver.
type fakeNotifier struct {
	mu         sync.Mutex
	broadcasts []frame
	unicasts   []frame
	closures   []frame
	offline    map[string]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{offline: make(map[string]bool)}
}

func (f *fakeNotifier) JoinRoom(roomID, connID string)  {}
func (f *fakeNotifier) LeaveRoom(roomID, connID string) {}

func (f *fakeNotifier) Broadcast(roomID string, payload []byte) {
	f.record(&f.broadcasts, frame{Room: roomID, Env: parseEnv(payload)})
}

func (f *fakeNotifier) BroadcastExcept(roomID, exceptConn string, payload []byte) {
	f.record(&f.broadcasts, frame{Room: roomID, Except: exceptConn, Env: parseEnv(payload)})
}

func (f *fakeNotifier) SendTo(connID string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline[connID] {
		return false
	}
	f.unicasts = append(f.unicasts, frame{Conn: connID, Env: parseEnv(payload)})
	return true
}

func (f *fakeNotifier) CloseRoom(roomID string, payload []byte) {
	f.record(&f.closures, frame{Room: roomID, Env: parseEnv(payload)})
}

func (f *fakeNotifier) record(list *[]frame, fr frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*list = append(*list, fr)
}

func (f *fakeNotifier) broadcastsOf(event string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, fr := range f.broadcasts {
		if fr.Env.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeNotifier) unicastsTo(connID, event string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frame
	for _, fr := range f.unicasts {
		if fr.Conn == connID && fr.Env.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

func parseEnv(payload []byte) Envelope {
	var env Envelope
	json.Unmarshal(payload, &env)
	return env
}

func decodeAs[T any](t *testing.T, fr frame) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(fr.Env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", fr.Env.Event, err)
	}
	return v
}

func newTestService() (*Service, *room.MemStore, *fakeNotifier) {
	store := room.NewMemStore()
	notifier := newFakeNotifier()
	return NewService(store, NewRegistry(), notifier), store, notifier
}

func mustJoin(t *testing.T, s *Service, connID, roomID, username string, isHost bool) {
	t.Helper()
	err := s.Join(context.Background(), connID, JoinRoomRequest{RoomID: roomID, Username: username, IsHost: isHost})
	if err != nil {
		t.Fatalf("join %s as %s: %v", roomID, username, err)
	}
}

func TestJoin_HostCreatesRoom(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)

	exists, _ := store.Exists(ctx, "r1")
	if !exists {
		t.Fatal("Expected room created by host join")
	}

	joins := notifier.broadcastsOf(EventUserJoined)
	if len(joins) != 1 {
		t.Fatalf("Expected 1 user-joined broadcast, got %d", len(joins))
	}
	members := decodeAs[[]room.Member](t, joins[0])
	if len(members) != 1 || members[0].Username != "alice" || !members[0].IsHost {
		t.Errorf("Unexpected membership snapshot %+v", members)
	}

	if len(notifier.unicastsTo("conn-a", EventChatHistory)) != 1 {
		t.Error("Expected chat-history unicast to the joiner")
	}
}

func TestJoin_MemberIntoAbsentRoom(t *testing.T) {
	s, _, _ := newTestService()

	err := s.Join(context.Background(), "conn-b", JoinRoomRequest{RoomID: "nope", Username: "bob"})
	if !errors.Is(err, room.ErrRoomNotFound) {
		t.Errorf("Expected ErrRoomNotFound, got %v", err)
	}
}

func TestJoin_MemberWithoutHost(t *testing.T) {
	s, store, _ := newTestService()
	ctx := context.Background()

	// A room whose host record is gone but whose row survived.
	store.CreateRoom(ctx, "r1", "ghost", "conn-g")
	store.RemoveMember(ctx, "r1", "ghost")

	err := s.Join(ctx, "conn-b", JoinRoomRequest{RoomID: "r1", Username: "bob"})
	if !errors.Is(err, room.ErrNoHost) {
		t.Errorf("Expected ErrNoHost, got %v", err)
	}
}

func TestJoin_DuplicateNameAndHostConflict(t *testing.T) {
	s, _, _ := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)

	err := s.Join(ctx, "conn-b", JoinRoomRequest{RoomID: "r1", Username: "alice"})
	if !errors.Is(err, room.ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName, got %v", err)
	}

	err = s.Join(ctx, "conn-c", JoinRoomRequest{RoomID: "r1", Username: "eve", IsHost: true})
	if !errors.Is(err, room.ErrHostConflict) {
		t.Errorf("Expected ErrHostConflict, got %v", err)
	}

	// Failed joins must leave no registry trace.
	if _, ok := s.registry.Lookup("conn-b"); ok {
		t.Error("Expected no binding for rejected join")
	}
}

func TestJoin_CatchUpUnicast(t *testing.T) {
	s, _, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	if err := s.SetVideo(ctx, "conn-a", VideoRef{URL: "http://example/movie.mp4", Kind: room.VideoKindUpload}); err != nil {
		t.Fatalf("SetVideo: %v", err)
	}
	if err := s.SetPlayback(ctx, "conn-a", playback.State{IsPlaying: true, CurrentTime: 30}); err != nil {
		t.Fatalf("SetPlayback: %v", err)
	}
	if err := s.SendChat(ctx, "conn-a", "hello"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	mustJoin(t, s, "conn-b", "r1", "bob", false)

	videos := notifier.unicastsTo("conn-b", EventVideoUploaded)
	if len(videos) != 1 {
		t.Fatalf("Expected video-uploaded catch-up, got %d", len(videos))
	}
	if ref := decodeAs[VideoRef](t, videos[0]); ref.URL != "http://example/movie.mp4" {
		t.Errorf("Unexpected video ref %+v", ref)
	}

	states := notifier.unicastsTo("conn-b", EventVideoStateChange)
	if len(states) != 1 {
		t.Fatalf("Expected video-state-change catch-up, got %d", len(states))
	}
	if st := decodeAs[playback.State](t, states[0]); !st.IsPlaying || st.CurrentTime != 30 {
		t.Errorf("Unexpected playback state %+v", st)
	}

	histories := notifier.unicastsTo("conn-b", EventChatHistory)
	if len(histories) != 1 {
		t.Fatalf("Expected chat-history catch-up, got %d", len(histories))
	}
	msgs := decodeAs[[]room.Message](t, histories[0])
	if len(msgs) == 0 {
		t.Fatal("Expected non-empty history")
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("History not in chronological order")
		}
	}
	last := msgs[len(msgs)-1]
	if last.Content != "bob joined the room" || last.Kind != room.MessageSystem {
		t.Errorf("Expected own join notice last in history, got %+v", last)
	}
}

func TestPlayback_BroadcastExcludesHost(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	if err := s.SetPlayback(ctx, "conn-a", playback.State{IsPlaying: true, CurrentTime: 12.5}); err != nil {
		t.Fatalf("SetPlayback: %v", err)
	}

	frames := notifier.broadcastsOf(EventVideoStateChange)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 video-state-change broadcast, got %d", len(frames))
	}
	if frames[0].Except != "conn-a" {
		t.Errorf("Expected host excluded from broadcast, except=%q", frames[0].Except)
	}
	st := decodeAs[playback.State](t, frames[0])
	if !st.IsPlaying || st.CurrentTime != 12.5 {
		t.Errorf("Expected identical payload, got %+v", st)
	}

	r, _ := store.GetRoom(ctx, "r1")
	if !r.IsPlaying || r.CurrentTime != 12.5 {
		t.Errorf("Expected persisted playback state, got %+v", r)
	}
}

func TestPlayback_NonHostRejected(t *testing.T) {
	s, store, _ := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	err := s.SetPlayback(ctx, "conn-b", playback.State{IsPlaying: true, CurrentTime: 99})
	if !errors.Is(err, ErrNotHost) {
		t.Errorf("Expected ErrNotHost, got %v", err)
	}
	r, _ := store.GetRoom(ctx, "r1")
	if r.IsPlaying || r.CurrentTime != 0 {
		t.Errorf("Expected state untouched by non-host, got %+v", r)
	}

	if err := s.SetVideo(ctx, "conn-b", VideoRef{URL: "x"}); !errors.Is(err, ErrNotHost) {
		t.Errorf("Expected ErrNotHost for video ref, got %v", err)
	}
}

func TestLeave_HostClosesRoom(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	s.Leave(ctx, "conn-a")

	if len(notifier.closures) != 1 {
		t.Fatalf("Expected exactly 1 room closure, got %d", len(notifier.closures))
	}
	closed := notifier.closures[0]
	if closed.Room != "r1" || closed.Env.Event != EventRoomClosed {
		t.Errorf("Unexpected closure frame %+v", closed)
	}

	exists, _ := store.Exists(ctx, "r1")
	if exists {
		t.Error("Expected room deleted after host left")
	}
	reply, _ := s.CheckRoom(ctx, "r1")
	if reply.Exists {
		t.Error("Expected check-room to report exists:false")
	}
}

func TestLeave_Idempotent(t *testing.T) {
	s, _, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	// A leave racing a disconnect: the host goes away twice, and the
	// orphaned member's disconnect lands after teardown.
	s.Leave(ctx, "conn-a")
	s.Leave(ctx, "conn-a")
	s.Leave(ctx, "conn-b")

	if len(notifier.closures) != 1 {
		t.Errorf("Expected a single room-closed, got %d", len(notifier.closures))
	}
}

func TestLeave_MemberBroadcastsSnapshot(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	s.Leave(ctx, "conn-b")

	if len(notifier.closures) != 0 {
		t.Fatal("Room must survive a non-host leave")
	}
	lefts := notifier.broadcastsOf(EventUserLeft)
	if len(lefts) != 1 {
		t.Fatalf("Expected 1 user-left broadcast, got %d", len(lefts))
	}
	members := decodeAs[[]room.Member](t, lefts[0])
	if len(members) != 1 || members[0].Username != "alice" {
		t.Errorf("Unexpected snapshot %+v", members)
	}

	exists, _ := store.Exists(ctx, "r1")
	if !exists {
		t.Error("Expected room to remain")
	}
}

func TestSendChat(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)

	if err := s.SendChat(ctx, "conn-a", "movie night!"); err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	var found bool
	for _, fr := range notifier.broadcastsOf(EventNewMessage) {
		msg := decodeAs[room.Message](t, fr)
		if msg.Kind == room.MessageText {
			found = true
			if msg.Username != "alice" || msg.Content != "movie night!" {
				t.Errorf("Unexpected message %+v", msg)
			}
		}
	}
	if !found {
		t.Fatal("Expected new-message broadcast")
	}

	msgs, _ := store.RecentMessages(ctx, "r1", room.HistoryLimit)
	if msgs[len(msgs)-1].Content != "movie night!" {
		t.Error("Expected message persisted")
	}

	if err := s.SendChat(ctx, "conn-a", "   "); !errors.Is(err, room.ErrMessageEmpty) {
		t.Errorf("Expected ErrMessageEmpty, got %v", err)
	}
	long := make([]byte, room.MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := s.SendChat(ctx, "conn-a", string(long)); !errors.Is(err, room.ErrMessageTooLong) {
		t.Errorf("Expected ErrMessageTooLong, got %v", err)
	}
	if err := s.SendChat(ctx, "ghost", "hi"); !errors.Is(err, ErrNotInRoom) {
		t.Errorf("Expected ErrNotInRoom, got %v", err)
	}
}

func TestSendReaction_NotPersisted(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	before, _ := store.RecentMessages(ctx, "r1", room.HistoryLimit)

	if err := s.SendReaction("conn-a", ReactionRequest{Emoji: "🎉", X: 0.4, Y: 0.6}); err != nil {
		t.Fatalf("SendReaction: %v", err)
	}

	reactions := notifier.broadcastsOf(EventNewReaction)
	if len(reactions) != 1 {
		t.Fatalf("Expected 1 new-reaction broadcast, got %d", len(reactions))
	}
	reaction := decodeAs[Reaction](t, reactions[0])
	if reaction.Emoji != "🎉" || reaction.ID == "" {
		t.Errorf("Unexpected reaction %+v", reaction)
	}

	after, _ := store.RecentMessages(ctx, "r1", room.HistoryLimit)
	if len(after) != len(before) {
		t.Error("Reactions must not be persisted")
	}
}

func TestScreenShare(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	if err := s.StartScreenShare(ctx, "conn-a"); err != nil {
		t.Fatalf("StartScreenShare: %v", err)
	}
	r, _ := store.GetRoom(ctx, "r1")
	if r.VideoURL != room.ScreenShareURL || r.VideoKind != room.VideoKindScreen {
		t.Errorf("Unexpected video ref %+v", r)
	}
	started := notifier.broadcastsOf(EventScreenShareStarted)
	if len(started) != 1 || started[0].Except != "conn-a" {
		t.Fatalf("Expected screen-share-started excluding host, got %+v", started)
	}
	if ev := decodeAs[ScreenShareStarted](t, started[0]); ev.HostConnID != "conn-a" {
		t.Errorf("Expected host conn id, got %+v", ev)
	}

	if err := s.StopScreenShare(ctx, "conn-a"); err != nil {
		t.Fatalf("StopScreenShare: %v", err)
	}
	r, _ = store.GetRoom(ctx, "r1")
	if r.HasVideo() {
		t.Errorf("Expected video cleared, got %+v", r)
	}
	if len(notifier.broadcastsOf(EventScreenShareStopped)) != 1 {
		t.Error("Expected screen-share-stopped broadcast")
	}

	if err := s.StartScreenShare(ctx, "conn-b"); !errors.Is(err, ErrNotHost) {
		t.Errorf("Expected ErrNotHost, got %v", err)
	}
}

func TestCameraAndAudio(t *testing.T) {
	s, _, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	if err := s.StartCamera(ctx, "conn-b"); err != nil {
		t.Fatalf("StartCamera: %v", err)
	}
	started := notifier.broadcastsOf(EventCameraStarted)
	if len(started) != 1 || started[0].Except != "conn-b" {
		t.Fatalf("Expected camera-started excluding sender, got %+v", started)
	}
	if ev := decodeAs[CameraEvent](t, started[0]); ev.Username != "bob" || ev.ConnID != "conn-b" {
		t.Errorf("Unexpected camera event %+v", ev)
	}

	if err := s.ToggleAudio("conn-b", true); err != nil {
		t.Fatalf("ToggleAudio: %v", err)
	}
	toggles := notifier.broadcastsOf(EventAudioToggled)
	if len(toggles) != 1 {
		t.Fatalf("Expected 1 audio toggle, got %d", len(toggles))
	}
	if ev := decodeAs[AudioToggled](t, toggles[0]); !ev.IsMuted {
		t.Errorf("Expected muted, got %+v", ev)
	}

	if err := s.StopCamera("conn-b"); err != nil {
		t.Fatalf("StopCamera: %v", err)
	}
	if len(notifier.broadcastsOf(EventCameraStopped)) != 1 {
		t.Error("Expected camera-stopped broadcast")
	}
}

func TestRelay_DeliversToTarget(t *testing.T) {
	s, _, notifier := newTestService()

	payload, _ := json.Marshal(Signal{To: "conn-b", Offer: json.RawMessage(`{"sdp":"v=0"}`)})
	s.Relay(EventOffer, "conn-a", payload)

	offers := notifier.unicastsTo("conn-b", EventOffer)
	if len(offers) != 1 {
		t.Fatalf("Expected 1 relayed offer, got %d", len(offers))
	}
	sig := decodeAs[Signal](t, offers[0])
	if sig.From != "conn-a" {
		t.Errorf("Expected from=conn-a, got %q", sig.From)
	}
	if sig.To != "" {
		t.Errorf("Expected to stripped, got %q", sig.To)
	}
	if string(sig.Offer) != `{"sdp":"v=0"}` {
		t.Errorf("Expected opaque payload preserved, got %s", sig.Offer)
	}
}

func TestRelay_UnknownTargetSilentDrop(t *testing.T) {
	s, _, notifier := newTestService()
	notifier.offline["conn-gone"] = true

	payload, _ := json.Marshal(Signal{To: "conn-gone", Candidate: json.RawMessage(`{}`)})
	s.Relay(EventICECandidate, "conn-a", payload)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.unicasts) != 0 {
		t.Errorf("Expected nothing delivered, got %d frames", len(notifier.unicasts))
	}
}

func TestReapIdle(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)

	// A generous window keeps the fresh room alive.
	s.ReapIdle(ctx, time.Hour)
	if exists, _ := store.Exists(ctx, "r1"); !exists {
		t.Fatal("Fresh room must survive the reaper")
	}

	// A negative window makes every room stale.
	s.ReapIdle(ctx, -time.Second)
	if exists, _ := store.Exists(ctx, "r1"); exists {
		t.Error("Expected idle room deleted")
	}
	if len(notifier.closures) != 1 {
		t.Errorf("Expected room-closed on reap, got %d", len(notifier.closures))
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	s, store, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-host", "r1", "alice", true)

	// Member joins and leaves race each other and the host's departure.
	// Whatever the interleaving, teardown happens exactly once and nothing
	// survives the deleted room.
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := fmt.Sprintf("conn-%d", n)
			name := fmt.Sprintf("user-%d", n)
			err := s.Join(ctx, conn, JoinRoomRequest{RoomID: "r1", Username: name})
			if err != nil {
				// The host got there first; the room is closing or gone.
				if !errors.Is(err, room.ErrRoomNotFound) && !errors.Is(err, room.ErrNoHost) {
					t.Errorf("join %s: %v", name, err)
				}
				return
			}
			s.Leave(ctx, conn)
			// A disconnect landing after the explicit leave.
			s.Leave(ctx, conn)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Leave(ctx, "conn-host")
	}()
	wg.Wait()

	if len(notifier.closures) != 1 {
		t.Errorf("Expected exactly 1 room-closed, got %d", len(notifier.closures))
	}
	if exists, _ := store.Exists(ctx, "r1"); exists {
		t.Error("Expected room deleted after host left")
	}
	if _, ok := s.registry.Lookup("conn-host"); ok {
		t.Error("Expected host binding gone")
	}
	for i := 0; i < workers; i++ {
		if _, ok := s.registry.Lookup(fmt.Sprintf("conn-%d", i)); ok {
			t.Errorf("Expected binding for conn-%d gone", i)
		}
	}

	// Every membership snapshot broadcast along the way holds the invariant.
	for _, fr := range notifier.broadcastsOf(EventUserJoined) {
		members := decodeAs[[]room.Member](t, fr)
		hosts := 0
		for _, m := range members {
			if m.IsHost {
				hosts++
			}
		}
		if hosts != 1 {
			t.Errorf("Snapshot with %d hosts: %+v", hosts, members)
		}
	}
}

// alice hosts r1, bob joins, playback syncs, alice disconnects, bob sees
// room-closed and r1 is gone.
func TestScenario_WatchParty(t *testing.T) {
	s, _, notifier := newTestService()
	ctx := context.Background()

	mustJoin(t, s, "conn-a", "r1", "alice", true)
	mustJoin(t, s, "conn-b", "r1", "bob", false)

	joins := notifier.broadcastsOf(EventUserJoined)
	if len(joins) != 2 {
		t.Fatalf("Expected 2 membership broadcasts, got %d", len(joins))
	}
	members := decodeAs[[]room.Member](t, joins[1])
	if len(members) != 2 || !members[0].IsHost || members[1].IsHost {
		t.Fatalf("Unexpected final snapshot %+v", members)
	}

	if err := s.SetPlayback(ctx, "conn-a", playback.State{IsPlaying: true, CurrentTime: 12.5}); err != nil {
		t.Fatalf("SetPlayback: %v", err)
	}
	states := notifier.broadcastsOf(EventVideoStateChange)
	if st := decodeAs[playback.State](t, states[0]); st.CurrentTime != 12.5 || !st.IsPlaying {
		t.Fatalf("Unexpected relayed state %+v", st)
	}

	s.Leave(ctx, "conn-a")

	if len(notifier.closures) != 1 {
		t.Fatal("Expected room-closed after host disconnect")
	}
	if reply, _ := s.CheckRoom(ctx, "r1"); reply.Exists {
		t.Error("Expected r1 gone")
	}
}
