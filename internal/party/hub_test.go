package party

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair upgrades one connection through a throwaway server and returns both
// ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
	}
	return server, client
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return parseEnv(msg)
}

func TestHub_CloseRoomNotifiesAndDisconnects(t *testing.T) {
	h := NewHub(nil)
	serverConn, clientConn := wsPair(t)

	c := NewClient("conn-a", h, serverConn)
	h.Register(c)
	go c.WritePump()
	h.JoinRoom("r1", "conn-a")

	h.CloseRoom("r1", Encode(EventRoomClosed, RoomClosed{Message: "Host has left the room"}))

	if env := readEvent(t, clientConn); env.Event != EventRoomClosed {
		t.Fatalf("Expected room-closed, got %q", env.Event)
	}

	// After the notification the connection is torn down.
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := clientConn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestHub_BridgedCloseFrameClosesLocalMembers(t *testing.T) {
	h := NewHub(nil)
	serverConn, clientConn := wsPair(t)

	c := NewClient("conn-a", h, serverConn)
	h.Register(c)
	go c.WritePump()
	h.JoinRoom("r1", "conn-a")

	// A close frame published by another instance arrives over the bridge;
	// this instance's members get the payload and are disconnected.
	h.dispatch(fanout{
		Room:    "r1",
		Close:   true,
		Payload: Encode(EventRoomClosed, RoomClosed{Message: "Host has left the room"}),
	})

	if env := readEvent(t, clientConn); env.Event != EventRoomClosed {
		t.Fatalf("Expected room-closed, got %q", env.Event)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := clientConn.ReadMessage(); err != nil {
			break
		}
	}

	// The room is gone locally; a later broadcast has nobody to reach.
	h.mu.RLock()
	_, ok := h.rooms["r1"]
	h.mu.RUnlock()
	if ok {
		t.Error("Expected room dropped after bridged close")
	}
}
