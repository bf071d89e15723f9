package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"go-watchparty/internal/party"
	"go-watchparty/internal/playback"
)

const (
	WSURL       = "ws://localhost:8080/ws"
	RoomCount   = 20 // One host + ViewerCount viewers per room
	ViewerCount = 10
	TickCount   = 30 // Playback state ticks the host sends
)

var (
	stateEvents int64
	reseeks     int64
)

func main() {
	log.Printf("🔥 STARTING LOAD TEST: %d rooms, %d clients each...", RoomCount, ViewerCount+1)
	var wg sync.WaitGroup

	for i := 0; i < RoomCount; i++ {
		wg.Add(1)
		go func(roomNum int) {
			defer wg.Done()
			runRoom(roomNum)
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE: %d state events observed, %d forced re-seeks",
		atomic.LoadInt64(&stateEvents), atomic.LoadInt64(&reseeks))
}

func runRoom(roomNum int) {
	roomID := fmt.Sprintf("load-%d", roomNum)

	host, err := join(roomID, "host", true)
	if err != nil {
		log.Printf("❌ host join failed [%s]: %v", roomID, err)
		return
	}
	defer host.Close()

	var wg sync.WaitGroup
	for v := 0; v < ViewerCount; v++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runViewer(roomID, fmt.Sprintf("viewer-%d", n))
		}(v)
	}

	// Give viewers a moment to land, then drive playback like a real host:
	// periodic time reports with a little artificial clock skew.
	time.Sleep(500 * time.Millisecond)
	for tick := 0; tick < TickCount; tick++ {
		state := playback.State{IsPlaying: true, CurrentTime: float64(tick)}
		if err := host.WriteMessage(websocket.TextMessage, party.Encode(party.EventVideoStateChange, state)); err != nil {
			log.Printf("❌ host write failed [%s]: %v", roomID, err)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Host leaves; every viewer should see room-closed and disconnect.
	host.Close()
	wg.Wait()
}

func runViewer(roomID, name string) {
	conn, err := join(roomID, name, false)
	if err != nil {
		log.Printf("❌ viewer join failed [%s/%s]: %v", roomID, name, err)
		return
	}
	defer conn.Close()

	reconciler := playback.NewReconciler()
	localTime := 0.0
	localPlaying := false

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		var env party.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Event {
		case party.EventVideoStateChange:
			var state playback.State
			if err := json.Unmarshal(env.Data, &state); err != nil {
				continue
			}
			atomic.AddInt64(&stateEvents, 1)

			act := reconciler.Reconcile(state, localTime, localPlaying)
			if act.Pause {
				localPlaying = false
			}
			if act.Play {
				localPlaying = true
			}
			if act.Seek {
				atomic.AddInt64(&reseeks, 1)
				localTime = act.SeekTo
			}
			// Simulated decoder drift.
			localTime += 0.08

		case party.EventRoomClosed:
			return
		}
	}
}

// join dials the server and completes the join handshake, consuming events
// until the join reply arrives.
func join(roomID, username string, isHost bool) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(WSURL, nil)
	if err != nil {
		return nil, err
	}

	req := party.JoinRoomRequest{RoomID: roomID, Username: username, IsHost: isHost}
	if err := conn.WriteMessage(websocket.TextMessage, party.Encode(party.EventJoinRoom, req)); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env party.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			return nil, err
		}
		if env.Event != party.EventJoinRoom {
			continue
		}
		var reply party.JoinRoomReply
		if err := json.Unmarshal(env.Data, &reply); err != nil {
			conn.Close()
			return nil, err
		}
		if !reply.Success {
			conn.Close()
			return nil, fmt.Errorf("join rejected: %s", reply.Error)
		}
		conn.SetReadDeadline(time.Time{})
		return conn, nil
	}
}
