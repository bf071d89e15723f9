package party

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const fanoutChannel = "party:rooms"

// fanout is the frame published through Redis so room broadcasts reach
// members connected to other instances. Except carries the originating
// connection id for sender-excluded broadcasts; connection ids are globally
// unique, so exclusion works across instances. Close marks a room teardown:
// every instance delivers the payload to its local members and then
// disconnects them.
type fanout struct {
	Room    string          `json:"room"`
	Except  string          `json:"except,omitempty"`
	Close   bool            `json:"close,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Hub tracks live clients and fans events out to the members of a room.
// With a Redis client it bridges broadcasts across instances the same way
// the chat hub bridges its general channel; without one, broadcasts loop
// back locally. Unicast delivery is always instance-local.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	rooms   map[string]map[string]*Client // roomID -> connID -> client
	redis   *redis.Client
}

func NewHub(redisClient *redis.Client) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		redis:   redisClient,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
}

// Unregister drops the client from the hub and closes its send channel,
// stopping its write pump. Safe to call once per client; the read pump's
// cleanup path is the only caller.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return
	}
	delete(h.clients, c.ID)
	for roomID, members := range h.rooms {
		if _, ok := members[c.ID]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	c.closeSend()
}

func (h *Hub) JoinRoom(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[roomID] = members
	}
	members[connID] = c
}

func (h *Hub) LeaveRoom(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Broadcast delivers payload to every member of the room.
func (h *Hub) Broadcast(roomID string, payload []byte) {
	h.publish(fanout{Room: roomID, Payload: payload})
}

// BroadcastExcept delivers payload to every member except one connection,
// typically the originator of the state change.
func (h *Hub) BroadcastExcept(roomID, exceptConn string, payload []byte) {
	h.publish(fanout{Room: roomID, Except: exceptConn, Payload: payload})
}

// SendTo unicasts to a single connection. A missing target is reported but
// never an error; signaling and catch-up tolerate lost targets.
func (h *Hub) SendTo(connID string, payload []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	h.enqueue(c, payload)
	return true
}

// CloseRoom sends payload to every member of the room and then forcibly
// disconnects them. The close rides the same bridge as broadcasts, so
// members of the room on other instances are notified and disconnected too.
// Idempotent: a second call finds no members.
func (h *Hub) CloseRoom(roomID string, payload []byte) {
	h.publish(fanout{Room: roomID, Close: true, Payload: payload})
}

func (h *Hub) publish(f fanout) {
	if h.redis != nil {
		frame, err := json.Marshal(f)
		if err == nil {
			if err := h.redis.Publish(context.Background(), fanoutChannel, frame).Err(); err == nil {
				return
			}
			log.Printf("redis publish failed, delivering locally: room=%s", f.Room)
		}
	}
	h.dispatch(f)
}

// Subscribe consumes room frames published by any instance and applies them
// to local members. Run it in its own goroutine when Redis is configured.
func (h *Hub) Subscribe(ctx context.Context) {
	pubsub := h.redis.Subscribe(ctx, fanoutChannel)
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var f fanout
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			log.Printf("bad fanout frame: %v", err)
			continue
		}
		h.dispatch(f)
	}
}

func (h *Hub) dispatch(f fanout) {
	if f.Close {
		h.closeLocal(f.Room, f.Payload)
		return
	}
	h.deliver(f.Room, f.Except, f.Payload)
}

// closeLocal notifies and disconnects this instance's members of the room.
func (h *Hub) closeLocal(roomID string, payload []byte) {
	h.mu.Lock()
	members := h.rooms[roomID]
	delete(h.rooms, roomID)
	h.mu.Unlock()

	for _, c := range members {
		h.enqueue(c, payload)
		// Closing the send channel lets the write pump drain the queued
		// notification before tearing the connection down; the read pump
		// then runs the normal disconnect path and finds the room gone.
		c.closeSend()
	}
}

func (h *Hub) deliver(roomID, except string, payload []byte) {
	h.mu.RLock()
	members := h.rooms[roomID]
	targets := make([]*Client, 0, len(members))
	for connID, c := range members {
		if connID == except {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, payload)
	}
}

// enqueue is non-blocking: a client whose send buffer is full is considered
// dead and gets its connection closed, which triggers normal cleanup.
func (h *Hub) enqueue(c *Client, payload []byte) {
	if !c.trySend(payload) {
		c.CloseSoon()
	}
}
