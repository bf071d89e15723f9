package party

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Enough for WebRTC SDP payloads.
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClient(id string, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:   id,
		hub:  hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
}

// trySend enqueues an outbound frame without blocking. It returns false if
// the client is gone or its buffer is full (a full buffer means a dead or
// hopelessly slow consumer).
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound channel exactly once, stopping the write pump.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// CloseSoon tears down the underlying connection. The read pump observes the
// closed connection and runs the normal disconnect path.
func (c *Client) CloseSoon() {
	c.conn.Close()
}

// ReadPump pumps frames from the websocket to the dispatcher. It runs in a
// per-connection goroutine; all reads happen here. onClose runs after the
// connection dies, before the client is dropped from the hub.
func (c *Client) ReadPump(dispatch func(*Client, Envelope), onClose func(*Client)) {
	defer func() {
		onClose(c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error: %v", err)
			}
			break
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("bad frame from %s: %v", c.ID, err)
			continue
		}
		dispatch(c, env)
	}
}

// WritePump pumps frames from the send channel to the websocket. One
// goroutine per connection; all writes happen here.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
