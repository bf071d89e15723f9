package party

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-watchparty/internal/playback"
	"go-watchparty/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

// UploadTracker lets the websocket layer arm and clear upload-progress
// tracking for a connection without depending on the upload package.
type UploadTracker interface {
	Arm(connID string)
	Forget(connID string)
}

// Handler owns the /ws endpoint: it upgrades connections, assigns them ids,
// and dispatches inbound events to the service.
type Handler struct {
	hub     *Hub
	service *Service
	uploads UploadTracker
}

func NewHandler(hub *Hub, service *Service, uploads UploadTracker) *Handler {
	return &Handler{hub: hub, service: service, uploads: uploads}
}

func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	client := NewClient(uuid.NewString(), h.hub, conn)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(h.dispatch, h.closed)
}

// closed runs when a connection dies for any reason; disconnect and explicit
// leave share one path.
func (h *Handler) closed(c *Client) {
	if h.uploads != nil {
		h.uploads.Forget(c.ID)
	}
	h.service.Leave(context.Background(), c.ID)
}

func (h *Handler) dispatch(c *Client, env Envelope) {
	ctx := context.Background()

	switch env.Event {
	case EventCheckRoom:
		var req CheckRoomRequest
		if !decode(c, env, &req) {
			return
		}
		reply, err := h.service.CheckRoom(ctx, req.RoomID)
		if err != nil {
			log.Printf("check-room %s: %v", req.RoomID, err)
		}
		h.hub.SendTo(c.ID, Encode(EventCheckRoom, reply))

	case EventJoinRoom:
		var req JoinRoomRequest
		if !decode(c, env, &req) {
			return
		}
		if err := h.service.Join(ctx, c.ID, req); err != nil {
			h.hub.SendTo(c.ID, Encode(EventJoinRoom, JoinRoomReply{Error: joinError(err)}))
			return
		}
		h.hub.SendTo(c.ID, Encode(EventJoinRoom, JoinRoomReply{Success: true, ConnID: c.ID}))

	case EventLeaveRoom:
		h.service.Leave(ctx, c.ID)

	case EventSendMessage:
		var req SendMessageRequest
		if !decode(c, env, &req) {
			return
		}
		if err := h.service.SendChat(ctx, c.ID, req.Content); err != nil {
			log.Printf("send-message from %s: %v", c.ID, err)
		}

	case EventSendReaction:
		var req ReactionRequest
		if !decode(c, env, &req) {
			return
		}
		if err := h.service.SendReaction(c.ID, req); err != nil {
			log.Printf("send-reaction from %s: %v", c.ID, err)
		}

	case EventVideoUploaded:
		var ref VideoRef
		if !decode(c, env, &ref) {
			return
		}
		if ref.Kind == "" {
			ref.Kind = room.VideoKindUpload
		}
		if err := h.service.SetVideo(ctx, c.ID, ref); err != nil {
			log.Printf("video-uploaded from %s: %v", c.ID, err)
		}

	case EventVideoStateChange:
		var state playback.State
		if !decode(c, env, &state) {
			return
		}
		if err := h.service.SetPlayback(ctx, c.ID, state); err != nil {
			log.Printf("video-state-change from %s: %v", c.ID, err)
		}

	case EventStartScreenShare:
		if err := h.service.StartScreenShare(ctx, c.ID); err != nil {
			log.Printf("start-screen-share from %s: %v", c.ID, err)
		}

	case EventStopScreenShare:
		if err := h.service.StopScreenShare(ctx, c.ID); err != nil {
			log.Printf("stop-screen-share from %s: %v", c.ID, err)
		}

	case EventStartCamera:
		if err := h.service.StartCamera(ctx, c.ID); err != nil {
			log.Printf("start-camera from %s: %v", c.ID, err)
		}

	case EventStopCamera:
		if err := h.service.StopCamera(c.ID); err != nil {
			log.Printf("stop-camera from %s: %v", c.ID, err)
		}

	case EventToggleAudio:
		var req ToggleAudioRequest
		if !decode(c, env, &req) {
			return
		}
		if err := h.service.ToggleAudio(c.ID, req.IsMuted); err != nil {
			log.Printf("toggle-audio from %s: %v", c.ID, err)
		}

	case EventOffer, EventAnswer, EventICECandidate:
		h.service.Relay(env.Event, c.ID, env.Data)

	case EventStartUpload:
		if h.uploads != nil {
			h.uploads.Arm(c.ID)
		}

	default:
		log.Printf("unknown event %q from %s", env.Event, c.ID)
	}
}

func decode(c *Client, env Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		log.Printf("bad %s payload from %s: %v", env.Event, c.ID, err)
		return false
	}
	return true
}

// joinError maps the membership taxonomy to the strings the client shows;
// everything else collapses into a generic failure.
func joinError(err error) string {
	if room.IsMembershipError(err) {
		return err.Error()
	}
	log.Printf("join failed: %v", err)
	return "Failed to join room"
}
