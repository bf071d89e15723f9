package party

import (
	"encoding/json"
	"log"
)

// Inbound event kinds.
const (
	EventCheckRoom        = "check-room"
	EventJoinRoom         = "join-room"
	EventLeaveRoom        = "leave-room"
	EventSendMessage      = "send-message"
	EventSendReaction     = "send-reaction"
	EventVideoUploaded    = "video-uploaded"
	EventVideoStateChange = "video-state-change"
	EventStartScreenShare = "start-screen-share"
	EventStopScreenShare  = "stop-screen-share"
	EventStartCamera      = "start-camera"
	EventStopCamera       = "stop-camera"
	EventToggleAudio      = "toggle-audio"
	EventStartUpload      = "start-upload"

	// WebRTC signaling rides through unchanged in both directions.
	EventOffer        = "webrtc-offer"
	EventAnswer       = "webrtc-answer"
	EventICECandidate = "webrtc-ice-candidate"
)

// Outbound event kinds. check-room and join-room are answered by echoing the
// inbound event name back with the reply payload.
const (
	EventUserJoined         = "user-joined"
	EventUserLeft           = "user-left"
	EventRoomClosed         = "room-closed"
	EventChatHistory        = "chat-history"
	EventNewMessage         = "new-message"
	EventNewReaction        = "new-reaction"
	EventScreenShareStarted = "screen-share-started"
	EventScreenShareStopped = "screen-share-stopped"
	EventCameraStarted      = "user-camera-started"
	EventCameraStopped      = "user-camera-stopped"
	EventAudioToggled       = "user-audio-toggled"
	EventUploadProgress     = "upload-progress"
)

// Envelope is the wire frame for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an event frame. Payloads are our own structs, so a marshal
// failure is a programming error; it is logged and an empty frame returned.
func Encode(event string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("encode %s: %v", event, err)
		raw = nil
	}
	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		log.Printf("encode %s: %v", event, err)
		return nil
	}
	return out
}

type CheckRoomRequest struct {
	RoomID string `json:"roomId"`
}

type CheckRoomReply struct {
	Exists  bool `json:"exists"`
	HasHost bool `json:"hasHost"`
}

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
	IsHost   bool   `json:"isHost"`
}

type JoinRoomReply struct {
	Success bool   `json:"success,omitempty"`
	ConnID  string `json:"connId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type RoomClosed struct {
	Message string `json:"message"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

type ReactionRequest struct {
	Emoji string  `json:"emoji"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type Reaction struct {
	ID    string  `json:"id"`
	Emoji string  `json:"emoji"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

type VideoRef struct {
	URL  string `json:"url"`
	Kind string `json:"type"`
}

type ScreenShareStarted struct {
	HostConnID string `json:"hostSocketId"`
}

type CameraEvent struct {
	ConnID   string `json:"socketId"`
	Username string `json:"username"`
}

type AudioToggled struct {
	ConnID   string `json:"socketId"`
	Username string `json:"username"`
	IsMuted  bool   `json:"isMuted"`
}

type ToggleAudioRequest struct {
	IsMuted bool `json:"isMuted"`
}

// Signal is a negotiation envelope. Inbound frames carry To plus exactly one
// of the payload fields; the relay stamps From and strips To before
// forwarding. The payload is opaque to the server.
type Signal struct {
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type UploadProgress struct {
	Progress int   `json:"progress"`
	Uploaded int64 `json:"uploaded"`
	Total    int64 `json:"total"`
}
