package room

import "time"

// Video kind tags. ScreenShareURL is the placeholder locator stored while a
// host is sharing their screen instead of a file.
const (
	VideoKindUpload = "upload"
	VideoKindScreen = "screen"

	ScreenShareURL = "screen-share"
)

// Message kinds.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

const (
	MaxMessageLength = 2000

	// HistoryLimit is how many messages are replayed to a newly joined member.
	HistoryLimit = 50
)

// Room is the authoritative shared state of one watch session.
type Room struct {
	ID          string    `json:"roomId"`
	HostName    string    `json:"hostName"`
	VideoURL    string    `json:"videoUrl,omitempty"`
	VideoKind   string    `json:"videoKind,omitempty"`
	IsPlaying   bool      `json:"isPlaying"`
	CurrentTime float64   `json:"currentTime"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasVideo reports whether a video source has been set for the room.
func (r *Room) HasVideo() bool {
	return r.VideoURL != ""
}

// Member is one participant of a room. Username is unique per room,
// case-sensitive, and fixed for the session. ConnID changes across
// reconnects.
type Member struct {
	Username string `json:"username"`
	IsHost   bool   `json:"isHost"`
	ConnID   string `json:"connId,omitempty"`
}

// Message is one chat entry. Username is empty for system notices.
type Message struct {
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content"`
	Kind      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}
