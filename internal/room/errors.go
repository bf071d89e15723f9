package room

import "errors"

// Membership errors. These are surfaced to the joining connection only and
// are non-fatal; the client may retry with different parameters.
var (
	ErrRoomNotFound  = errors.New("room does not exist")
	ErrNoHost        = errors.New("cannot join room without a host")
	ErrHostConflict  = errors.New("room already has a host")
	ErrDuplicateName = errors.New("username is already taken in this room")

	ErrMemberNotFound = errors.New("member not found in room")

	ErrMessageEmpty   = errors.New("message content cannot be empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
)

// IsMembershipError reports whether err belongs to the join-time taxonomy,
// i.e. it should be reported verbatim to the requesting connection.
func IsMembershipError(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrNoHost) ||
		errors.Is(err, ErrHostConflict) ||
		errors.Is(err, ErrDuplicateName)
}
