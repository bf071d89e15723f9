// Package playback implements the client-side reconciliation policy for
// host-authoritative playback state. The server never runs this; viewers
// (and the loadtest swarm) apply it to each video-state-change they receive.
package playback

import "time"

const (
	// DriftThreshold is the deadband below which a viewer does not
	// force-seek, avoiding visible judder from small clock skew.
	DriftThreshold = 0.5

	// MinInterval rate-limits reconciliation attempts regardless of how
	// fast state messages arrive.
	MinInterval = 200 * time.Millisecond
)

// State is the host-authoritative playback state carried by
// video-state-change events.
type State struct {
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
}

// Action is what the local player should do in response to a state message.
type Action struct {
	Pause  bool
	Play   bool
	SeekTo float64
	Seek   bool
}

// Reconciler decides how a local player reacts to authoritative state.
// Not safe for concurrent use; each viewer owns one.
type Reconciler struct {
	lastAttempt time.Time
	now         func() time.Time
}

func NewReconciler() *Reconciler {
	return &Reconciler{now: time.Now}
}

// Reconcile compares the local position against authoritative state and
// returns the action to apply. Pausing is applied immediately and never
// rate-limited; play and drift seeks are limited to one attempt per
// MinInterval, and inside the window only a pending pause gets through.
func (r *Reconciler) Reconcile(authoritative State, localTime float64, localPlaying bool) Action {
	var act Action
	if !authoritative.IsPlaying {
		// Pausing has no deadband and skips the rate limit.
		act.Pause = localPlaying
	}

	now := r.now()
	if !r.lastAttempt.IsZero() && now.Sub(r.lastAttempt) < MinInterval {
		return act
	}
	r.lastAttempt = now

	if authoritative.IsPlaying && !localPlaying {
		act.Play = true
	}

	diff := authoritative.CurrentTime - localTime
	if diff < 0 {
		diff = -diff
	}
	if diff > DriftThreshold {
		act.Seek = true
		act.SeekTo = authoritative.CurrentTime
	}
	return act
}
