package party

import (
	"encoding/json"
	"log"
)

// Relay forwards a negotiation envelope (offer, answer or ICE candidate) to
// the target connection. It is store-and-forward only: the payload is never
// inspected or persisted, and a missing target is a silent drop; the
// negotiation layers above re-offer on failure. Per-target ordering comes
// from the target's single send queue.
//
// Two topologies ride this one path: host-to-viewer channels for screen
// share and a full mesh for cameras. The relay routes purely by connection
// id; topology correctness is the callers' business.
func (s *Service) Relay(event, fromConn string, data json.RawMessage) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Printf("bad %s from %s: %v", event, fromConn, err)
		return
	}
	if sig.To == "" {
		return
	}

	target := sig.To
	sig.To = ""
	sig.From = fromConn
	s.hub.SendTo(target, Encode(event, sig))
}
