package app

import (
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickPeer
)

// Policy decides what happens when a relayed message does not fit into the
// destination's send queue.
type Policy interface {
	OnBackPressure(dst domain.PeerID, t protocol.Type) BackpressureAction
}

type SimplePolicy struct{}

// Candidates are dropped; losing an offer, answer or leave would stall the
// session, so the slow peer is disconnected instead.
func (SimplePolicy) OnBackPressure(_ domain.PeerID, t protocol.Type) BackpressureAction {
	if t == protocol.TypeCandidate {
		return DropFrame
	}
	return KickPeer
}
