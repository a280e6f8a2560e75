package peer

import (
	"github.com/looplab/fsm"

	"github.com/aayush-trivedi/ambient/internal/domain"
)

const (
	evConnect     = "connect"
	evRegister    = "register"
	evMediaFailed = "media_failed"
	evRegistered  = "registered"
	evResumed     = "resumed"
	evDropped     = "dropped"
	evUnreachable = "unreachable"
	evEstablished = "established"
	evEnded       = "ended"
)

var (
	stDisconnected = domain.StateDisconnected.String()
	stConnecting   = domain.StateConnecting.String()
	stWaiting      = domain.StateWaiting.String()
	stConnected    = domain.StateConnected.String()
)

// newMachine builds the connection state table. Events whose destination
// equals the current state are legal and still produce a notification.
func newMachine() *fsm.FSM {
	all := []string{stDisconnected, stConnecting, stWaiting, stConnected}
	return fsm.NewFSM(
		stDisconnected,
		fsm.Events{
			{Name: evConnect, Src: []string{stDisconnected}, Dst: stConnecting},
			{Name: evRegister, Src: all, Dst: stConnecting},
			{Name: evMediaFailed, Src: []string{stConnecting}, Dst: stDisconnected},
			{Name: evRegistered, Src: all, Dst: stWaiting},
			{Name: evResumed, Src: all, Dst: stWaiting},
			{Name: evDropped, Src: all, Dst: stDisconnected},
			{Name: evUnreachable, Src: all, Dst: stWaiting},
			{Name: evEstablished, Src: all, Dst: stConnected},
			{Name: evEnded, Src: all, Dst: stWaiting},
		},
		fsm.Callbacks{},
	)
}
