package core

import "github.com/aayush-trivedi/ambient/internal/domain"

// Session is one live or pending media connection with a partner.
type Session interface {
	ID() string
	Peer() domain.PeerID
	// Observe installs h. Events that happened before Observe are
	// delivered to h in order once it is installed.
	Observe(h SessionHandler)
	Close()
}

type SessionHandler struct {
	OnRemoteMedia func(RemoteMedia)
	OnClosed      func()
	OnError       func(error)
}
