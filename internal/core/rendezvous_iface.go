package core

import (
	"context"

	"github.com/aayush-trivedi/ambient/internal/domain"
)

// Rendezvous registers identities with the signaling service.
type Rendezvous interface {
	// Register claims id. It fails with ErrIdentityInUse when a previous
	// registration for the same id has not been released yet.
	Register(ctx context.Context, id domain.PeerID, h RegistrationHandler) (Registration, error)
}

// RegistrationHandler receives registration events. Callbacks may arrive
// on any goroutine.
type RegistrationHandler struct {
	// OnInbound is called for each session request addressed to us.
	OnInbound func(InboundRequest)
	// OnDropped is called when the signaling channel breaks without us
	// closing it. The registration can be resumed.
	OnDropped func(error)
	// OnClosed is called when the service tears the registration down.
	// It cannot be resumed.
	OnClosed func()
}

type Registration interface {
	ID() domain.PeerID
	// RequestSession offers a session carrying media to partner. It fails
	// with ErrPartnerUnreachable while the partner is not registered.
	RequestSession(ctx context.Context, partner domain.PeerID, media LocalMedia) (Session, error)
	// Disconnected reports whether the signaling channel is currently down.
	Disconnected() bool
	// Resume re-establishes a dropped channel under the same identity.
	Resume(ctx context.Context) error
	Close()
}

// InboundRequest is a session offer from another identity.
type InboundRequest interface {
	Peer() domain.PeerID
	Accept(ctx context.Context, media LocalMedia) (Session, error)
}
