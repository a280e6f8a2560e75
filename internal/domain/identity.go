// Package domain contains entities without logic, just meta-data
package domain

import (
	"errors"
	"fmt"
	"strings"
)

const MaxPeerIDLen = 64

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDTooLong = errors.New("peer id too long")
	ErrPeerIDInvalid = errors.New("peer id has invalid characters")
	ErrUnknownRole   = errors.New("unknown role")
)

type (
	PeerID string
	RoomID string
	Role   string
)

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ParsePeerID validates an identity as accepted by the rendezvous service.
func ParsePeerID(s string) (PeerID, error) {
	if len(s) == 0 {
		return "", ErrPeerIDEmpty
	}
	if len(s) > MaxPeerIDLen {
		return "", ErrPeerIDTooLong
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return "", fmt.Errorf("%w: %q", ErrPeerIDInvalid, s)
		}
	}
	return PeerID(s), nil
}

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleHost:
		return RoleHost, nil
	case RoleGuest:
		return RoleGuest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// RoleFromJoinMarker maps the invite-link shape to a role: links carrying
// the join marker belong to the guest, everything else to the host.
func RoleFromJoinMarker(hasJoin bool) Role {
	if hasJoin {
		return RoleGuest
	}
	return RoleHost
}

func (r Role) Partner() Role {
	if r == RoleHost {
		return RoleGuest
	}
	return RoleHost
}

// SessionIdentity is the (self, partner) pair both endpoints of a room
// agree on without negotiating.
type SessionIdentity struct {
	Room    RoomID
	Role    Role
	Self    PeerID
	Partner PeerID
}

func NewSessionIdentity(room RoomID, role Role) (SessionIdentity, error) {
	if role != RoleHost && role != RoleGuest {
		return SessionIdentity{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	self, err := ParsePeerID(peerIDFor(room, role))
	if err != nil {
		return SessionIdentity{}, fmt.Errorf("room %q: %w", room, err)
	}
	return SessionIdentity{
		Room:    room,
		Role:    role,
		Self:    self,
		Partner: PeerID(peerIDFor(room, role.Partner())),
	}, nil
}

func peerIDFor(room RoomID, role Role) string {
	return string(room) + "-" + string(role)
}
