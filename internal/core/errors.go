package core

import "errors"

var (
	ErrIdentityInUse      = errors.New("identity in use")
	ErrPartnerUnreachable = errors.New("partner unreachable")
	ErrChannelDropped     = errors.New("signaling channel dropped")
	ErrMediaUnavailable   = errors.New("local media unavailable")
	ErrClosed             = errors.New("closed")
)
