package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

//go:generate mockgen -source=media_iface.go -destination=mock/media_mock.go -package=mock

// MediaSource acquires the local capture. Acquire fails when the
// underlying devices or inputs are denied or unavailable.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is the captured audio/video handle attached to outgoing sessions.
type LocalMedia interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// Stop releases the underlying inputs. Safe to call more than once.
	Stop()
}

// RemoteMedia is what the partner sends us over a live session.
type RemoteMedia interface {
	ID() string
	Tracks() []*webrtc.TrackRemote
}
