package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestRemoteMediaEachSeesCurrentAndLaterTracks(t *testing.T) {
	rm := &RemoteMedia{id: "stream"}
	first, second := &webrtc.TrackRemote{}, &webrtc.TrackRemote{}
	rm.add(first)

	var seen []*webrtc.TrackRemote
	rm.Each(func(tr *webrtc.TrackRemote) { seen = append(seen, tr) })
	rm.add(second)

	assert.Equal(t, []*webrtc.TrackRemote{first, second}, seen)
	assert.Len(t, rm.Tracks(), 2)
	assert.Equal(t, "stream", rm.ID())

	// callers get a copy
	tracks := rm.Tracks()
	tracks[0] = nil
	assert.Same(t, first, rm.Tracks()[0])
}
