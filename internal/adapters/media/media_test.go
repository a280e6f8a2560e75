package media

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireBindFailure(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	src := NewUDPSource(busy.LocalAddr().String(), "")
	_, err = src.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind audio input")
}

func TestAcquireNothingConfigured(t *testing.T) {
	_, err := NewUDPSource("", "").Acquire(context.Background())
	require.Error(t, err)
}

func TestAcquireTracks(t *testing.T) {
	src := NewUDPSource("127.0.0.1:0", "127.0.0.1:0")
	m, err := src.Acquire(context.Background())
	require.NoError(t, err)

	tracks := m.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
	assert.Equal(t, m.ID(), tracks[0].StreamID())

	// datagrams reach the pump without a bound peer connection
	um := m.(*udpMedia)
	conn, err := net.Dial("udp", um.conns[0].LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	raw, err := (&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1}, Payload: []byte{1}}).Marshal()
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	m.Stop()
	m.Stop()
}

func TestSinkWritesRTP(t *testing.T) {
	player, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer player.Close()

	sink, err := NewSink(player.LocalAddr().String())
	require.NoError(t, err)
	defer sink.Close()

	want := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, Timestamp: 3000, SSRC: 42},
		Payload: []byte{0xde, 0xad},
	}
	require.NoError(t, sink.WriteRTP(want))

	require.NoError(t, player.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, mtu)
	n, _, err := player.ReadFrom(buf)
	require.NoError(t, err)

	got := &rtp.Packet{}
	require.NoError(t, got.Unmarshal(buf[:n]))
	assert.Equal(t, want.SequenceNumber, got.SequenceNumber)
	assert.Equal(t, want.SSRC, got.SSRC)
	assert.Equal(t, want.Payload, got.Payload)
}

func TestSinkCloseMarksDelete(t *testing.T) {
	sink, err := NewSink("127.0.0.1:9")
	require.NoError(t, err)
	assert.Equal(t, SinkStateOk, sink.GetState())
	require.NoError(t, sink.Close())
	assert.Equal(t, SinkStateDelete, sink.GetState())
}

type staticRemote struct{ id string }

func (r staticRemote) ID() string                    { return r.id }
func (r staticRemote) Tracks() []*webrtc.TrackRemote { return nil }

func TestForwarderAttachDetach(t *testing.T) {
	f := NewForwarder("127.0.0.1:9", "")
	f.Attach(staticRemote{id: "a"})
	assert.Equal(t, "a", f.current)

	f.Attach(staticRemote{id: "b"})
	assert.Equal(t, "b", f.current)

	f.Attach(nil)
	assert.Empty(t, f.current)
	assert.Empty(t, f.relays)
}
