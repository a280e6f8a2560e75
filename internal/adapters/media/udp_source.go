// Package media moves RTP between local UDP ports and peer connections.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/core"
)

const mtu = 1500

// UDPSource captures RTP that a local encoder sends to the configured
// addresses. Audio is expected as Opus, video as VP8. An empty address
// leaves that kind out.
type UDPSource struct {
	AudioAddr string
	VideoAddr string

	lc  net.ListenConfig
	log zerolog.Logger
}

func NewUDPSource(audioAddr, videoAddr string) *UDPSource {
	return &UDPSource{
		AudioAddr: audioAddr,
		VideoAddr: videoAddr,
		log:       log.With().Str("module", "media.source").Logger(),
	}
}

type input struct {
	addr  string
	codec webrtc.RTPCodecCapability
	kind  string
}

func (s *UDPSource) Acquire(ctx context.Context) (core.LocalMedia, error) {
	inputs := []input{
		{addr: s.AudioAddr, kind: "audio", codec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
		{addr: s.VideoAddr, kind: "video", codec: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
	}

	m := &udpMedia{id: uuid.NewString(), log: s.log}
	for _, in := range inputs {
		if in.addr == "" {
			continue
		}
		pc, err := s.lc.ListenPacket(ctx, "udp", in.addr)
		if err != nil {
			m.Stop()
			return nil, fmt.Errorf("bind %s input %s: %w", in.kind, in.addr, err)
		}
		track, err := webrtc.NewTrackLocalStaticRTP(in.codec, in.kind, m.id)
		if err != nil {
			_ = pc.Close()
			m.Stop()
			return nil, fmt.Errorf("%s track: %w", in.kind, err)
		}
		m.conns = append(m.conns, pc)
		m.tracks = append(m.tracks, track)
		s.log.Info().Str("kind", in.kind).Str("addr", pc.LocalAddr().String()).Msg("listening for RTP")
	}
	if len(m.tracks) == 0 {
		return nil, errors.New("no media inputs configured")
	}

	for i := range m.conns {
		m.wg.Add(1)
		go m.pump(m.conns[i], m.tracks[i])
	}
	return m, nil
}

type udpMedia struct {
	id     string
	log    zerolog.Logger
	conns  []net.PacketConn
	tracks []*webrtc.TrackLocalStaticRTP

	wg   sync.WaitGroup
	once sync.Once
}

func (m *udpMedia) ID() string { return m.id }

func (m *udpMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *udpMedia) Stop() {
	m.once.Do(func() {
		for _, c := range m.conns {
			_ = c.Close()
		}
		m.wg.Wait()
		m.log.Info().Str("media", m.id).Msg("local media stopped")
	})
}

// pump copies packets from conn to track until conn is closed.
func (m *udpMedia) pump(conn net.PacketConn, track *webrtc.TrackLocalStaticRTP) {
	defer m.wg.Done()
	buf := make([]byte, mtu)
	pkt := &rtp.Packet{}
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Warn().Err(err).Str("kind", track.Kind().String()).Msg("read RTP input")
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.log.Debug().Err(err).Msg("dropping non-RTP datagram")
			continue
		}
		if err := track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			m.log.Warn().Err(err).Msg("write local track")
		}
	}
}
