package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/core"
)

// trackSource is implemented by remote media that reports tracks arriving
// after it was first handed out.
type trackSource interface {
	Each(fn func(*webrtc.TrackRemote))
}

// Forwarder plays the partner's media by relaying each remote track to a
// local UDP address. A new remote media replaces the previous one.
type Forwarder struct {
	AudioAddr string
	VideoAddr string

	log zerolog.Logger

	mu      sync.Mutex
	current string
	relays  map[string]*relay
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewForwarder(audioAddr, videoAddr string) *Forwarder {
	return &Forwarder{
		AudioAddr: audioAddr,
		VideoAddr: videoAddr,
		log:       log.With().Str("module", "media.forwarder").Logger(),
		relays:    make(map[string]*relay),
	}
}

// Attach starts relaying rm. A nil rm stops forwarding.
func (f *Forwarder) Attach(rm core.RemoteMedia) {
	if rm == nil {
		f.Detach()
		return
	}

	f.mu.Lock()
	if f.current == rm.ID() && f.ctx != nil {
		f.mu.Unlock()
		return
	}
	f.stopLocked()
	f.current = rm.ID()
	ctx, cancel := context.WithCancel(context.Background())
	f.ctx, f.cancel = ctx, cancel
	f.mu.Unlock()

	f.log.Info().Str("remote", rm.ID()).Msg("forwarding remote media")
	if src, ok := rm.(trackSource); ok {
		src.Each(func(t *webrtc.TrackRemote) { f.startRelay(ctx, t) })
		return
	}
	for _, t := range rm.Tracks() {
		f.startRelay(ctx, t)
	}
}

func (f *Forwarder) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

func (f *Forwarder) stopLocked() {
	if f.cancel != nil {
		f.cancel()
	}
	for id, r := range f.relays {
		r.sink.Close()
		delete(f.relays, id)
	}
	f.current = ""
	f.ctx, f.cancel = nil, nil
}

func (f *Forwarder) addrFor(kind webrtc.RTPCodecType) string {
	if kind == webrtc.RTPCodecTypeVideo {
		return f.VideoAddr
	}
	return f.AudioAddr
}

// startRelay relays t unless a relay for the same track id is running.
func (f *Forwarder) startRelay(ctx context.Context, t *webrtc.TrackRemote) {
	logger := f.log.With().Str("track_id", t.ID()).Str("kind", t.Kind().String()).Logger()

	addr := f.addrFor(t.Kind())
	if addr == "" {
		logger.Debug().Msg("no output configured, track ignored")
		return
	}
	sink, err := NewSink(addr)
	if err != nil {
		logger.Error().Err(err).Msg("open sink")
		return
	}

	f.mu.Lock()
	if ctx.Err() != nil {
		f.mu.Unlock()
		sink.Close()
		return
	}
	if _, ok := f.relays[t.ID()]; ok {
		f.mu.Unlock()
		sink.Close()
		return
	}
	r := &relay{src: t, sink: sink}
	f.relays[t.ID()] = r
	f.mu.Unlock()

	logger.Info().Str("addr", addr).Msg("starting relay loop")
	go r.loop(ctx, &logger)
}

type relay struct {
	src  *webrtc.TrackRemote
	sink *Sink
}

// loop reads RTP packets from the source track and writes them to the sink.
func (r *relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP stopped")
			r.sink.MarkDelete()
			return
		}
		if r.sink.GetState() == SinkStateDelete {
			return
		}
		if err := r.sink.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Msg("relay write RTP error, marking sink as delete")
			r.sink.MarkDelete()
			return
		}
	}
}
