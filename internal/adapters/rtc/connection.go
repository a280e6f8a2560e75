package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/aayush-trivedi/ambient/internal/core"
)

var ErrConnectionFailed = errors.New("peer connection failed")

func DefaultWebRTCConfig(iceURLs []string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceURLs,
			},
		},
	}
}

// Factory builds peer connections sharing one media engine, interceptor
// chain and setting engine.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	log zerolog.Logger
}

func NewFactory(cfg webrtc.Configuration, logger zerolog.Logger) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(logger.With().Str("module", "pion").Logger()),
	}
	se.SetIncludeLoopbackCandidate(true)

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: cfg,
		log: logger,
	}, nil
}

// NewConnection opens a peer connection for session id.
func (f *Factory) NewConnection(id string) (*WebRTCConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:  pc,
		id:  id,
		log: f.log.With().Str("module", "webrtc").Str("session", id).Logger(),
	}
	c.start()
	return c, nil
}

// WebRTCConnection wraps one PeerConnection. Handlers are installed once
// with Handle before any description is applied.
type WebRTCConnection struct {
	pc  *webrtc.PeerConnection
	id  string
	log zerolog.Logger

	mu      sync.Mutex
	remote  *RemoteMedia
	handler Handler
	ended   bool
}

type Handler struct {
	OnRemoteMedia func(core.RemoteMedia)
	OnFailed      func(error)
	OnClosed      func()
}

func (c *WebRTCConnection) Handle(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *WebRTCConnection) start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.finish(ErrConnectionFailed)
		case webrtc.PeerConnectionStateClosed:
			c.finish(nil)
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		c.mu.Lock()
		first := c.remote == nil
		if first {
			c.remote = &RemoteMedia{id: track.StreamID()}
		}
		rm, h := c.remote, c.handler
		c.mu.Unlock()

		rm.add(track)
		if first && h.OnRemoteMedia != nil {
			h.OnRemoteMedia(rm)
		}
	})
}

// finish reports the end of the connection once.
func (c *WebRTCConnection) finish(err error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	h := c.handler
	c.mu.Unlock()

	if err != nil {
		if h.OnFailed != nil {
			h.OnFailed(err)
		}
		return
	}
	if h.OnClosed != nil {
		h.OnClosed()
	}
}

// AddLocalTracks attaches every track of media and drains their RTCP.
// Kinds media does not provide are still negotiated as receive-only.
func (c *WebRTCConnection) AddLocalTracks(media core.LocalMedia) error {
	have := map[webrtc.RTPCodecType]bool{}
	if media != nil {
		for _, t := range media.Tracks() {
			sender, err := c.pc.AddTrack(t)
			if err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			have[t.Kind()] = true
			go drainRTCP(sender)
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer returns a complete offer with all candidates gathered.
func (c *WebRTCConnection) CreateOffer(ctx context.Context, media core.LocalMedia) (string, error) {
	if err := c.AddLocalTracks(media); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return c.setLocal(ctx, offer)
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(ctx context.Context, offer string, media core.LocalMedia) (string, error) {
	if err := ValidateSDP(offer); err != nil {
		return "", err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	if media != nil {
		for _, t := range media.Tracks() {
			sender, err := c.pc.AddTrack(t)
			if err != nil {
				return "", fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			go drainRTCP(sender)
		}
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return c.setLocal(ctx, answer)
}

func (c *WebRTCConnection) ApplyAnswer(answer string) error {
	if err := ValidateSDP(answer); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

func (c *WebRTCConnection) setLocal(ctx context.Context, desc webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *WebRTCConnection) Close() {
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
	} else {
		c.log.Debug().Msg("closed")
	}
}

// RemoteMedia collects the partner's tracks for one connection. Tracks
// arriving after the first are appended and handed to subscribers.
type RemoteMedia struct {
	id string

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
	subs   []func(*webrtc.TrackRemote)
}

func (r *RemoteMedia) ID() string { return r.id }

func (r *RemoteMedia) Tracks() []*webrtc.TrackRemote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.tracks)
}

// Each calls fn for every current track and every track added later.
func (r *RemoteMedia) Each(fn func(*webrtc.TrackRemote)) {
	r.mu.Lock()
	existing := slices.Clone(r.tracks)
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
	for _, t := range existing {
		fn(t)
	}
}

func (r *RemoteMedia) add(t *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	subs := slices.Clone(r.subs)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(t)
	}
}
