package rendezvous

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/aayush-trivedi/ambient/internal/adapters/rtc"
	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

// session pairs a peer connection with the signaling that set it up.
type session struct {
	id   string
	peer domain.PeerID
	pc   *rtc.WebRTCConnection

	answerCh chan string
	failCh   chan error

	mu      sync.Mutex
	reg     *registration
	pending bool
	h       *core.SessionHandler
	backlog []func(core.SessionHandler)
	ended   bool
}

func newSession(reg *registration, id string, peer domain.PeerID, pending bool) (*session, error) {
	pc, err := reg.client.factory.NewConnection(id)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &session{
		reg:      reg,
		id:       id,
		peer:     peer,
		pc:       pc,
		answerCh: make(chan string, 1),
		failCh:   make(chan error, 1),
		pending:  pending,
	}
	pc.Handle(rtc.Handler{
		OnRemoteMedia: func(rm core.RemoteMedia) {
			s.emit(func(h core.SessionHandler) {
				if h.OnRemoteMedia != nil {
					h.OnRemoteMedia(rm)
				}
			})
		},
		OnFailed: s.end,
		OnClosed: func() { s.end(nil) },
	})
	return s, nil
}

func (s *session) ID() string          { return s.id }
func (s *session) Peer() domain.PeerID { return s.peer }

func (s *session) Observe(h core.SessionHandler) {
	s.mu.Lock()
	s.h = &h
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()
	for _, fn := range backlog {
		fn(h)
	}
}

// Close tells the partner we left and closes the connection. No further
// events are reported.
func (s *session) Close() {
	s.mu.Lock()
	already := s.ended
	s.ended = true
	s.mu.Unlock()

	reg := s.registration()
	reg.remove(s)
	if !already {
		if err := reg.send(protocol.Message{Type: protocol.TypeLeave, Dst: s.peer, Session: s.id}); err != nil {
			reg.log.Debug().Err(err).Str("session", s.id).Msg("leave not sent")
		}
	}
	s.pc.Close()
}

func (s *session) registration() *registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg
}

func (s *session) moveTo(r *registration) {
	s.mu.Lock()
	s.reg = r
	s.mu.Unlock()
	r.add(s)
}

func (s *session) emit(fn func(core.SessionHandler)) {
	s.mu.Lock()
	if s.h == nil {
		s.backlog = append(s.backlog, fn)
		s.mu.Unlock()
		return
	}
	h := *s.h
	s.mu.Unlock()
	fn(h)
}

// end reports the end of the session once.
func (s *session) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.registration().remove(s)
	s.emit(func(h core.SessionHandler) {
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			return
		}
		if h.OnClosed != nil {
			h.OnClosed()
		}
	})
}

func (s *session) remoteLeft() {
	s.end(nil)
	s.pc.Close()
}

func (s *session) isPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *session) answer(sdp string) {
	select {
	case s.answerCh <- sdp:
	default:
	}
}

// fail aborts a pending request, or ends an established session.
func (s *session) fail(err error) {
	if s.isPending() {
		select {
		case s.failCh <- err:
		default:
		}
		return
	}
	s.end(err)
	s.pc.Close()
}

// abort drops a session that never got established.
func (s *session) abort() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.registration().remove(s)
	s.pc.Close()
}

func (r *registration) RequestSession(ctx context.Context, partner domain.PeerID, media core.LocalMedia) (core.Session, error) {
	r.mu.Lock()
	closed, down := r.closed, r.down
	r.mu.Unlock()
	if closed {
		return nil, core.ErrClosed
	}
	if down {
		return nil, core.ErrChannelDropped
	}

	s, err := newSession(r, uuid.NewString(), partner, true)
	if err != nil {
		return nil, err
	}
	offer, err := s.pc.CreateOffer(ctx, media)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	r.add(s)
	if err := r.send(protocol.Message{Type: protocol.TypeOffer, Dst: partner, Session: s.id, SDP: offer}); err != nil {
		s.abort()
		return nil, fmt.Errorf("send offer: %w", err)
	}
	r.log.Debug().Str("peer", string(partner)).Str("session", s.id).Msg("offer sent")

	select {
	case sdp := <-s.answerCh:
		if err := s.pc.ApplyAnswer(sdp); err != nil {
			s.abort()
			return nil, fmt.Errorf("apply answer: %w", err)
		}
	case err := <-s.failCh:
		s.abort()
		return nil, err
	case <-ctx.Done():
		s.abort()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.pending = false
	s.mu.Unlock()
	return s, nil
}

type inbound struct {
	reg     *registration
	peer    domain.PeerID
	session string
	offer   string
}

func (in *inbound) Peer() domain.PeerID { return in.peer }

func (in *inbound) Accept(ctx context.Context, media core.LocalMedia) (core.Session, error) {
	s, err := newSession(in.reg, in.session, in.peer, false)
	if err != nil {
		return nil, err
	}
	in.reg.add(s)
	answer, err := s.pc.ApplyOfferAndCreateAnswer(ctx, in.offer, media)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("answer offer: %w", err)
	}
	if err := in.reg.send(protocol.Message{Type: protocol.TypeAnswer, Dst: in.peer, Session: in.session, SDP: answer}); err != nil {
		s.abort()
		return nil, fmt.Errorf("send answer: %w", err)
	}
	return s, nil
}
