package rendezvous

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

// registration owns the signaling channel for one identity. Sessions
// outlive the channel: losing it only fails requests still waiting for an
// answer.
type registration struct {
	client *Client
	id     domain.PeerID
	h      core.RegistrationHandler
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *wsConn
	down     bool
	closed   bool
	sessions map[string]*session
}

func (r *registration) ID() domain.PeerID { return r.id }

func (r *registration) attach(conn *wsConn) {
	r.mu.Lock()
	r.conn = conn
	r.down = false
	r.mu.Unlock()

	go conn.writePump(r.client.pingPeriod)
	go conn.readPump(r.dispatch, func(err error) { r.lost(conn, err) })
	r.log.Info().Msg("registered")
}

func (r *registration) Disconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *registration) Resume(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrClosed
	}
	if !r.down {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	conn, err := r.client.dial(ctx, r.id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close()
		return core.ErrClosed
	}
	r.mu.Unlock()
	r.attach(conn)
	return nil
}

// Close releases the identity. Established sessions are left running.
func (r *registration) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conn := r.conn
	pending := r.pendingLocked()
	r.mu.Unlock()

	for _, s := range pending {
		s.fail(core.ErrClosed)
	}
	if conn != nil {
		conn.Close()
	}
	r.log.Info().Msg("registration closed")
}

func (r *registration) lost(conn *wsConn, err error) {
	r.mu.Lock()
	if r.closed || r.conn != conn {
		r.mu.Unlock()
		return
	}
	byServer := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if byServer {
		r.closed = true
	} else {
		r.down = true
	}
	pending := r.pendingLocked()
	r.mu.Unlock()

	for _, s := range pending {
		s.fail(core.ErrChannelDropped)
	}
	if byServer {
		r.log.Warn().Msg("registration closed by server")
		if r.h.OnClosed != nil {
			r.h.OnClosed()
		}
		return
	}
	r.log.Warn().Err(err).Msg("signaling channel dropped")
	if r.h.OnDropped != nil {
		r.h.OnDropped(fmt.Errorf("%w: %v", core.ErrChannelDropped, err))
	}
}

func (r *registration) pendingLocked() []*session {
	var out []*session
	for _, s := range r.sessions {
		if s.isPending() {
			out = append(out, s)
		}
	}
	return out
}

func (r *registration) dispatch(m protocol.Message) {
	switch m.Type {
	case protocol.TypeOffer:
		if m.Src == "" || m.Session == "" {
			r.log.Warn().Msg("offer without source")
			return
		}
		if r.h.OnInbound != nil {
			r.h.OnInbound(&inbound{reg: r, peer: m.Src, session: m.Session, offer: m.SDP})
		}
	case protocol.TypeAnswer:
		if s := r.lookup(m.Session); s != nil {
			s.answer(m.SDP)
		}
	case protocol.TypeExpire:
		if s := r.lookup(m.Session); s != nil {
			s.fail(core.ErrPartnerUnreachable)
		}
	case protocol.TypeLeave:
		if s := r.lookup(m.Session); s != nil && s.peer == m.Src {
			s.remoteLeft()
		}
	case protocol.TypeError:
		r.log.Warn().Str("error", m.Error).Msg("rendezvous error")
	case protocol.TypePong, protocol.TypeCandidate:
	default:
		r.log.Debug().Str("type", string(m.Type)).Msg("ignored message")
	}
}

func (r *registration) add(s *session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *registration) remove(s *session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}

// handOver removes and returns the established sessions.
func (r *registration) handOver() []*session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session
	for id, s := range r.sessions {
		if s.isPending() {
			continue
		}
		delete(r.sessions, id)
		out = append(out, s)
	}
	return out
}

func (r *registration) lookup(id string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

func (r *registration) send(m protocol.Message) error {
	r.mu.Lock()
	conn, down, closed := r.conn, r.down, r.closed
	r.mu.Unlock()
	switch {
	case closed:
		return core.ErrClosed
	case down || conn == nil:
		return core.ErrChannelDropped
	}
	b, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return conn.TrySend(b)
}
