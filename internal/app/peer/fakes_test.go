package peer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
)

// fakeNet is an in-memory rendezvous service. A session request to a
// registered partner produces a linked pair of sessions; accepting the
// inbound side delivers each side's media to the other.
type fakeNet struct {
	mu        sync.Mutex
	regs      map[domain.PeerID]*fakeReg
	inUse     map[domain.PeerID]int
	registers map[domain.PeerID]int
	sessions  int
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		regs:      make(map[domain.PeerID]*fakeReg),
		inUse:     make(map[domain.PeerID]int),
		registers: make(map[domain.PeerID]int),
	}
}

func (n *fakeNet) Register(_ context.Context, id domain.PeerID, h core.RegistrationHandler) (core.Registration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registers[id]++
	if n.inUse[id] > 0 {
		n.inUse[id]--
		return nil, core.ErrIdentityInUse
	}
	if _, ok := n.regs[id]; ok {
		return nil, core.ErrIdentityInUse
	}
	r := &fakeReg{net: n, id: id, h: h}
	n.regs[id] = r
	return r, nil
}

func (n *fakeNet) rejectNext(id domain.PeerID, times int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inUse[id] = times
}

func (n *fakeNet) registerCount(id domain.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registers[id]
}

func (n *fakeNet) reg(id domain.PeerID) *fakeReg {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.regs[id]
}

type fakeReg struct {
	net *fakeNet
	id  domain.PeerID
	h   core.RegistrationHandler

	// guarded by net.mu
	requests  int
	resumes   int
	down      bool
	resumeErr error
	closed    bool
}

func (r *fakeReg) ID() domain.PeerID { return r.id }

func (r *fakeReg) RequestSession(_ context.Context, partner domain.PeerID, media core.LocalMedia) (core.Session, error) {
	n := r.net
	n.mu.Lock()
	r.requests++
	callee, ok := n.regs[partner]
	if !ok {
		n.mu.Unlock()
		return nil, core.ErrPartnerUnreachable
	}
	n.sessions++
	out := newFakeSession(fmt.Sprintf("s%d-out", n.sessions), partner)
	in := newFakeSession(fmt.Sprintf("s%d-in", n.sessions), r.id)
	out.other, in.other = in, out
	h := callee.h
	n.mu.Unlock()

	h.OnInbound(&fakeInbound{peer: r.id, sess: in, out: out, callerMedia: media})
	return out, nil
}

func (r *fakeReg) Disconnected() bool {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	return r.down
}

func (r *fakeReg) Resume(context.Context) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	r.resumes++
	if r.resumeErr != nil {
		return r.resumeErr
	}
	r.down = false
	return nil
}

func (r *fakeReg) Close() {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	r.closed = true
	if r.net.regs[r.id] == r {
		delete(r.net.regs, r.id)
	}
}

func (r *fakeReg) setDown(down bool) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	r.down = down
}

func (r *fakeReg) failResume(err error) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	r.resumeErr = err
}

func (r *fakeReg) drop(err error) {
	r.setDown(true)
	r.h.OnDropped(err)
}

func (r *fakeReg) counts() (requests, resumes int) {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	return r.requests, r.resumes
}

func (r *fakeReg) isClosed() bool {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()
	return r.closed
}

type fakeInbound struct {
	peer        domain.PeerID
	sess        *fakeSession
	out         *fakeSession
	callerMedia core.LocalMedia
}

func (in *fakeInbound) Peer() domain.PeerID { return in.peer }

func (in *fakeInbound) Accept(_ context.Context, media core.LocalMedia) (core.Session, error) {
	if in.callerMedia != nil {
		in.sess.remote(fakeRemote{id: in.callerMedia.ID()})
		in.out.remote(fakeRemote{id: media.ID()})
	}
	return in.sess, nil
}

// fakeSession buffers events until Observe, like the real adapter.
type fakeSession struct {
	id   string
	peer domain.PeerID

	mu      sync.Mutex
	h       *core.SessionHandler
	backlog []func(core.SessionHandler)
	closes  int
	other   *fakeSession
}

func newFakeSession(id string, peer domain.PeerID) *fakeSession {
	return &fakeSession{id: id, peer: peer}
}

func (s *fakeSession) ID() string          { return s.id }
func (s *fakeSession) Peer() domain.PeerID { return s.peer }

func (s *fakeSession) Observe(h core.SessionHandler) {
	s.mu.Lock()
	s.h = &h
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()
	for _, fn := range backlog {
		fn(h)
	}
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	s.closes++
	first := s.closes == 1
	other := s.other
	s.mu.Unlock()
	if first && other != nil {
		other.ended(nil)
	}
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *fakeSession) emit(fn func(core.SessionHandler)) {
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

func (s *fakeSession) remote(rm core.RemoteMedia) {
	s.emit(func(h core.SessionHandler) { h.OnRemoteMedia(rm) })
}

func (s *fakeSession) ended(err error) {
	s.emit(func(h core.SessionHandler) {
		if err != nil {
			h.OnError(err)
			return
		}
		h.OnClosed()
	})
}

type fakeRemote struct{ id string }

func (r fakeRemote) ID() string                    { return r.id }
func (r fakeRemote) Tracks() []*webrtc.TrackRemote { return nil }

type fakeSource struct {
	name string

	mu    sync.Mutex
	media []*fakeMedia
}

func (s *fakeSource) Acquire(context.Context) (core.LocalMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &fakeMedia{id: s.name}
	s.media = append(s.media, m)
	return m, nil
}

func (s *fakeSource) last() *fakeMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.media) == 0 {
		return nil
	}
	return s.media[len(s.media)-1]
}

type fakeMedia struct {
	id    string
	stops atomic.Int32
}

func (m *fakeMedia) ID() string                  { return m.id }
func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *fakeMedia) Stop()                       { m.stops.Add(1) }

// recorder captures observer notifications in order.
type recorder struct {
	mu      sync.Mutex
	states  []domain.ConnectionState
	locals  []core.LocalMedia
	remotes []core.RemoteMedia
	fatals  []error
	ch      chan domain.ConnectionState

	onState func(domain.ConnectionState)
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan domain.ConnectionState, 256)}
}

func (r *recorder) observer() Observer {
	return Observer{
		OnState: func(s domain.ConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, s)
			hook := r.onState
			r.mu.Unlock()
			r.ch <- s
			if hook != nil {
				hook(s)
			}
		},
		OnLocalMedia: func(m core.LocalMedia) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.locals = append(r.locals, m)
		},
		OnRemoteMedia: func(rm core.RemoteMedia) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.remotes = append(r.remotes, rm)
		},
		OnFatal: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fatals = append(r.fatals, err)
		},
	}
}

// waitState consumes notifications until want shows up.
func (r *recorder) waitState(t *testing.T, want domain.ConnectionState) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("state %s not reached, saw %v", want, r.stateList())
		}
	}
}

func (r *recorder) stateList() []domain.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConnectionState(nil), r.states...)
}

func (r *recorder) remoteList() []core.RemoteMedia {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.RemoteMedia(nil), r.remotes...)
}

func (r *recorder) fatalList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.fatals...)
}

func (r *recorder) events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states) + len(r.locals) + len(r.remotes) + len(r.fatals)
}

// flush waits until every task queued on the loop so far has run.
func flush(t *testing.T, m *Manager) {
	t.Helper()
	ch := make(chan struct{})
	require.True(t, m.box.push(func() { close(ch) }))
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop stalled")
	}
}

func destroyed(t *testing.T, m *Manager) {
	t.Helper()
	m.Destroy()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("destroy did not complete")
	}
}
