// Package peer keeps one two-party media session alive between a fixed
// pair of identities. It owns the local media, the rendezvous registration
// and the active session, and reconnects on every transient failure until
// Destroy is called.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/metrics"
)

// Manager drives the session for one identity pair.
//
// All state below the loop-owned marker is touched only by the event loop
// goroutine. Every asynchronous completion is posted to the loop and
// checked against the destroyed latch and the registration epoch or
// session token it was issued under; anything stale is dropped.
type Manager struct {
	id      domain.SessionIdentity
	source  core.MediaSource
	rdv     core.Rendezvous
	obs     Observer
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Peer

	ctx    context.Context
	cancel context.CancelFunc
	box    mailbox
	done   chan struct{}

	destroyed atomic.Bool
	state     atomic.Int32
	attempts  atomic.Int64

	// emitMu is held by the loop from the latch check until an observer
	// returns; notifying is set once the observer has been entered.
	emitMu    sync.Mutex
	notifying atomic.Bool

	// loop-owned
	machine   *fsm.FSM
	policy    *retryPolicy
	stopped   bool
	local     core.LocalMedia
	acquiring bool

	reg         core.Registration
	regEpoch    uint64
	registering bool
	resuming    bool

	sess      core.Session
	sessToken uint64
	live      bool
	nextToken uint64
	pending   uint64 // token of the in-flight outbound request

	retry      clockwork.Timer
	retryGen   uint64
	rebuild    clockwork.Timer
	rebuildGen uint64
}

// New creates a manager and starts its event loop. Nothing happens on the
// network until Connect. The loop exits after Destroy.
func New(id domain.SessionIdentity, source core.MediaSource, rdv core.Rendezvous, obs Observer, opts ...Option) *Manager {
	m := &Manager{
		id:      id,
		source:  source,
		rdv:     rdv,
		obs:     obs,
		clock:   clockwork.NewRealClock(),
		log:     log.With().Str("module", "peer").Logger(),
		done:    make(chan struct{}),
		machine: newMachine(),
		policy:  newRetryPolicy(baseDelay, maxDelay),
	}
	m.box.wake = make(chan struct{}, 1)
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().
		Str("self", string(id.Self)).
		Str("partner", string(id.Partner)).
		Logger()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.state.Store(int32(domain.StateDisconnected))

	go m.run()
	return m
}

// Connect acquires local media and registers with the rendezvous service.
// It is a no-op after Destroy or while media is held or being acquired.
func (m *Manager) Connect() {
	if m.destroyed.Load() {
		return
	}
	m.box.push(m.connect)
}

// Destroy releases everything the manager holds. Only the first call has
// effect. It may be called from inside an observer; no notification is
// started once it has returned.
func (m *Manager) Destroy() {
	if !m.destroyed.CompareAndSwap(false, true) {
		return
	}
	// An observer already running may be the caller. Otherwise wait out a
	// notification that passed the latch check but has not started yet.
	if !m.notifying.Load() {
		m.emitMu.Lock()
		m.emitMu.Unlock()
	}
	m.cancel()
	m.box.push(m.teardown)
}

func (m *Manager) State() domain.ConnectionState {
	return domain.ConnectionState(m.state.Load())
}

// Attempts is the reconnection counter used for the backoff delay.
func (m *Manager) Attempts() int {
	return int(m.attempts.Load())
}

// Done is closed once Destroy has released all resources.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for !m.stopped {
		<-m.box.wake
		for _, fn := range m.box.take() {
			fn()
		}
	}
	for _, fn := range m.box.close() {
		fn()
	}
}

// deliver runs fn on the loop. When the manager is destroyed, release is
// run instead so resources produced by late completions are not leaked.
func (m *Manager) deliver(fn, release func()) {
	ok := m.box.push(func() {
		if m.destroyed.Load() {
			if release != nil {
				release()
			}
			return
		}
		fn()
	})
	if !ok && release != nil {
		release()
	}
}

func (m *Manager) teardown() {
	m.stopped = true
	m.stopRetry()
	m.stopRebuild()
	if m.sess != nil {
		m.sess.Close()
		m.sess = nil
	}
	if m.local != nil {
		m.local.Stop()
		m.local = nil
	}
	if m.reg != nil {
		m.reg.Close()
		m.reg = nil
	}
	m.log.Info().Msg("destroyed")
}

func (m *Manager) connect() {
	if m.destroyed.Load() || m.local != nil || m.acquiring {
		return
	}
	m.acquiring = true
	m.fire(evConnect)

	go func() {
		media, err := m.source.Acquire(m.ctx)
		m.deliver(func() { m.onMedia(media, err) }, func() {
			if media != nil {
				media.Stop()
			}
		})
	}()
}

func (m *Manager) onMedia(media core.LocalMedia, err error) {
	m.acquiring = false
	if err != nil {
		if !errors.Is(err, core.ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %w", core.ErrMediaUnavailable, err)
		}
		m.log.Error().Err(err).Msg("local media")
		m.metrics.Fatal()
		m.emitFatal(err)
		m.fire(evMediaFailed)
		return
	}
	m.local = media
	m.log.Info().Str("media", media.ID()).Msg("local media ready")
	m.emitLocal(media)
	m.register()
}

func (m *Manager) register() {
	if m.destroyed.Load() || m.registering {
		return
	}
	m.registering = true
	m.regEpoch++
	epoch := m.regEpoch
	if !m.live {
		m.fire(evRegister)
	}

	h := core.RegistrationHandler{
		OnInbound: func(req core.InboundRequest) {
			m.deliver(func() { m.onInbound(epoch, req) }, nil)
		},
		OnDropped: func(err error) {
			m.deliver(func() { m.onDropped(epoch, err) }, nil)
		},
		OnClosed: func() {
			m.deliver(func() { m.onRegistrationClosed(epoch) }, nil)
		},
	}
	go func() {
		reg, err := m.rdv.Register(m.ctx, m.id.Self, h)
		m.deliver(func() { m.onRegistered(epoch, reg, err) }, func() {
			if reg != nil {
				reg.Close()
			}
		})
	}()
}

func (m *Manager) onRegistered(epoch uint64, reg core.Registration, err error) {
	if epoch != m.regEpoch {
		if reg != nil {
			reg.Close()
		}
		return
	}
	m.registering = false
	if err != nil {
		if errors.Is(err, core.ErrIdentityInUse) {
			m.log.Info().Msg("identity still registered, rebuilding")
		} else {
			m.log.Warn().Err(err).Msg("register")
		}
		m.scheduleRebuild()
		return
	}
	m.reg = reg
	m.log.Info().Msg("registered")
	m.resetAttempts()
	m.afterRegistration(evRegistered)
}

// afterRegistration settles the state once the registration is usable
// again and places a call unless a session is already carrying media.
func (m *Manager) afterRegistration(ev string) {
	if m.live {
		m.fire(evEstablished)
		return
	}
	m.fire(ev)
	m.callPartner()
}

func (m *Manager) callPartner() {
	if m.destroyed.Load() || m.reg == nil || m.local == nil || m.sess != nil || m.pending != 0 {
		return
	}
	if m.reg.Disconnected() {
		m.resume()
		return
	}
	m.nextToken++
	token := m.nextToken
	m.pending = token
	reg, epoch, media := m.reg, m.regEpoch, m.local

	go func() {
		s, err := reg.RequestSession(m.ctx, m.id.Partner, media)
		m.deliver(func() { m.onOutbound(epoch, token, s, err) }, func() {
			if s != nil {
				s.Close()
			}
		})
	}()
}

func (m *Manager) onOutbound(epoch, token uint64, s core.Session, err error) {
	if token == m.pending {
		m.pending = 0
	}
	if err == nil {
		m.adopt(s, "outbound")
		return
	}
	if token < m.sessToken || epoch != m.regEpoch {
		m.log.Debug().Err(err).Msg("stale outbound failure")
		return
	}
	if errors.Is(err, core.ErrPartnerUnreachable) {
		m.log.Debug().Msg("partner not reachable yet")
	} else {
		m.log.Warn().Err(err).Msg("request session")
	}
	m.fire(evUnreachable)
	m.scheduleRetry()
}

func (m *Manager) onInbound(epoch uint64, req core.InboundRequest) {
	if req.Peer() != m.id.Partner {
		m.log.Warn().Str("from", string(req.Peer())).Msg("inbound request from unknown peer")
		return
	}
	if m.local == nil {
		return
	}
	m.log.Info().Uint64("epoch", epoch).Msg("inbound request")
	media := m.local
	go func() {
		s, err := req.Accept(m.ctx, media)
		m.deliver(func() { m.onAccepted(s, err) }, func() {
			if s != nil {
				s.Close()
			}
		})
	}()
}

func (m *Manager) onAccepted(s core.Session, err error) {
	if err != nil {
		m.log.Warn().Err(err).Msg("accept")
		if m.sess == nil {
			m.scheduleRetry()
		}
		return
	}
	m.adopt(s, "inbound")
}

// adopt makes s the retained session. The most recently established
// session wins; the previous one is closed first and its late events no
// longer match the retained token.
func (m *Manager) adopt(s core.Session, direction string) {
	if m.sess != nil {
		m.log.Info().Str("old", m.sess.ID()).Str("new", s.ID()).Msg("session superseded")
		m.sess.Close()
		m.metrics.Superseded()
	}
	m.nextToken++
	token := m.nextToken
	m.sess, m.sessToken, m.live = s, token, false
	m.metrics.Session(direction)
	m.log.Info().Str("session", s.ID()).Str("direction", direction).Msg("session adopted")

	s.Observe(core.SessionHandler{
		OnRemoteMedia: func(rm core.RemoteMedia) {
			m.deliver(func() { m.onRemoteMedia(token, rm) }, nil)
		},
		OnClosed: func() {
			m.deliver(func() { m.onSessionEnded(token, nil) }, nil)
		},
		OnError: func(err error) {
			m.deliver(func() { m.onSessionEnded(token, err) }, nil)
		},
	})
}

func (m *Manager) onRemoteMedia(token uint64, rm core.RemoteMedia) {
	if m.sess == nil || token != m.sessToken {
		return
	}
	m.live = true
	m.stopRetry()
	m.fire(evEstablished)
	m.emitRemote(rm)
	m.resetAttempts()
}

func (m *Manager) onSessionEnded(token uint64, err error) {
	if m.sess == nil || token != m.sessToken {
		return
	}
	if err != nil {
		m.log.Info().Err(err).Msg("session failed")
	} else {
		m.log.Info().Msg("session closed")
	}
	s, live := m.sess, m.live
	m.sess, m.live = nil, false
	s.Close()
	if live {
		m.emitRemote(nil)
	}
	m.fire(evEnded)
	m.scheduleRetry()
}

func (m *Manager) onDropped(epoch uint64, err error) {
	if epoch != m.regEpoch || m.reg == nil {
		return
	}
	m.log.Warn().Err(err).Msg("rendezvous channel dropped")
	m.fire(evDropped)
	m.resume()
}

func (m *Manager) resume() {
	if m.destroyed.Load() || m.resuming || m.reg == nil {
		return
	}
	m.resuming = true
	reg, epoch := m.reg, m.regEpoch
	go func() {
		err := reg.Resume(m.ctx)
		m.deliver(func() { m.onResumed(epoch, err) }, nil)
	}()
}

func (m *Manager) onResumed(epoch uint64, err error) {
	if epoch != m.regEpoch {
		return
	}
	m.resuming = false
	if err != nil {
		m.log.Warn().Err(err).Msg("resume failed, re-registering")
		m.scheduleRebuild()
		return
	}
	m.log.Info().Msg("rendezvous channel resumed")
	m.resetAttempts()
	m.afterRegistration(evResumed)
}

func (m *Manager) onRegistrationClosed(epoch uint64) {
	if epoch != m.regEpoch {
		return
	}
	m.log.Warn().Msg("registration closed by rendezvous")
	if !m.live {
		m.fire(evDropped)
	}
	m.scheduleRebuild()
}

// scheduleRetry arms the single session retry timer. It is a no-op while
// a retry or a rebuild is already pending.
func (m *Manager) scheduleRetry() {
	if m.destroyed.Load() || m.retry != nil || m.rebuild != nil {
		return
	}
	d := m.nextDelay("session")
	m.retryGen++
	gen := m.retryGen
	m.retry = m.clock.AfterFunc(d, func() {
		m.deliver(func() { m.onRetry(gen) }, nil)
	})
}

func (m *Manager) onRetry(gen uint64) {
	if gen != m.retryGen || m.retry == nil {
		return
	}
	m.retry = nil
	m.callPartner()
}

// scheduleRebuild drops the current registration and registers again
// after a backoff delay. Live sessions are left alone.
func (m *Manager) scheduleRebuild() {
	if m.destroyed.Load() {
		return
	}
	if m.reg != nil {
		m.reg.Close()
		m.reg = nil
	}
	m.regEpoch++
	m.registering, m.resuming, m.pending = false, false, 0
	if m.rebuild != nil {
		return
	}
	m.stopRetry()
	d := m.nextDelay("registration")
	m.rebuildGen++
	gen := m.rebuildGen
	m.rebuild = m.clock.AfterFunc(d, func() {
		m.deliver(func() { m.onRebuild(gen) }, nil)
	})
}

func (m *Manager) onRebuild(gen uint64) {
	if gen != m.rebuildGen || m.rebuild == nil {
		return
	}
	m.rebuild = nil
	m.register()
}

func (m *Manager) nextDelay(kind string) time.Duration {
	n := m.attempts.Add(1)
	d := m.policy.Next()
	m.metrics.Retry(kind, d)
	m.log.Info().Str("kind", kind).Int64("attempt", n).Dur("delay", d).Msg("reconnect scheduled")
	return d
}

func (m *Manager) resetAttempts() {
	m.attempts.Store(0)
	m.policy.Reset()
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retryGen++
}

func (m *Manager) stopRebuild() {
	if m.rebuild != nil {
		m.rebuild.Stop()
		m.rebuild = nil
	}
	m.rebuildGen++
}

// fire applies ev to the state table and notifies observers. A transition
// to the current state still notifies.
func (m *Manager) fire(ev string) {
	prev := m.machine.Current()
	if err := m.machine.Event(context.Background(), ev); err != nil {
		var same fsm.NoTransitionError
		if !errors.As(err, &same) {
			m.log.Debug().Err(err).Str("event", ev).Str("state", prev).Msg("event ignored")
			return
		}
	}
	next, _ := domain.ParseConnectionState(m.machine.Current())
	m.state.Store(int32(next))
	m.metrics.State(prev, next.String())
	m.log.Info().Str("event", ev).Str("state", next.String()).Msg("state")
	m.emitState(next)
}

func (m *Manager) emitState(s domain.ConnectionState) {
	if m.obs.OnState != nil {
		m.notify(func() { m.obs.OnState(s) })
	}
}

func (m *Manager) emitLocal(media core.LocalMedia) {
	if m.obs.OnLocalMedia != nil {
		m.notify(func() { m.obs.OnLocalMedia(media) })
	}
}

func (m *Manager) emitRemote(rm core.RemoteMedia) {
	if m.obs.OnRemoteMedia != nil {
		m.notify(func() { m.obs.OnRemoteMedia(rm) })
	}
}

func (m *Manager) emitFatal(err error) {
	if m.obs.OnFatal != nil {
		m.notify(func() { m.obs.OnFatal(err) })
	}
}

// notify runs an observer unless Destroy has been called. It only runs on
// the loop goroutine.
func (m *Manager) notify(fn func()) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	if m.destroyed.Load() {
		return
	}
	m.notifying.Store(true)
	defer m.notifying.Store(false)
	fn()
}

// mailbox is an unbounded FIFO feeding the event loop. push never blocks,
// so completions raised from inside loop work cannot deadlock it.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func (q *mailbox) push(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *mailbox) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queue
	q.queue = nil
	return out
}

func (q *mailbox) close() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	out := q.queue
	q.queue = nil
	return out
}
