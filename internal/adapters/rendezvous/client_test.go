package rendezvous

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aayush-trivedi/ambient/internal/adapters/rtc"
	"github.com/aayush-trivedi/ambient/internal/adapters/signal"
	"github.com/aayush-trivedi/ambient/internal/app"
	"github.com/aayush-trivedi/ambient/internal/config"
	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/metrics"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

const (
	host  = domain.PeerID("room1-host")
	guest = domain.PeerID("room1-guest")
)

type harness struct {
	srv    *httptest.Server
	reg    *app.Registry
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{ReadLimit: 1 << 20, PingPeriod: 5 * time.Second, SendQueue: 16}
	reg := app.NewRegistry()
	ctl := signal.NewSignalWSController(cfg, reg, app.SimplePolicy{}, nil, metrics.NewServer(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	factory, err := rtc.NewFactory(webrtc.Configuration{}, zerolog.Nop())
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return &harness{
		srv:    srv,
		reg:    reg,
		client: NewClient(url, factory, WithLogger(zerolog.Nop()), WithPingPeriod(time.Second)),
	}
}

// events collects registration callbacks.
type events struct {
	inbound chan core.InboundRequest
	dropped chan error
	closed  chan struct{}
}

func newEvents() *events {
	return &events{
		inbound: make(chan core.InboundRequest, 4),
		dropped: make(chan error, 4),
		closed:  make(chan struct{}, 4),
	}
}

func (e *events) handler() core.RegistrationHandler {
	return core.RegistrationHandler{
		OnInbound: func(in core.InboundRequest) { e.inbound <- in },
		OnDropped: func(err error) { e.dropped <- err },
		OnClosed:  func() { e.closed <- struct{}{} },
	}
}

func (h *harness) register(t *testing.T, id domain.PeerID, e *events) core.Registration {
	t.Helper()
	r, err := h.client.Register(context.Background(), id, e.handler())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.Eventually(t, func() bool {
		_, ok := h.reg.Lookup(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return r
}

func TestRegisterIdentityInUse(t *testing.T) {
	h := newHarness(t)
	h.register(t, host, newEvents())

	_, err := h.client.Register(context.Background(), host, newEvents().handler())
	require.ErrorIs(t, err, core.ErrIdentityInUse)
}

func TestRegisterAfterCloseReleasesIdentity(t *testing.T) {
	h := newHarness(t)
	r := h.register(t, host, newEvents())
	r.Close()

	require.Eventually(t, func() bool {
		return h.reg.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
	h.register(t, host, newEvents())
}

func TestRequestSessionPartnerUnreachable(t *testing.T) {
	h := newHarness(t)
	r := h.register(t, host, newEvents())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.RequestSession(ctx, guest, nil)
	require.ErrorIs(t, err, core.ErrPartnerUnreachable)
}

// establish has host call guest and waits for guest to accept.
func establish(t *testing.T, hostReg core.Registration, guestEv *events) (out, in core.Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accepted := make(chan core.Session, 1)
	go func() {
		req := <-guestEv.inbound
		if req.Peer() != host {
			return
		}
		s, err := req.Accept(ctx, nil)
		if err == nil {
			accepted <- s
		}
	}()

	out, err := hostReg.RequestSession(ctx, guest, nil)
	require.NoError(t, err)
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("guest never accepted")
	}
	return out, in
}

func endedChan(s core.Session) chan struct{} {
	ended := make(chan struct{}, 1)
	s.Observe(core.SessionHandler{
		OnClosed: func() { ended <- struct{}{} },
		OnError:  func(error) { ended <- struct{}{} },
	})
	return ended
}

func TestSessionOfferAnswerAndLeave(t *testing.T) {
	h := newHarness(t)
	hostReg := h.register(t, host, newEvents())
	guestEv := newEvents()
	h.register(t, guest, guestEv)

	out, in := establish(t, hostReg, guestEv)
	assert.Equal(t, guest, out.Peer())
	assert.Equal(t, out.ID(), in.ID())
	assert.Equal(t, host, in.Peer())

	ended := endedChan(in)
	out.Close()

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("guest session not ended after leave")
	}
}

func TestSessionSurvivesReRegistration(t *testing.T) {
	h := newHarness(t)
	oldReg := h.register(t, host, newEvents())
	guestEv := newEvents()
	h.register(t, guest, guestEv)
	out, _ := establish(t, oldReg, guestEv)

	oldReg.Close()
	require.Eventually(t, func() bool { return h.reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	newReg := h.register(t, host, newEvents())

	s := out.(*session)
	assert.Same(t, newReg, s.registration())
	assert.Same(t, s, newReg.(*registration).lookup(out.ID()))
	assert.Nil(t, oldReg.(*registration).lookup(out.ID()))

	// the partner's leave now arrives on the new registration
	ended := endedChan(out)
	newReg.(*registration).dispatch(protocol.Message{Type: protocol.TypeLeave, Src: guest, Session: out.ID()})
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("leave not routed to the moved session")
	}
}

func TestKickReportsClosed(t *testing.T) {
	h := newHarness(t)
	e := newEvents()
	h.register(t, host, e)

	require.True(t, h.reg.Kick(host))
	select {
	case <-e.closed:
	case err := <-e.dropped:
		t.Fatalf("expected close, got drop: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no close reported")
	}
}

func TestDroppedChannelResumes(t *testing.T) {
	h := newHarness(t)
	e := newEvents()
	r := h.register(t, host, e)

	// break the socket without a close handshake
	r.(*registration).conn.conn.UnderlyingConn().Close()
	select {
	case err := <-e.dropped:
		require.ErrorIs(t, err, core.ErrChannelDropped)
	case <-time.After(2 * time.Second):
		t.Fatal("no drop reported")
	}
	require.True(t, r.Disconnected())

	_, err := r.RequestSession(context.Background(), guest, nil)
	require.ErrorIs(t, err, core.ErrChannelDropped)

	require.Eventually(t, func() bool {
		return r.Resume(context.Background()) == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.False(t, r.Disconnected())
}
