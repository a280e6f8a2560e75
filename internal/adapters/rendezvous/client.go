// Package rendezvous is the websocket client for the rendezvous service.
// It registers identities, carries offers and answers for sessions and
// builds the peer connections through the rtc adapter.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/adapters/rtc"
	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

var ErrRejected = errors.New("rendezvous rejected registration")

type Client struct {
	url         string
	factory     *rtc.Factory
	dialer      *websocket.Dialer
	pingPeriod  time.Duration
	dialTimeout time.Duration
	sendQueue   int
	log         zerolog.Logger

	mu   sync.Mutex
	regs map[domain.PeerID]*registration // latest per identity
}

type Option func(*Client)

func WithPingPeriod(d time.Duration) Option {
	return func(c *Client) { c.pingPeriod = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(rawURL string, factory *rtc.Factory, opts ...Option) *Client {
	c := &Client{
		url:         rawURL,
		factory:     factory,
		dialer:      websocket.DefaultDialer,
		pingPeriod:  25 * time.Second,
		dialTimeout: 10 * time.Second,
		sendQueue:   32,
		log:         log.With().Str("module", "rendezvous").Logger(),
		regs:        make(map[domain.PeerID]*registration),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Register(ctx context.Context, id domain.PeerID, h core.RegistrationHandler) (core.Registration, error) {
	r := &registration{
		client:   c,
		id:       id,
		h:        h,
		sessions: make(map[string]*session),
		log:      c.log.With().Str("self", string(id)).Logger(),
	}
	conn, err := c.dial(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev := c.regs[id]
	c.regs[id] = r
	c.mu.Unlock()
	// established sessions of the previous registration keep signaling
	// through this one
	if prev != nil {
		for _, s := range prev.handOver() {
			s.moveTo(r)
		}
	}
	r.attach(conn)
	return r, nil
}

// dial opens a channel for id and waits for the service's verdict.
func (c *Client) dial(ctx context.Context, id domain.PeerID) (*wsConn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("rendezvous url: %w", err)
	}
	q := u.Query()
	q.Set("id", string(id))
	u.RawQuery = q.Encode()

	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("%w: http %d", ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial rendezvous: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("read open: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	m, err := protocol.Decode(data)
	if err != nil {
		ws.Close()
		return nil, err
	}
	switch m.Type {
	case protocol.TypeOpen:
		return newWsConn(ws, c.sendQueue, c.log.With().Str("self", string(id)).Logger()), nil
	case protocol.TypeIDTaken:
		ws.Close()
		return nil, core.ErrIdentityInUse
	default:
		ws.Close()
		return nil, fmt.Errorf("%w: unexpected %q", ErrRejected, m.Type)
	}
}
