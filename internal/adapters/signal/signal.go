package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/app"
	"github.com/aayush-trivedi/ambient/internal/config"
	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/metrics"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

// SignalWSController serves the rendezvous websocket: it registers
// identities and relays session messages between them.
type SignalWSController struct {
	Registry *app.Registry
	Policy   app.Policy
	Limiter  *RateLimiter
	Metrics  *metrics.Server

	readLimit  int64
	pingPeriod time.Duration
	sendQueue  int
}

func NewSignalWSController(cfg *config.Config, reg *app.Registry, policy app.Policy, limiter *RateLimiter, m *metrics.Server) *SignalWSController {
	return &SignalWSController{
		Registry:   reg,
		Policy:     policy,
		Limiter:    limiter,
		Metrics:    m,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		sendQueue:  cfg.SendQueue,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id, err := domain.ParsePeerID(c.Query("id"))
	if err != nil {
		ctl.Metrics.Registration("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(id) {
		ctl.Metrics.Registration("rate_limited")
		log.Warn().Str("module", "signal").Str("id", string(id)).Msg("registration rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.readLimit > 0 {
		ws.SetReadLimit(ctl.readLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, max(ctl.sendQueue, 1)),
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Registry.Claim(id, conn, cancel); err != nil {
		cancel()
		ctl.Metrics.Registration("id_taken")
		ctl.rejectTaken(ws, id)
		return
	}
	ctl.Metrics.Registration("open")
	ctl.Metrics.Active(1)
	log.Info().Str("module", "signal").Str("id", string(id)).Msg("new WS connection")

	ctl.send(conn, protocol.Message{Type: protocol.TypeOpen, Dst: id})
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, id, conn)
}

// rejectTaken writes id-taken straight to the socket, no pumps are running
// for a connection that never got an identity.
func (ctl *SignalWSController) rejectTaken(ws *websocket.Conn, id domain.PeerID) {
	defer ws.Close()
	b, err := protocol.Encode(protocol.Message{Type: protocol.TypeIDTaken, Dst: id})
	if err != nil {
		return
	}
	if err := ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("id", string(id)).Msg("write id-taken")
	}
}
