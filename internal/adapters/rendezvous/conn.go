package rendezvous

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aayush-trivedi/ambient/internal/core"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

// wsConn is one signaling channel. It is replaced, never reopened, when
// the registration resumes.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	closing bool // closed by us, read errors are expected
}

func newWsConn(ws *websocket.Conn, queue int, log zerolog.Logger) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:   ws,
		send:   make(chan core.Frame, queue),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *wsConn) TrySend(f core.Frame) error {
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

// Close shuts the channel down from our side.
func (c *wsConn) Close() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.shutdown()
}

func (c *wsConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) closedByUs() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

func (c *wsConn) writePump(pingPeriod time.Duration) {
	var tick <-chan time.Time
	if pingPeriod > 0 {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	ping, _ := protocol.Encode(protocol.Message{Type: protocol.TypePing})

	for {
		var data []byte
		select {
		case <-c.ctx.Done():
			return
		case <-tick:
			data = ping
		case f, ok := <-c.send:
			if !ok {
				return
			}
			data = f
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Error().Err(err).Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn().Err(err).Msg("writePump write error")
			return
		}
	}
}

// readPump feeds decoded messages to dispatch until the socket fails, then
// reports the error to lost unless we closed the channel ourselves.
func (c *wsConn) readPump(dispatch func(protocol.Message), lost func(error)) {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closedByUs() {
				lost(err)
			}
			return
		}
		m, err := protocol.Decode(data)
		if err != nil {
			c.log.Error().Err(err).Msg("bad message")
			continue
		}
		dispatch(m)
	}
}
