package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, id domain.PeerID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("id", string(id)).Msg("readPump closing")
		if ctl.Registry.Release(id, c) {
			ctl.Metrics.Active(-1)
		}
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("id", string(id)).Msg("readPump ctx done")
			return
		default:
			if ctl.pingPeriod > 0 {
				_ = c.conn.SetReadDeadline(time.Now().Add(2 * ctl.pingPeriod))
			}
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("id", string(id)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(id, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(id domain.PeerID, c *WsSignalConn, data []byte) {
	m, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("id", string(id)).Msg("bad message")
		ctl.send(c, protocol.Message{Type: protocol.TypeError, Error: "bad_payload"})
		return
	}

	switch {
	case m.Type == protocol.TypePing:
		ctl.handlePing(c)
	case m.Type.Relayed():
		ctl.handleRelay(id, c, m)
	default:
		log.Warn().Str("module", "signal").Str("type", string(m.Type)).Msg("unknown signal")
		ctl.send(c, protocol.Message{Type: protocol.TypeError, Error: "unknown_type"})
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, m protocol.Message) {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = c.TrySend(b)
}
