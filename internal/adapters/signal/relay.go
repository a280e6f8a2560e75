package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/aayush-trivedi/ambient/internal/app"
	"github.com/aayush-trivedi/ambient/internal/domain"
	"github.com/aayush-trivedi/ambient/internal/protocol"
)

// handleRelay forwards m to its destination with src stamped. A
// destination that is not registered is answered with expire.
func (ctl *SignalWSController) handleRelay(src domain.PeerID, conn *WsSignalConn, m protocol.Message) {
	if m.Dst == "" {
		ctl.send(conn, protocol.Message{Type: protocol.TypeError, Error: "missing_dst"})
		return
	}
	dst, ok := ctl.Registry.Lookup(m.Dst)
	if !ok {
		if m.Type == protocol.TypeLeave {
			return
		}
		ctl.Metrics.Expired()
		log.Debug().Str("module", "signal").Str("src", string(src)).Str("dst", string(m.Dst)).Msg("destination not registered")
		ctl.send(conn, protocol.Message{Type: protocol.TypeExpire, Src: m.Dst, Session: m.Session})
		return
	}

	m.Src = src
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("relay marshal")
		return
	}
	if err := dst.TrySend(b); err != nil {
		logger := log.With().Str("module", "signal").Str("dst", string(m.Dst)).Str("type", string(m.Type)).Logger()
		if !errors.Is(err, ErrBackpressure) {
			logger.Debug().Err(err).Msg("relay to closed connection")
			return
		}
		switch ctl.Policy.OnBackPressure(m.Dst, m.Type) {
		case app.KickPeer:
			logger.Warn().Msg("send queue full, kicking")
			ctl.Metrics.Kicked()
			ctl.Registry.Kick(m.Dst)
		case app.DropFrame:
			logger.Debug().Msg("send queue full, dropped")
		}
		return
	}
	ctl.Metrics.Relayed(string(m.Type))
}
