package signal

import "github.com/aayush-trivedi/ambient/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, protocol.Message{Type: protocol.TypePong})
}
