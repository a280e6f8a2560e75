package media

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pion/rtp"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateDelete
)

// Sink sends RTP to one local UDP address, typically a decoder or player.
type Sink struct {
	conn  net.PacketConn
	addr  net.Addr
	state atomic.Int32
	buf   []byte
}

func NewSink(addr string) (*Sink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve sink %s: %w", addr, err)
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("open sink socket: %w", err)
	}
	return &Sink{conn: conn, addr: raddr, buf: make([]byte, mtu)}, nil
}

func (s *Sink) GetState() SinkState {
	return SinkState(s.state.Load())
}

func (s *Sink) MarkDelete() {
	s.state.Store(int32(SinkStateDelete))
}

// WriteRTP is called from a single relay goroutine.
func (s *Sink) WriteRTP(pkt *rtp.Packet) error {
	n, err := pkt.MarshalTo(s.buf)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(s.buf[:n], s.addr)
	return err
}

func (s *Sink) Close() error {
	s.MarkDelete()
	return s.conn.Close()
}
