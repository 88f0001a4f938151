package tritoncan

import (
	"io"
	"net"
	"sync"
)

// StreamPort is the byte-stream (CDC-ACM style) side of the USB
// transport. A go.bug.st/serial Port satisfies it directly.
type StreamPort = io.ReadWriteCloser

// NewPipePort returns two connected in-memory stream ports, host side
// first. Used by tests and the loopback demo.
func NewPipePort() (StreamPort, StreamPort) {
	a, b := net.Pipe()
	return a, b
}

// PacketPort is the vendor bulk-endpoint side of the USB transport.
// WriteAvailable is the flow-control query: writers must not submit a
// packet larger than the reported capacity and defer instead.
type PacketPort interface {
	// ReadPacket blocks until one host packet is available and copies it
	// into p.
	ReadPacket(p []byte) (int, error)
	WritePacket(p []byte) (int, error)
	WriteAvailable() int
	Close() error
}

// MemPacketPort is an in-memory PacketPort with a bounded device-to-host
// window so tests can exercise the flow-control defer path. The host side
// pushes into In and drains Out.
type MemPacketPort struct {
	In  chan []byte
	Out chan []byte

	packetSize int
	closeOnce  sync.Once
	closed     chan struct{}
}

func NewMemPacketPort(packetSize, depth int) *MemPacketPort {
	return &MemPacketPort{
		In:         make(chan []byte, depth),
		Out:        make(chan []byte, depth),
		packetSize: packetSize,
		closed:     make(chan struct{}),
	}
}

func (m *MemPacketPort) ReadPacket(p []byte) (int, error) {
	select {
	case pkt := <-m.In:
		return copy(p, pkt), nil
	case <-m.closed:
		return 0, ErrClosed
	}
}

func (m *MemPacketPort) WritePacket(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, ErrClosed
	default:
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case m.Out <- cp:
		return len(p), nil
	default:
		return 0, ErrDroppedFrame
	}
}

func (m *MemPacketPort) WriteAvailable() int {
	return (cap(m.Out) - len(m.Out)) * m.packetSize
}

func (m *MemPacketPort) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// StreamPacketPort frames fixed-size packets onto a byte stream, so the
// gs_usb bridge can run over a serial port or pipe where no real bulk
// endpoints exist.
type StreamPacketPort struct {
	stream     StreamPort
	packetSize int
	wmu        sync.Mutex
}

func NewStreamPacketPort(stream StreamPort, packetSize int) *StreamPacketPort {
	return &StreamPacketPort{stream: stream, packetSize: packetSize}
}

func (s *StreamPacketPort) ReadPacket(p []byte) (int, error) {
	if len(p) < s.packetSize {
		return 0, io.ErrShortBuffer
	}
	return io.ReadFull(s.stream, p[:s.packetSize])
}

func (s *StreamPacketPort) WritePacket(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.stream.Write(p)
}

// WriteAvailable always reports one packet: the underlying stream applies
// its own backpressure.
func (s *StreamPacketPort) WriteAvailable() int {
	return s.packetSize
}

func (s *StreamPacketPort) Close() error {
	return s.stream.Close()
}
