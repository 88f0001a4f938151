package bridge

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/evm100/TritonCAN/pkg/gsusb"
	"github.com/evm100/TritonCAN/pkg/slcan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// readLine reads one CR-terminated response from the host side of the
// pipe. A lone CR ack comes back as the empty string.
func readLine(t *testing.T, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out []byte
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		require.NoError(t, err)
		if buf[0] == slcan.CR || buf[0] == slcan.Bell {
			return string(append(out, buf[0]))
		}
		out = append(out, buf[0])
	}
}

func hostWrite(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	_, err := conn.Write([]byte(s))
	require.NoError(t, err)
}

type slcanRig struct {
	host net.Conn
	b    *SLCANBridge
	ctrl *tritoncan.VirtualController
	peer *tritoncan.VirtualController
}

func newSLCANRig(t *testing.T) slcanRig {
	t.Helper()
	host, dev := tritoncan.NewPipePort()
	bus := tritoncan.NewVirtualBus()
	ctrl := bus.NewController()
	peer := bus.NewController()
	bt, err := tritoncan.TimingForBitrate(500_000)
	require.NoError(t, err)
	require.NoError(t, peer.Install(bt))
	require.NoError(t, peer.Start())

	b := NewSLCAN(dev, tritoncan.NewTransport(ctrl), slcan.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		host.(net.Conn).Close()
		<-done
	})
	return slcanRig{host: host.(net.Conn), b: b, ctrl: ctrl, peer: peer}
}

func TestSLCANBridgeSession(t *testing.T) {
	rig := newSLCANRig(t)

	hostWrite(t, rig.host, "O\r")
	assert.Equal(t, "\r", readLine(t, rig.host))
	require.True(t, rig.b.Engine().IsOpen())

	// Host to bus.
	hostWrite(t, rig.host, "t1232AABB\r")
	assert.Equal(t, "\r", readLine(t, rig.host))
	f, ok, err := rig.peer.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x123), f.Identifier)
	assert.Equal(t, []byte{0xAA, 0xBB}, f.Payload())
	assert.Equal(t, uint32(1), rig.b.Stats().USBToCAN.Load())

	// Bus to host.
	require.NoError(t, rig.peer.Transmit(tritoncan.NewExtendedFrame(0x1200FD01, []byte{0x01}), 0))
	assert.Equal(t, "T1200FD01101\r", readLine(t, rig.host))
	assert.Equal(t, uint32(1), rig.b.Stats().CANToUSB.Load())

	hostWrite(t, rig.host, "C\r")
	assert.Equal(t, "\r", readLine(t, rig.host))
	assert.False(t, rig.b.Engine().IsOpen())
}

func TestSLCANBridgeBellOnError(t *testing.T) {
	rig := newSLCANRig(t)

	hostWrite(t, rig.host, "X\r")
	assert.Equal(t, "\a", readLine(t, rig.host))

	// A transmit outside an open session is refused the same way.
	hostWrite(t, rig.host, "t1230\r")
	assert.Equal(t, "\a", readLine(t, rig.host))

	// The stream keeps working afterwards.
	hostWrite(t, rig.host, "V\r")
	assert.Equal(t, "V1100\r", readLine(t, rig.host))
}

func TestSLCANBridgeBusOffRecovery(t *testing.T) {
	rig := newSLCANRig(t)

	hostWrite(t, rig.host, "O\r")
	assert.Equal(t, "\r", readLine(t, rig.host))

	rig.ctrl.SetBusOff()
	// Make the condition observable, then let the bridge recover.
	hostWrite(t, rig.host, "t0010\r")
	assert.Equal(t, "\a", readLine(t, rig.host))
	eventually(t, func() bool { return rig.b.Stats().Recoveries.Load() > 0 }, "no recovery")
	eventually(t, func() bool { return rig.b.transport.Status() == tritoncan.Running }, "not running after recovery")

	hostWrite(t, rig.host, "t0010\r")
	assert.Equal(t, "\r", readLine(t, rig.host))
	_, ok, err := rig.peer.Receive(time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func newGSUSBRig(t *testing.T, depth int) (*tritoncan.MemPacketPort, *GSUSBBridge, *tritoncan.VirtualController) {
	t.Helper()
	port := tritoncan.NewMemPacketPort(gsusb.HostFrameSize, depth)
	bus := tritoncan.NewVirtualBus()
	ctrl := bus.NewController()
	peer := bus.NewController()
	bt, err := tritoncan.TimingForBitrate(500_000)
	require.NoError(t, err)
	require.NoError(t, peer.Install(bt))
	require.NoError(t, peer.Start())

	b := NewGSUSB(port, tritoncan.NewTransport(ctrl), gsusb.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return port, b, peer
}

func startGSUSB(t *testing.T, b *GSUSBBridge) {
	t.Helper()
	bt, err := tritoncan.TimingForBitrate(500_000)
	require.NoError(t, err)
	timing := gsusb.DeviceBitTiming{
		PropSeg:   bt.PropSeg,
		PhaseSeg1: bt.PhaseSeg1,
		PhaseSeg2: bt.PhaseSeg2,
		SJW:       bt.SJW,
		BRP:       bt.BRP,
	}
	_, err = b.Control(gsusb.RequestBitTiming, controlPayload(t, timing))
	require.NoError(t, err)
	_, err = b.Control(gsusb.RequestMode, controlPayload(t, gsusb.DeviceMode{Mode: gsusb.ModeStart}))
	require.NoError(t, err)
	eventually(t, b.Engine().Started, "controller did not start")
}

func controlPayload(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	return buf.Bytes()
}

func readHostFrame(t *testing.T, port *tritoncan.MemPacketPort) gsusb.HostFrame {
	t.Helper()
	select {
	case pkt := <-port.Out:
		var hf gsusb.HostFrame
		require.NoError(t, hf.UnmarshalBinary(pkt))
		return hf
	case <-time.After(2 * time.Second):
		t.Fatal("no device-to-host frame")
		return gsusb.HostFrame{}
	}
}

func TestGSUSBBridgeEchoAndReceive(t *testing.T) {
	port, b, peer := newGSUSBRig(t, 8)
	startGSUSB(t, b)

	hf := gsusb.HostFrame{EchoID: 0x42, CANID: 0x123, DLC: 2, Data: [8]byte{0xAA, 0xBB}}
	pkt, _ := hf.MarshalBinary()
	port.In <- pkt

	echo := readHostFrame(t, port)
	assert.Equal(t, uint32(0x42), echo.EchoID)
	assert.Equal(t, hf.CANID, echo.CANID)

	f, ok, err := peer.Receive(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(0x123), f.Identifier)

	require.NoError(t, peer.Transmit(tritoncan.NewFrame(0x456, []byte{0x01}), 0))
	rx := readHostFrame(t, port)
	assert.Equal(t, gsusb.EchoUnsolicited, rx.EchoID)
	assert.Equal(t, uint32(0x456), rx.CANID)
	assert.Equal(t, uint8(1), rx.DLC)

	// Host resets the device, further host frames are dropped silently.
	_, err = b.Control(gsusb.RequestMode, controlPayload(t, gsusb.DeviceMode{Mode: gsusb.ModeReset}))
	require.NoError(t, err)
	eventually(t, func() bool { return !b.Engine().Started() }, "controller did not stop")
	port.In <- pkt
	eventually(t, func() bool { return b.Engine().DroppedTx() > 0 }, "host frame not dropped")
}

func TestGSUSBBridgeFlowControl(t *testing.T) {
	port, b, peer := newGSUSBRig(t, 1)
	startGSUSB(t, b)

	// Two bus receives with a one-packet host window: the second frame is
	// held until the host drains the first.
	require.NoError(t, peer.Transmit(tritoncan.NewFrame(0x100, nil), 0))
	first := readHostFrame(t, port)
	require.NoError(t, peer.Transmit(tritoncan.NewFrame(0x200, nil), 0))

	second := readHostFrame(t, port)
	got := []uint32{first.CANID, second.CANID}
	assert.Equal(t, []uint32{0x100, 0x200}, got)
	assert.Zero(t, b.Stats().Dropped.Load())
}

func TestEnqueueDropsNewest(t *testing.T) {
	b := &GSUSBBridge{queue: make(chan gsusb.HostFrame, 2)}
	require.True(t, b.enqueue(gsusb.HostFrame{CANID: 1}))
	require.True(t, b.enqueue(gsusb.HostFrame{CANID: 2}))
	assert.False(t, b.enqueue(gsusb.HostFrame{CANID: 3}))
	assert.Equal(t, uint32(1), b.Stats().Dropped.Load())

	f := <-b.queue
	assert.Equal(t, uint32(1), f.CANID, "oldest frame survives")
}
