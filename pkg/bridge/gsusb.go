package bridge

import (
	"context"
	"errors"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/evm100/TritonCAN/pkg/gsusb"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GSUSBBridge runs the gs_usb vendor protocol between a packet USB port
// and the CAN transport.
type GSUSBBridge struct {
	port      tritoncan.PacketPort
	transport *tritoncan.Transport
	engine    *gsusb.Engine

	queue chan gsusb.HostFrame
	stats Stats
	log   *log.Entry
}

func NewGSUSB(port tritoncan.PacketPort, transport *tritoncan.Transport, cfg gsusb.Config) *GSUSBBridge {
	return &GSUSBBridge{
		port:      port,
		transport: transport,
		engine:    gsusb.New(transport, cfg),
		queue:     make(chan gsusb.HostFrame, queueDepth),
		log:       log.WithField("comp", "bridge.gsusb"),
	}
}

func (b *GSUSBBridge) Engine() *gsusb.Engine {
	return b.engine
}

func (b *GSUSBBridge) Stats() *Stats {
	return &b.stats
}

// Control forwards a control transfer to the engine. It is safe to call
// from the USB service context while Run is active and never blocks on
// the controller.
func (b *GSUSBBridge) Control(request uint8, payload []byte) ([]byte, error) {
	return b.engine.Control(request, payload)
}

// Run drives the bridge until the context is cancelled or the port
// fails.
func (b *GSUSBBridge) Run(ctx context.Context) error {
	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		<-ctx.Done()
		b.port.Close()
		return ctx.Err()
	})
	errg.Go(func() error { return b.usbReadLoop(ctx) })
	errg.Go(func() error { return b.canReceiveLoop(ctx) })
	errg.Go(func() error { return b.forwardLoop(ctx) })
	errg.Go(func() error { return b.controlLoop(ctx) })
	err := errg.Wait()
	b.transport.Stop()
	return err
}

// usbReadLoop decodes host bulk frames and hands them to the engine.
// Successful transmissions echo back through the same queue the bus
// receives use, preserving device-to-host ordering.
func (b *GSUSBBridge) usbReadLoop(ctx context.Context) error {
	pkt := make([]byte, gsusb.HostFrameSize)
	for {
		n, err := b.port.ReadPacket(pkt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		echo, err := b.engine.HandleHostFrame(pkt[:n])
		if err != nil {
			b.log.Warnf("host frame: %v", err)
			continue
		}
		if echo != nil {
			b.stats.USBToCAN.Add(1)
			// A lost echo leaks a host transmit slot, so it is worth a
			// louder log than a lost receive.
			if !b.enqueue(*echo) {
				b.log.Errorf("echo 0x%08X dropped, host slot leaked", echo.EchoID)
			}
		}
	}
}

// canReceiveLoop polls the transport while started and queues unsolicited
// receive frames.
func (b *GSUSBBridge) canReceiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !b.engine.Started() || b.transport.Status() != tritoncan.Running {
			time.Sleep(idleSleep)
			continue
		}
		f, ok, err := b.transport.Receive(receivePoll)
		if err != nil {
			if errors.Is(err, tritoncan.ErrNotRunning) {
				time.Sleep(idleSleep)
				continue
			}
			return err
		}
		if !ok {
			continue
		}
		if b.enqueue(b.engine.EncodeReceive(f)) {
			b.stats.CANToUSB.Add(1)
		}
	}
}

// forwardLoop drains the queue into bulk writes, respecting the port's
// flow-control window. When capacity is short the frame is held for the
// next pass instead of blocking.
func (b *GSUSBBridge) forwardLoop(ctx context.Context) error {
	var pending *gsusb.HostFrame
	for {
		if pending == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f := <-b.queue:
				pending = &f
			}
		}
		if b.port.WriteAvailable() < gsusb.HostFrameSize {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(controlPoll):
			}
			continue
		}
		buf, _ := pending.MarshalBinary()
		if _, err := b.port.WritePacket(buf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.log.Warnf("usb write: %v", err)
		}
		pending = nil
	}
}

// controlLoop applies pending host mode changes and runs bus-off
// recovery, the only task allowed to start or stop the transport.
func (b *GSUSBBridge) controlLoop(ctx context.Context) error {
	ticker := time.NewTicker(controlPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := b.engine.ApplyPending(); err != nil {
			b.log.Warnf("mode change: %v", err)
		}
		if b.transport.Status() == tritoncan.BusOff {
			if err := b.transport.Recover(recoveryTimeout); err != nil {
				b.log.Warnf("recovery failed: %v", err)
			} else {
				b.stats.Recoveries.Add(1)
			}
		}
	}
}

func (b *GSUSBBridge) enqueue(f gsusb.HostFrame) bool {
	select {
	case b.queue <- f:
		return true
	default:
		b.stats.Dropped.Add(1)
		return false
	}
}
