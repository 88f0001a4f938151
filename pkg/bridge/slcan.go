package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/evm100/TritonCAN/pkg/slcan"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// SLCANBridge runs the Lawicel line protocol between a byte-stream USB
// port and the CAN transport.
type SLCANBridge struct {
	port      tritoncan.StreamPort
	transport *tritoncan.Transport
	engine    *slcan.Engine

	queue chan tritoncan.Frame
	stats Stats
	wmu   sync.Mutex
	log   *log.Entry
}

func NewSLCAN(port tritoncan.StreamPort, transport *tritoncan.Transport, cfg slcan.Config) *SLCANBridge {
	return &SLCANBridge{
		port:      port,
		transport: transport,
		engine:    slcan.New(transport, cfg),
		queue:     make(chan tritoncan.Frame, queueDepth),
		log:       log.WithField("comp", "bridge.slcan"),
	}
}

func (b *SLCANBridge) Engine() *slcan.Engine {
	return b.engine
}

func (b *SLCANBridge) Stats() *Stats {
	return &b.stats
}

// Run drives the bridge until the context is cancelled or the port
// fails. The transport is stopped on the way out.
func (b *SLCANBridge) Run(ctx context.Context) error {
	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		// Unblock the reader when the context goes away.
		<-ctx.Done()
		b.port.Close()
		return ctx.Err()
	})
	errg.Go(func() error { return b.readLoop(ctx) })
	errg.Go(func() error { return b.canReceiveLoop(ctx) })
	errg.Go(func() error { return b.writeLoop(ctx) })
	err := errg.Wait()
	b.transport.Stop()
	return err
}

// readLoop is the USB service task: it assembles lines from the stream,
// feeds the engine and answers with the response or the bell.
func (b *SLCANBridge) readLoop(ctx context.Context) error {
	var splitter slcan.LineSplitter
	buf := make([]byte, 64)
	for {
		n, err := b.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, line := range splitter.Feed(buf[:n]) {
			resp, err := b.engine.ProcessLine(line)
			if err != nil {
				b.log.Warnf("%q: %v", line, err)
				b.write(slcan.Nack())
				continue
			}
			if isFrameLine(line) {
				b.stats.USBToCAN.Add(1)
			}
			if len(resp) > 0 {
				b.write(resp)
			}
		}
	}
}

func isFrameLine(line []byte) bool {
	switch line[0] {
	case 't', 'T', 'r', 'R':
		return true
	}
	return false
}

// canReceiveLoop polls the transport while the session is open and
// queues received frames for the writer. It also owns bus-off recovery.
func (b *SLCANBridge) canReceiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !b.engine.IsOpen() {
			time.Sleep(idleSleep)
			continue
		}
		if b.transport.Status() == tritoncan.BusOff {
			if err := b.transport.Recover(recoveryTimeout); err != nil {
				b.log.Warnf("recovery failed: %v", err)
			} else {
				b.stats.Recoveries.Add(1)
			}
			continue
		}
		f, ok, err := b.transport.Receive(receivePoll)
		if err != nil {
			// Session closed under us, the open check will idle.
			if errors.Is(err, tritoncan.ErrNotRunning) {
				time.Sleep(idleSleep)
				continue
			}
			return err
		}
		if !ok {
			continue
		}
		select {
		case b.queue <- f:
		default:
			b.stats.Dropped.Add(1)
			b.log.Warnf("%v: 0x%X", tritoncan.ErrDroppedFrame, f.Identifier)
		}
	}
}

// writeLoop drains the queue into outgoing SLCAN lines.
func (b *SLCANBridge) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-b.queue:
			b.write(slcan.Marshal(f))
			b.stats.CANToUSB.Add(1)
		}
	}
}

// write serializes access to the port: command responses and forwarded
// frames share one stream.
func (b *SLCANBridge) write(p []byte) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.port.Write(p); err != nil {
		b.log.Warnf("usb write: %v", err)
	}
}
