//go:build linux

package tritoncan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

// Linux can_id flag bits.
const (
	canEFFFlag uint32 = 0x80000000
	canRTRFlag uint32 = 0x40000000
	canSFFMask uint32 = 0x000007FF
	canEFFMask uint32 = 0x1FFFFFFF
)

// SocketCANController implements Controller on a Linux socketcan
// interface, letting the bridge front a real (or virtual) kernel CAN
// device instead of raw hardware.
type SocketCANController struct {
	iface string

	mu      sync.Mutex
	bus     *can.Bus
	running bool

	rx      chan Frame
	dropped atomic.Uint32
	log     *log.Entry
}

func NewSocketCANController(iface string) *SocketCANController {
	return &SocketCANController{
		iface: iface,
		rx:    make(chan Frame, 128),
		log:   log.WithField("comp", "socketcan"),
	}
}

// Install opens the interface. Bit timing is owned by the kernel device
// (configured with `ip link set ... type can bitrate ...`), so the
// requested quadruple is only logged.
func (c *SocketCANController) Install(bt BitTiming) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus != nil {
		return fmt.Errorf("socketcan: %s already open", c.iface)
	}
	bus, err := can.NewBusForInterfaceWithName(c.iface)
	if err != nil {
		return fmt.Errorf("socketcan: open %s: %w", c.iface, err)
	}
	c.bus = bus
	bus.Subscribe(c)
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			c.log.Warnf("publish loop ended: %v", err)
		}
	}()
	c.log.Infof("opened %s, bit timing %s is owned by the kernel interface", c.iface, bt)
	return nil
}

func (c *SocketCANController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return fmt.Errorf("socketcan: %s not open", c.iface)
	}
	c.running = true
	return nil
}

func (c *SocketCANController) Stop() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

func (c *SocketCANController) Uninstall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return nil
	}
	err := c.bus.Disconnect()
	c.bus = nil
	c.running = false
	return err
}

func (c *SocketCANController) Transmit(f Frame, timeout time.Duration) error {
	c.mu.Lock()
	bus, running := c.bus, c.running
	c.mu.Unlock()
	if bus == nil || !running {
		return fmt.Errorf("socketcan: %s not started", c.iface)
	}
	id := f.Identifier
	if f.Extended {
		id = (id & canEFFMask) | canEFFFlag
	} else {
		id &= canSFFMask
	}
	if f.Remote {
		id |= canRTRFlag
	}
	return bus.Publish(can.Frame{
		ID:     id,
		Length: f.Length,
		Data:   f.Data,
	})
}

func (c *SocketCANController) Receive(timeout time.Duration) (Frame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-c.rx:
		return f, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	}
}

// Handle implements the brutella/can frame handler.
func (c *SocketCANController) Handle(frame can.Frame) {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return
	}
	f := Frame{
		Extended: frame.ID&canEFFFlag != 0,
		Remote:   frame.ID&canRTRFlag != 0,
		Length:   frame.Length,
		Data:     frame.Data,
	}
	if f.Extended {
		f.Identifier = frame.ID & canEFFMask
	} else {
		f.Identifier = frame.ID & canSFFMask
	}
	select {
	case c.rx <- f:
	default:
		c.dropped.Add(1)
	}
}

// State never reports bus-off: the kernel driver handles its own error
// states and restarts.
func (c *SocketCANController) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerState{Running: c.running}
}

func (c *SocketCANController) InitiateRecovery() error {
	return nil
}
