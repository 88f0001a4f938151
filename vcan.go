package tritoncan

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	errNotInstalled     = errors.New("vcan: controller not installed")
	errAlreadyInstalled = errors.New("vcan: controller already installed")
	errNotStarted       = errors.New("vcan: controller not started")
)

// VirtualBus is an in-memory CAN bus. Every controller attached to it
// receives the frames transmitted by the others, which is enough to run
// the whole bridge without hardware.
type VirtualBus struct {
	mu    sync.Mutex
	ctrls []*VirtualController
}

func NewVirtualBus() *VirtualBus {
	return &VirtualBus{}
}

// NewController attaches a new controller to the bus.
func (b *VirtualBus) NewController() *VirtualController {
	c := &VirtualController{
		bus:           b,
		rx:            make(chan Frame, 128),
		RecoveryDelay: 20 * time.Millisecond,
	}
	b.mu.Lock()
	b.ctrls = append(b.ctrls, c)
	b.mu.Unlock()
	return c
}

func (b *VirtualBus) broadcast(from *VirtualController, f Frame) {
	b.mu.Lock()
	peers := make([]*VirtualController, len(b.ctrls))
	copy(peers, b.ctrls)
	b.mu.Unlock()
	for _, c := range peers {
		if c != from {
			c.deliver(f)
		}
	}
}

// VirtualController implements Controller on a VirtualBus. The fault
// fields let tests inject install/start failures and force bus-off.
type VirtualController struct {
	bus *VirtualBus

	mu         sync.Mutex
	timing     BitTiming
	installed  bool
	started    bool
	busOff     bool
	recovering bool
	recoverAt  time.Time

	rx      chan Frame
	dropped atomic.Uint32

	// RecoveryDelay is how long a recovery sequence takes to complete.
	RecoveryDelay time.Duration
	// InstallErr and StartErr are returned verbatim by Install and Start
	// when set.
	InstallErr error
	StartErr   error
}

func (c *VirtualController) Install(bt BitTiming) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InstallErr != nil {
		return c.InstallErr
	}
	if c.installed {
		return errAlreadyInstalled
	}
	c.timing = bt
	c.installed = true
	return nil
}

func (c *VirtualController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.StartErr != nil {
		return c.StartErr
	}
	if !c.installed {
		return errNotInstalled
	}
	c.started = true
	c.busOff = false
	return nil
}

func (c *VirtualController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *VirtualController) Uninstall() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed = false
	c.started = false
	return nil
}

func (c *VirtualController) Transmit(f Frame, timeout time.Duration) error {
	c.mu.Lock()
	ok := c.started && !c.busOff
	c.mu.Unlock()
	if !ok {
		return errNotStarted
	}
	c.bus.broadcast(c, f)
	return nil
}

func (c *VirtualController) Receive(timeout time.Duration) (Frame, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-c.rx:
		return f, true, nil
	case <-timer.C:
		return Frame{}, false, nil
	}
}

func (c *VirtualController) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busOff && c.recovering && time.Now().After(c.recoverAt) {
		// Recovery sequence finished, controller parks in stopped state.
		c.busOff = false
		c.recovering = false
		c.started = false
	}
	return ControllerState{
		Running: c.started && !c.busOff,
		BusOff:  c.busOff,
	}
}

func (c *VirtualController) InitiateRecovery() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.busOff {
		return nil
	}
	c.recovering = true
	c.recoverAt = time.Now().Add(c.RecoveryDelay)
	c.started = false
	return nil
}

// SetBusOff forces the controller into the bus-off condition, as excessive
// transmit errors would on real hardware.
func (c *VirtualController) SetBusOff() {
	c.mu.Lock()
	c.busOff = true
	c.recovering = false
	c.mu.Unlock()
}

// Dropped reports how many received frames were discarded because the
// receive queue was full.
func (c *VirtualController) Dropped() uint32 {
	return c.dropped.Load()
}

func (c *VirtualController) deliver(f Frame) {
	c.mu.Lock()
	listening := c.started && !c.busOff
	c.mu.Unlock()
	if !listening {
		return
	}
	select {
	case c.rx <- f:
	default:
		c.dropped.Add(1)
	}
}
