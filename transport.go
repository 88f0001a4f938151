package tritoncan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
)

// Status is the transport state machine position.
type Status int32

const (
	Stopped Status = iota
	Running
	BusOff
	Recovering
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case BusOff:
		return "bus-off"
	case Recovering:
		return "recovering"
	}
	return "unknown"
}

// ControllerState is the raw condition reported by the controller driver.
type ControllerState struct {
	Running bool
	BusOff  bool
}

// Controller is the external CAN controller driver contract. Drivers are
// not assumed reentrant across operation types: the bridge partitions
// callers so that no two tasks invoke the same mutating operation.
type Controller interface {
	Install(BitTiming) error
	Start() error
	Stop() error
	Uninstall() error
	// Transmit queues one frame, waiting at most timeout for a free slot.
	Transmit(Frame, time.Duration) error
	// Receive waits at most timeout for a frame. The bool result reports
	// whether a frame arrived, an elapsed timeout is not an error.
	Receive(time.Duration) (Frame, bool, error)
	State() ControllerState
	InitiateRecovery() error
}

// Transport wraps a Controller with the install/start/stop lifecycle and
// the bus-off recovery protocol. Lifecycle calls (ConfigureAndStart, Stop,
// Recover) belong to a single owning task; Transmit and Receive may each
// be driven by one other task.
type Transport struct {
	ctrl      Controller
	mu        sync.Mutex
	installed bool
	status    atomic.Int32
	log       *log.Entry
}

func NewTransport(ctrl Controller) *Transport {
	return &Transport{
		ctrl: ctrl,
		log:  log.WithField("comp", "transport"),
	}
}

func (t *Transport) Status() Status {
	return Status(t.status.Load())
}

func (t *Transport) setStatus(s Status) {
	t.status.Store(int32(s))
}

// ConfigureAndStart stops any running controller, applies the timing and
// starts it. On failure the controller is left uninstalled and Stopped;
// the caller decides whether to retry.
func (t *Transport) ConfigureAndStart(bt BitTiming) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	if err := t.ctrl.Install(bt); err != nil {
		return fmt.Errorf("%w: %v", ErrControllerInstall, err)
	}
	if err := t.ctrl.Start(); err != nil {
		t.ctrl.Uninstall()
		return fmt.Errorf("%w: %v", ErrControllerStart, err)
	}
	t.installed = true
	t.setStatus(Running)
	t.log.Infof("controller started, %s", bt)
	return nil
}

// Stop halts and uninstalls the controller. Stopping a stopped transport
// is a no-op.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Transport) stopLocked() {
	if !t.installed {
		return
	}
	t.ctrl.Stop()
	t.ctrl.Uninstall()
	t.installed = false
	t.setStatus(Stopped)
	t.log.Info("controller stopped")
}

// Transmit queues one frame for transmission. It fails fast with
// ErrNotRunning while the transport is stopped, bus-off or recovering
// rather than blocking out the timeout.
func (t *Transport) Transmit(f Frame, timeout time.Duration) error {
	switch t.Status() {
	case Running:
	case BusOff, Recovering:
		return fmt.Errorf("%w: %s", ErrNotRunning, t.Status())
	default:
		return ErrNotRunning
	}
	if err := t.ctrl.Transmit(f, timeout); err != nil {
		if t.ctrl.State().BusOff {
			t.setStatus(BusOff)
			t.log.Warn("bus-off detected on transmit")
			return fmt.Errorf("%w: bus-off", ErrNotRunning)
		}
		return fmt.Errorf("%w: %v", ErrTransmitTimeout, err)
	}
	return nil
}

// Receive polls for one frame with a bounded timeout so the calling loop
// stays responsive. It also samples the controller condition, which is how
// an asynchronous bus-off is first observed.
func (t *Transport) Receive(timeout time.Duration) (Frame, bool, error) {
	if t.Status() == Stopped {
		return Frame{}, false, ErrNotRunning
	}
	f, ok, err := t.ctrl.Receive(timeout)
	if t.ctrl.State().BusOff && t.Status() == Running {
		t.setStatus(BusOff)
		t.log.Warn("bus-off detected on receive")
	}
	return f, ok, err
}

// Recover runs the bus-off recovery protocol: initiate recovery, poll the
// controller condition until the bus-off flag clears, then restart. A
// transport that is not bus-off is left alone. On timeout the status
// stays BusOff and a later detection will trigger recovery again.
func (t *Transport) Recover(timeout time.Duration) error {
	if t.Status() != BusOff {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ctrl.InitiateRecovery(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecoveryTimeout, err)
	}
	t.setStatus(Recovering)
	t.log.Info("bus-off recovery initiated")

	const pollEvery = 10 * time.Millisecond
	attempts := uint(timeout / pollEvery)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(func() error {
		if t.ctrl.State().BusOff {
			return ErrBusOff
		}
		return nil
	},
		retry.Attempts(attempts),
		retry.Delay(pollEvery),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		t.setStatus(BusOff)
		return fmt.Errorf("%w after %s", ErrRecoveryTimeout, timeout)
	}
	// The controller parks in stopped state once the recovery sequence
	// completes and has to be started again.
	if err := t.ctrl.Start(); err != nil {
		t.setStatus(Stopped)
		return fmt.Errorf("%w: %v", ErrControllerStart, err)
	}
	t.setStatus(Running)
	t.log.Info("bus-off recovery complete")
	return nil
}
