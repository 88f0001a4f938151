package gsusb

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	log "github.com/sirupsen/logrus"
)

// btConst matches the controller the timing quadruples are computed for:
// an 80 MHz input clock and the segment limits of its timing registers.
var btConst = DeviceBTConst{
	FclkCAN:  tritoncan.CANClockHz,
	Tseg1Min: 1,
	Tseg1Max: 16,
	Tseg2Min: 1,
	Tseg2Max: 8,
	SJWMax:   4,
	BRPMin:   1,
	BRPMax:   128,
	BRPInc:   1,
}

var deviceConfig = DeviceConfig{
	ICount:    0, // one channel
	SWVersion: 2,
	HWVersion: 1,
}

type modeRequest struct {
	mode   uint32
	timing DeviceBitTiming
}

type Config struct {
	// TransmitTimeout bounds the controller hand-off of one host frame.
	TransmitTimeout time.Duration
}

// Engine implements the gs_usb device side. Control runs in the USB
// service context and never blocks on the controller; start/stop are
// deferred through a one-deep latest-wins hand-off that ApplyPending
// consumes from the bridge control task.
type Engine struct {
	cfg       Config
	transport *tritoncan.Transport

	mu         sync.Mutex
	started    bool
	hostConfig HostConfig
	timing     DeviceBitTiming

	pending chan modeRequest

	droppedTx atomic.Uint32
	log       *log.Entry
}

func New(transport *tritoncan.Transport, cfg Config) *Engine {
	if cfg.TransmitTimeout == 0 {
		cfg.TransmitTimeout = 50 * time.Millisecond
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		pending:   make(chan modeRequest, 1),
		log:       log.WithField("comp", "gsusb"),
	}
}

// Started reports whether the controller has been started by the host.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Control handles one control transfer. For device-to-host requests the
// response payload is returned; host-to-device requests return nil. An
// unknown request code is acknowledged with a zero-length response, the
// Linux driver probes optional requests and expects tolerance.
func (e *Engine) Control(request uint8, payload []byte) ([]byte, error) {
	switch request {
	case RequestHostFormat:
		var hc HostConfig
		if err := unmarshalLE(payload, &hc); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.hostConfig = hc
		e.mu.Unlock()
		return nil, nil
	case RequestBitTiming:
		var bt DeviceBitTiming
		if err := unmarshalLE(payload, &bt); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.timing = bt
		e.mu.Unlock()
		e.log.Debugf("host staged bit timing %s", bt.BitTiming())
		return nil, nil
	case RequestMode:
		var dm DeviceMode
		if err := unmarshalLE(payload, &dm); err != nil {
			return nil, err
		}
		e.mu.Lock()
		req := modeRequest{mode: dm.Mode, timing: e.timing}
		e.mu.Unlock()
		e.postMode(req)
		return nil, nil
	case RequestBTConst:
		return marshalLE(btConst), nil
	case RequestDeviceConfig:
		return marshalLE(deviceConfig), nil
	}
	e.log.Debugf("unhandled control request 0x%02X, zero-length ack", request)
	return nil, nil
}

// postMode never blocks: a not-yet-consumed request is replaced, the
// host only cares about the final mode.
func (e *Engine) postMode(req modeRequest) {
	for {
		select {
		case e.pending <- req:
			return
		default:
			select {
			case <-e.pending:
			default:
			}
		}
	}
}

// ApplyPending consumes at most one staged mode change and applies it to
// the transport. Called from the bridge control task, so a mode change
// lands within one scheduling pass of the control transfer. Repeating a
// START stops and restarts the controller with the staged timing.
func (e *Engine) ApplyPending() error {
	var req modeRequest
	select {
	case req = <-e.pending:
	default:
		return nil
	}
	switch req.mode {
	case ModeStart:
		if err := e.transport.ConfigureAndStart(req.timing.BitTiming()); err != nil {
			return err
		}
		e.mu.Lock()
		e.started = true
		e.mu.Unlock()
		e.log.Info("host started CAN")
	case ModeReset:
		e.transport.Stop()
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		e.log.Info("host reset CAN")
	default:
		e.log.Warnf("unknown mode word %d ignored", req.mode)
	}
	return nil
}

// HandleHostFrame decodes one bulk packet and hands it to the transport.
// On success it returns the mandatory echo frame carrying the EchoID the
// host supplied; the host driver frees its transmit slot on that echo.
// While the controller is not started host frames are dropped silently,
// the host cannot observe the device-side state.
func (e *Engine) HandleHostFrame(pkt []byte) (*HostFrame, error) {
	var hf HostFrame
	if err := hf.UnmarshalBinary(pkt); err != nil {
		return nil, err
	}
	if !e.Started() {
		e.droppedTx.Add(1)
		e.log.Debugf("dropped host frame 0x%X, CAN not started", hf.CANID)
		return nil, nil
	}
	f, err := hf.Frame()
	if err != nil {
		return nil, err
	}
	if err := e.transport.Transmit(f, e.cfg.TransmitTimeout); err != nil {
		return nil, fmt.Errorf("host frame 0x%X: %w", hf.CANID, err)
	}
	echo := hf
	return &echo, nil
}

// EncodeReceive wraps a bus receive as an unsolicited device-to-host
// frame.
func (e *Engine) EncodeReceive(f tritoncan.Frame) HostFrame {
	return FromFrame(f, EchoUnsolicited)
}

// DroppedTx reports host frames discarded because the controller was not
// started.
func (e *Engine) DroppedTx() uint32 {
	return e.droppedTx.Load()
}
