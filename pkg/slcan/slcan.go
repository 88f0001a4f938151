// Package slcan implements the Lawicel ASCII line protocol on top of the
// CAN transport.
package slcan

import (
	"fmt"
	"sync"
	"time"

	tritoncan "github.com/evm100/TritonCAN"
	"github.com/evm100/TritonCAN/pkg/hexcodec"
	log "github.com/sirupsen/logrus"
)

const (
	// CR terminates every line and is the positive acknowledgment.
	CR = 0x0D
	// Bell is the negative acknowledgment.
	Bell = 0x07
)

var (
	ack  = []byte{CR}
	bell = []byte{Bell}
)

// Nack returns the negative acknowledgment the bridge writes when
// ProcessLine fails.
func Nack() []byte {
	return bell
}

type Config struct {
	// ReinitOnSetBitrate makes S<n> on an open session stop, retime and
	// restart the controller inline. Off by default: Lawicel expects
	// bitrate changes only on a closed channel, so S while open is
	// rejected.
	ReinitOnSetBitrate bool
	// HWVersion and SWVersion are the V/v command replies without the
	// terminator.
	HWVersion string
	SWVersion string
	// SerialNumber is the N command reply without the leading N.
	SerialNumber string
	// DefaultBitrateCode is the S table entry staged before the host
	// sets one.
	DefaultBitrateCode int
	// TransmitTimeout bounds how long a frame line may wait for a free
	// controller slot.
	TransmitTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.HWVersion == "" {
		c.HWVersion = "V1100"
	}
	if c.SWVersion == "" {
		c.SWVersion = "v1100"
	}
	if c.SerialNumber == "" {
		c.SerialNumber = "T100"
	}
	if c.DefaultBitrateCode == 0 {
		c.DefaultBitrateCode = 6 // 500 kbit/s
	}
	if c.TransmitTimeout == 0 {
		c.TransmitTimeout = 50 * time.Millisecond
	}
}

// Engine owns the SLCAN session state: open/closed plus the staged
// bitrate code. Bitrate changes take effect on the next open.
type Engine struct {
	cfg       Config
	transport *tritoncan.Transport

	mu          sync.Mutex
	open        bool
	bitrateCode int

	log *log.Entry
}

func New(transport *tritoncan.Transport, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		cfg:         cfg,
		transport:   transport,
		bitrateCode: cfg.DefaultBitrateCode,
		log:         log.WithField("comp", "slcan"),
	}
}

// IsOpen reports whether CAN traffic is currently permitted to flow.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Bitrate returns the staged bitrate in bits per second.
func (e *Engine) Bitrate() int {
	e.mu.Lock()
	code := e.bitrateCode
	e.mu.Unlock()
	bps, _ := tritoncan.BitrateForCode(code)
	return bps
}

// ProcessLine handles one CR-stripped line and returns the bytes to
// answer with. A non-nil error means the caller answers with Nack();
// errors are always local to the line and never corrupt session state.
func (e *Engine) ProcessLine(line []byte) ([]byte, error) {
	if len(line) == 0 {
		return nil, nil
	}
	switch line[0] {
	case 'O':
		return e.cmdOpen()
	case 'C':
		return e.cmdClose()
	case 'S':
		return e.cmdSetBitrate(line)
	case 'V':
		return []byte(e.cfg.HWVersion + "\r"), nil
	case 'v':
		return []byte(e.cfg.SWVersion + "\r"), nil
	case 'N':
		return []byte("N" + e.cfg.SerialNumber + "\r"), nil
	case 'F':
		// Status flags. None of the Lawicel error conditions are
		// tracked separately from the transport state, report clear.
		return []byte("F00\r"), nil
	case 't', 'T', 'r', 'R':
		return e.cmdTransmit(line)
	}
	return nil, fmt.Errorf("%w: %q", tritoncan.ErrUnrecognizedCommand, line[0])
}

func (e *Engine) cmdOpen() ([]byte, error) {
	e.mu.Lock()
	code := e.bitrateCode
	e.mu.Unlock()
	if err := e.startAt(code); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.open = true
	e.mu.Unlock()
	return ack, nil
}

func (e *Engine) startAt(code int) error {
	bps, err := tritoncan.BitrateForCode(code)
	if err != nil {
		return err
	}
	bt, err := tritoncan.TimingForBitrate(bps)
	if err != nil {
		return err
	}
	return e.transport.ConfigureAndStart(bt)
}

func (e *Engine) cmdClose() ([]byte, error) {
	e.transport.Stop()
	e.mu.Lock()
	e.open = false
	e.mu.Unlock()
	return ack, nil
}

func (e *Engine) cmdSetBitrate(line []byte) ([]byte, error) {
	if len(line) != 2 {
		return nil, fmt.Errorf("%w: S takes one digit", tritoncan.ErrTruncatedLine)
	}
	d, err := hexcodec.DecodeDigit(line[1])
	if err != nil || int(d) > 8 {
		return nil, fmt.Errorf("%w: S%c", tritoncan.ErrUnsupportedBitrate, line[1])
	}
	e.mu.Lock()
	open := e.open
	e.mu.Unlock()
	if open && !e.cfg.ReinitOnSetBitrate {
		return nil, fmt.Errorf("%w: close the channel before S%c", tritoncan.ErrSessionOpen, line[1])
	}
	e.mu.Lock()
	e.bitrateCode = int(d)
	e.mu.Unlock()
	if open {
		// Opt-in behavior: retime the running controller in place.
		if err := e.startAt(int(d)); err != nil {
			return nil, err
		}
		e.log.Infof("reconfigured open session to S%c", line[1])
	}
	return ack, nil
}

func (e *Engine) cmdTransmit(line []byte) ([]byte, error) {
	f, err := ParseFrame(line)
	if err != nil {
		return nil, err
	}
	if !e.IsOpen() {
		return nil, fmt.Errorf("%w: %c frame before O", tritoncan.ErrSessionClosed, line[0])
	}
	if err := e.transport.Transmit(f, e.cfg.TransmitTimeout); err != nil {
		return nil, err
	}
	return ack, nil
}

// ParseFrame decodes a t/T/r/R line into a canonical frame.
func ParseFrame(line []byte) (tritoncan.Frame, error) {
	var f tritoncan.Frame
	if len(line) == 0 {
		return f, tritoncan.ErrTruncatedLine
	}
	switch line[0] {
	case 't':
	case 'T':
		f.Extended = true
	case 'r':
		f.Remote = true
	case 'R':
		f.Extended = true
		f.Remote = true
	default:
		return f, fmt.Errorf("%w: %q", tritoncan.ErrUnrecognizedCommand, line[0])
	}
	idDigits := 3
	if f.Extended {
		idDigits = 8
	}
	if len(line) < 1+idDigits+1 {
		return f, fmt.Errorf("%w: %d bytes", tritoncan.ErrTruncatedLine, len(line))
	}
	id, err := hexcodec.DecodeRun(line[1:], idDigits)
	if err != nil {
		return f, err
	}
	f.Identifier = id
	dlc, err := hexcodec.DecodeDigit(line[1+idDigits])
	if err != nil {
		return f, err
	}
	if dlc > tritoncan.MaxDataLength {
		return f, fmt.Errorf("%w: dlc %d", tritoncan.ErrInvalidLength, dlc)
	}
	f.Length = dlc

	body := line[1+idDigits+1:]
	if f.Remote {
		if len(body) != 0 {
			return f, fmt.Errorf("%w: remote frame carries no data", tritoncan.ErrInvalidLength)
		}
	} else {
		if len(body) < int(dlc)*2 {
			return f, fmt.Errorf("%w: %d data chars for dlc %d", tritoncan.ErrTruncatedLine, len(body), dlc)
		}
		if len(body) > int(dlc)*2 {
			return f, fmt.Errorf("%w: %d data chars for dlc %d", tritoncan.ErrInvalidLength, len(body), dlc)
		}
		for i := 0; i < int(dlc); i++ {
			b, err := hexcodec.DecodeRun(body[i*2:], 2)
			if err != nil {
				return f, err
			}
			f.Data[i] = byte(b)
		}
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// Marshal encodes a frame as a CR-terminated t/T/r/R line. No timestamp
// suffix is emitted.
func Marshal(f tritoncan.Frame) []byte {
	idDigits := 3
	out := make([]byte, 0, 2+8+16)
	switch {
	case f.Extended && f.Remote:
		out = append(out, 'R')
		idDigits = 8
	case f.Extended:
		out = append(out, 'T')
		idDigits = 8
	case f.Remote:
		out = append(out, 'r')
	default:
		out = append(out, 't')
	}
	for i := idDigits - 1; i >= 0; i-- {
		out = append(out, hexcodec.EncodeNibble(byte(f.Identifier>>(i*4))))
	}
	out = append(out, hexcodec.EncodeNibble(f.Length))
	for _, b := range f.Payload() {
		out = append(out, hexcodec.EncodeNibble(b>>4), hexcodec.EncodeNibble(b))
	}
	return append(out, CR)
}
