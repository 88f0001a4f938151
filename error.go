package tritoncan

import "errors"

// Protocol-level errors. These are recovered by answering the host with an
// error indication (SLCAN bell, silent drop for gs_usb) and never stop the
// bridge.
var (
	ErrMalformedHex        = errors.New("malformed hex digit")
	ErrUnrecognizedCommand = errors.New("unrecognized command")
	ErrTruncatedLine       = errors.New("truncated line")
	ErrInvalidLength       = errors.New("invalid data length")
	ErrInvalidIdentifier   = errors.New("identifier out of range")
	ErrUnsupportedBitrate  = errors.New("unsupported bitrate")
	ErrSessionClosed       = errors.New("session closed")
	ErrSessionOpen         = errors.New("session open")
)

// Transport-level errors. Surfaced to the protocol engine as a transmit or
// configuration failure.
var (
	ErrControllerInstall = errors.New("controller install failed")
	ErrControllerStart   = errors.New("controller start failed")
	ErrTransmitTimeout   = errors.New("transmit timeout")
	ErrNotRunning        = errors.New("controller not running")
	ErrBusOff            = errors.New("controller bus-off")
	ErrRecoveryTimeout   = errors.New("bus-off recovery timeout")
)

// Plumbing errors.
var (
	ErrDroppedFrame = errors.New("frame queue full, frame dropped")
	ErrClosed       = errors.New("port closed")
)
