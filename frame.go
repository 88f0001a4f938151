package tritoncan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

const (
	// MaxStandardID is the highest valid 11-bit identifier.
	MaxStandardID = 0x7FF
	// MaxExtendedID is the highest valid 29-bit identifier.
	MaxExtendedID = 0x1FFFFFFF
	// MaxDataLength is the classic CAN payload limit.
	MaxDataLength = 8
)

// Frame is a single classic CAN frame. It is a value type: frames are
// copied across the bridge boundary and never shared between tasks.
type Frame struct {
	Identifier uint32
	Extended   bool
	Remote     bool
	Length     uint8
	Data       [8]byte
}

// NewFrame returns a standard 11-bit data frame. Data longer than 8 bytes
// is truncated.
func NewFrame(identifier uint32, data []byte) Frame {
	f := Frame{Identifier: identifier}
	f.Length = uint8(copy(f.Data[:], data))
	return f
}

// NewExtendedFrame returns a 29-bit data frame.
func NewExtendedFrame(identifier uint32, data []byte) Frame {
	f := NewFrame(identifier, data)
	f.Extended = true
	return f
}

// NewRemoteFrame returns a remote transmission request. length is the DLC
// requested from the responding node, the frame itself carries no payload.
func NewRemoteFrame(identifier uint32, length uint8, extended bool) Frame {
	return Frame{
		Identifier: identifier,
		Extended:   extended,
		Remote:     true,
		Length:     length,
	}
}

// Validate checks the identifier range against the frame format and the
// declared length against the classic CAN limit.
func (f Frame) Validate() error {
	switch {
	case f.Extended && f.Identifier > MaxExtendedID:
		return fmt.Errorf("%w: 0x%08X does not fit 29 bits", ErrInvalidIdentifier, f.Identifier)
	case !f.Extended && f.Identifier > MaxStandardID:
		return fmt.Errorf("%w: 0x%03X does not fit 11 bits", ErrInvalidIdentifier, f.Identifier)
	case f.Length > MaxDataLength:
		return fmt.Errorf("%w: dlc %d", ErrInvalidLength, f.Length)
	}
	return nil
}

// Payload returns the valid part of the data array. Remote frames carry no
// payload regardless of their DLC.
func (f Frame) Payload() []byte {
	if f.Remote {
		return nil
	}
	return f.Data[:f.Length]
}

func (f Frame) String() string {
	var out strings.Builder
	if f.Extended {
		out.WriteString(fmt.Sprintf("0x%08X", f.Identifier))
	} else {
		out.WriteString(fmt.Sprintf("0x%03X", f.Identifier))
	}
	out.WriteString(" || " + strconv.Itoa(int(f.Length)) + " || ")
	if f.Remote {
		out.WriteString("RTR")
		return out.String()
	}
	var hexView strings.Builder
	for i, b := range f.Payload() {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != int(f.Length)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Payload()))
	return out.String()
}

var (
	green  = color.New(color.FgGreen).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	yellow = color.New(color.FgHiBlue).SprintfFunc()
)

// ColorString is the colored variant of String used by the monitor command.
func (f Frame) ColorString() string {
	var out strings.Builder
	if f.Extended {
		out.WriteString(green("0x%08X", f.Identifier))
	} else {
		out.WriteString(green("0x%03X", f.Identifier))
	}
	out.WriteString(" || " + strconv.Itoa(int(f.Length)) + " || ")
	if f.Remote {
		out.WriteString(red("RTR"))
		return out.String()
	}
	var hexView strings.Builder
	for i, b := range f.Payload() {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != int(f.Length)-1 {
			hexView.WriteString(" ")
		}
	}
	out.WriteString(fmt.Sprintf("%-23s", hexView.String()))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Payload())))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
