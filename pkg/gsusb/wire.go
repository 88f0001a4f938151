// Package gsusb implements the binary vendor-class protocol spoken by the
// Linux gs_usb kernel driver: little-endian control transfers for
// configuration and fixed-size host frames on the bulk endpoints.
package gsusb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	tritoncan "github.com/evm100/TritonCAN"
)

// Control transfer request codes.
const (
	RequestHostFormat   uint8 = 0
	RequestBitTiming    uint8 = 1
	RequestMode         uint8 = 2
	RequestBTConst      uint8 = 4
	RequestDeviceConfig uint8 = 5
)

// Mode words carried by a RequestMode transfer.
const (
	ModeReset uint32 = 0
	ModeStart uint32 = 1
)

const (
	// EchoUnsolicited marks a device-to-host frame that reports a bus
	// receive rather than a transmit echo.
	EchoUnsolicited uint32 = 0xFFFFFFFF
	// HostFrameSize is the fixed bulk frame length.
	HostFrameSize = 20

	extendedFlag uint32 = 0x80000000
	idMask       uint32 = 0x1FFFFFFF
)

// HostFrame is the bulk endpoint frame, 20 bytes little-endian both ways.
// Bit 31 of CANID flags an extended identifier.
type HostFrame struct {
	EchoID   uint32
	CANID    uint32
	DLC      uint8
	Channel  uint8
	Flags    uint8
	Reserved uint8
	Data     [8]byte
}

func (f *HostFrame) MarshalBinary() ([]byte, error) {
	out := make([]byte, HostFrameSize)
	binary.LittleEndian.PutUint32(out[0:], f.EchoID)
	binary.LittleEndian.PutUint32(out[4:], f.CANID)
	out[8] = f.DLC
	out[9] = f.Channel
	out[10] = f.Flags
	out[11] = f.Reserved
	copy(out[12:], f.Data[:])
	return out, nil
}

func (f *HostFrame) UnmarshalBinary(b []byte) error {
	if len(b) < HostFrameSize {
		return fmt.Errorf("%w: host frame is %d bytes, got %d", tritoncan.ErrInvalidLength, HostFrameSize, len(b))
	}
	f.EchoID = binary.LittleEndian.Uint32(b[0:])
	f.CANID = binary.LittleEndian.Uint32(b[4:])
	f.DLC = b[8]
	f.Channel = b[9]
	f.Flags = b[10]
	f.Reserved = b[11]
	copy(f.Data[:], b[12:20])
	return nil
}

// Frame converts a host frame to the canonical representation. The flag
// bit is stripped from the identifier. This structure variant does not
// carry a remote-frame flag.
func (f *HostFrame) Frame() (tritoncan.Frame, error) {
	if f.DLC > tritoncan.MaxDataLength {
		return tritoncan.Frame{}, fmt.Errorf("%w: dlc %d", tritoncan.ErrInvalidLength, f.DLC)
	}
	out := tritoncan.Frame{
		Extended: f.CANID&extendedFlag != 0,
		Length:   f.DLC,
		Data:     f.Data,
	}
	if out.Extended {
		out.Identifier = f.CANID & idMask
	} else {
		out.Identifier = f.CANID & tritoncan.MaxStandardID
	}
	return out, nil
}

// FromFrame encodes a canonical frame as a device-to-host frame with the
// given echo id.
func FromFrame(f tritoncan.Frame, echoID uint32) HostFrame {
	hf := HostFrame{
		EchoID: echoID,
		CANID:  f.Identifier,
		DLC:    f.Length,
		Data:   f.Data,
	}
	if f.Extended {
		hf.CANID |= extendedFlag
	}
	return hf
}

// DeviceBitTiming is the host-written timing quadruple, field order per
// the gs_usb contract.
type DeviceBitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

// BitTiming converts to the controller timing representation.
func (t DeviceBitTiming) BitTiming() tritoncan.BitTiming {
	return tritoncan.BitTiming{
		BRP:       t.BRP,
		PropSeg:   t.PropSeg,
		PhaseSeg1: t.PhaseSeg1,
		PhaseSeg2: t.PhaseSeg2,
		SJW:       t.SJW,
	}
}

// DeviceMode is the host-written mode word.
type DeviceMode struct {
	Mode  uint32
	Flags uint32
}

// HostConfig announces the host byte order. A single architecture is
// assumed, so the value is stored and otherwise ignored.
type HostConfig struct {
	ByteOrder uint32
}

// DeviceBTConst reports the fixed timing capabilities of the controller.
type DeviceBTConst struct {
	Feature  uint32
	FclkCAN  uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

// DeviceConfig reports device identity metadata.
type DeviceConfig struct {
	Reserved1 uint8
	Reserved2 uint8
	Reserved3 uint8
	ICount    uint8
	SWVersion uint32
	HWVersion uint32
}

// marshalLE serializes any fixed-size control structure little-endian.
func marshalLE(v any) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// unmarshalLE parses a host-written control payload.
func unmarshalLE(b []byte, v any) error {
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: control payload: %v", tritoncan.ErrInvalidLength, err)
	}
	return nil
}
