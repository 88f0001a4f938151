package tritoncan

import "fmt"

// CANClockHz is the controller input clock all timing quadruples are
// computed against.
const CANClockHz = 80_000_000

// BitTiming is the register-level bit timing quadruple of the controller.
// One bit is 1 + PropSeg + PhaseSeg1 + PhaseSeg2 time quanta, a quantum
// being BRP input clock periods.
type BitTiming struct {
	BRP       uint32
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
}

// Bitrate returns the nominal bit rate in bits per second, or 0 for a
// zero-valued quadruple.
func (bt BitTiming) Bitrate() int {
	quanta := 1 + bt.PropSeg + bt.PhaseSeg1 + bt.PhaseSeg2
	if bt.BRP == 0 || quanta == 0 {
		return 0
	}
	return CANClockHz / int(bt.BRP*quanta)
}

func (bt BitTiming) String() string {
	return fmt.Sprintf("brp=%d prop=%d seg1=%d seg2=%d sjw=%d (%d bit/s)",
		bt.BRP, bt.PropSeg, bt.PhaseSeg1, bt.PhaseSeg2, bt.SJW, bt.Bitrate())
}

// bitrateTable is the Lawicel S0-S8 bitrate set.
var bitrateTable = [9]int{10_000, 20_000, 50_000, 100_000, 125_000, 250_000, 500_000, 800_000, 1_000_000}

// BitrateForCode maps a Lawicel speed code 0-8 to bits per second.
func BitrateForCode(code int) (int, error) {
	if code < 0 || code >= len(bitrateTable) {
		return 0, fmt.Errorf("%w: S%d", ErrUnsupportedBitrate, code)
	}
	return bitrateTable[code], nil
}

// TimingForBitrate computes the quadruple for one of the table bitrates.
// All nine entries use a 20-quanta bit (prop 7, seg1 8, seg2 4) so the
// prescaler divides the 80 MHz clock exactly, 800 kbit/s included.
func TimingForBitrate(bitrate int) (BitTiming, error) {
	const quanta = 20
	if bitrate <= 0 || CANClockHz%(bitrate*quanta) != 0 {
		return BitTiming{}, fmt.Errorf("%w: %d bit/s", ErrUnsupportedBitrate, bitrate)
	}
	return BitTiming{
		BRP:       uint32(CANClockHz / (bitrate * quanta)),
		PropSeg:   7,
		PhaseSeg1: 8,
		PhaseSeg2: 4,
		SJW:       3,
	}, nil
}
