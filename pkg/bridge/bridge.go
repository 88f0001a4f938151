// Package bridge drives the concurrent loops that move frames between a
// USB transport and the CAN transport, one bridge type per protocol.
package bridge

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// queueDepth bounds the CAN-to-USB hand-off queue. On overflow the
	// newest frame is dropped: blocking would stall CAN reception and
	// overrun the controller receive buffer, which is worse than a
	// logged drop.
	queueDepth = 128

	// receivePoll bounds every transport receive so the loops stay
	// responsive to session state changes.
	receivePoll = 50 * time.Millisecond

	// idleSleep is the pause while the session is closed.
	idleSleep = 20 * time.Millisecond

	// controlPoll is the pending-configuration scan interval, one
	// scheduling pass of latency for a host mode change.
	controlPoll = time.Millisecond

	// recoveryTimeout bounds one bus-off recovery attempt. A timed-out
	// recovery is retried on the next bus-off detection.
	recoveryTimeout = time.Second
)

// Stats are the bridge traffic counters, safe for concurrent use.
type Stats struct {
	USBToCAN   atomic.Uint32
	CANToUSB   atomic.Uint32
	Dropped    atomic.Uint32
	Recoveries atomic.Uint32
}

func (s *Stats) String() string {
	return fmt.Sprintf("usb-to-can=%d can-to-usb=%d dropped=%d recoveries=%d",
		s.USBToCAN.Load(), s.CANToUSB.Load(), s.Dropped.Load(), s.Recoveries.Load())
}
