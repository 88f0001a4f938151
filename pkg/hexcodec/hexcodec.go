// Package hexcodec holds the ASCII-hex conversions shared by the SLCAN
// and gs_usb protocol engines.
package hexcodec

import (
	"fmt"

	tritoncan "github.com/evm100/TritonCAN"
)

// EncodeNibble returns the uppercase hex character for the low four bits
// of v.
func EncodeNibble(v byte) byte {
	v &= 0xF
	if v < 10 {
		return '0' + v
	}
	return 'A' + (v - 10)
}

// DecodeDigit converts one hex character, accepting both cases.
func DecodeDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return 10 + c - 'A', nil
	case c >= 'a' && c <= 'f':
		return 10 + c - 'a', nil
	}
	return 0, fmt.Errorf("%w: %q", tritoncan.ErrMalformedHex, c)
}

// DecodeRun combines n hex digits from s most-significant-first.
func DecodeRun(s []byte, n int) (uint32, error) {
	if len(s) < n {
		return 0, fmt.Errorf("%w: want %d hex digits, have %d", tritoncan.ErrTruncatedLine, n, len(s))
	}
	var v uint32
	for i := 0; i < n; i++ {
		d, err := DecodeDigit(s[i])
		if err != nil {
			return 0, err
		}
		v = v<<4 | uint32(d)
	}
	return v, nil
}
