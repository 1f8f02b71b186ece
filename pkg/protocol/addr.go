package protocol

import (
	"fmt"
	"strconv"
)

// EncodeDirectRFAddress builds the 24-bit direct-RF address frame for a
// (zone,target) cue and wraps it in the dongle's ">>bits:repeat<<" envelope.
//
// Bit layout: 0xE3 in the top byte, (123-zone) in the middle byte, then a
// fixed safety nibble (0x7) and (15-target) in the low nibble.
func EncodeDirectRFAddress(zone, target, repeat int) string {
	frame := AddressFrame(zone, target)
	return fmt.Sprintf(">>%s:%d<<", strconv.FormatInt(int64(frame), 2), repeat)
}

// AddressFrame computes the raw 24-bit integer frame for a (zone,target) pair,
// without the textual envelope. Exposed separately so tests can assert the
// round-trip property independent of string formatting.
func AddressFrame(zone, target int) int {
	adjZone := 123 - zone
	adjTarget := 15 - target
	return (0xE3 << 16) | (adjZone << 8) | 0x70 | adjTarget
}
