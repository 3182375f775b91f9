package grbl

import "fmt"

// Realtime control bytes. These are single characters the controller acts on
// immediately, outside the line-command queue, and they get no "ok".
const (
	StatusQuery byte = '?'
	FeedHold    byte = '!'
	CycleStart  byte = '~'
	SoftReset   byte = 0x18
)

// Move formats a linear move of distance millimeters on one axis at feed
// mm/min, e.g. "G1 X100.00 F600.0".
func Move(axis byte, distance, feed float64) []byte {
	return []byte(fmt.Sprintf("G1 %c%.2f F%.1f\n", axis, distance, feed))
}

// Zero resets the work position of one axis to zero, e.g. "G92 X0".
func Zero(axis byte) []byte {
	return []byte(fmt.Sprintf("G92 %c0\n", axis))
}

// Unlock clears an alarm lock so motion commands are accepted again.
func Unlock() []byte {
	return []byte("$X\n")
}
