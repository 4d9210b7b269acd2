package simbackend

import "unsafe"

// addressOf mirrors verbs.addressOf: a stable identifier for a buffer's
// backing array, used to translate SGE/raddr fields back into a slice of
// the matching mrState.buf.
func addressOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}
