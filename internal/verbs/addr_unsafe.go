package verbs

import "unsafe"

// addressOf returns a stable identifier for a buffer's backing array,
// usable as a simulated-fabric "virtual address". Go's garbage collector
// does not relocate heap allocations, so this value remains valid for the
// lifetime of the slice.
func addressOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
