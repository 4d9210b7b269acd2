package verbs

import (
	"context"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// Access flag bitmask for MemoryRegion/QueuePair, re-exported from backend
// for callers that only import verbs (spec.md §3, §6).
const (
	AccessLocalWrite   = backend.AccessLocalWrite
	AccessRemoteWrite  = backend.AccessRemoteWrite
	AccessRemoteRead   = backend.AccessRemoteRead
	AccessRemoteAtomic = backend.AccessRemoteAtomic
)

// maxKernelAllocBytes is the per-allocation cap spec.md §4.1 assigns to
// kernel-mode builds. This module targets user-mode, but the constructed
// cap is still enforced for Allocate so behavior matches the spec exactly
// regardless of which mode a caller is emulating.
const maxKernelAllocBytes = 4 << 20

// MemoryRegion is a registered byte buffer carrying local/remote access
// keys (spec.md §3, §4.1).
type MemoryRegion struct {
	ctx      *Context
	buf      []byte
	lkey     uint32
	rkey     uint32
	ownsBuf  bool
	deregged bool
}

// Allocate creates a fresh zero-initialized buffer of n bytes and registers
// it. Exceeding the per-allocation cap returns InvalidArg.
func Allocate(ctx context.Context, c *Context, n int, accessFlags uint32) (*MemoryRegion, error) {
	if n <= 0 {
		return nil, NewInvalidArgError("n must be > 0")
	}
	if n > maxKernelAllocBytes {
		return nil, NewInvalidArgError("n exceeds per-allocation cap")
	}
	buf := make([]byte, n)
	return registerBuf(ctx, c, buf, accessFlags, true)
}

// Wrap registers a caller-supplied buffer. The caller asserts the backing
// storage outlives the registration; this is unsafe with respect to
// lifetime exactly as spec.md §4.1 describes.
func Wrap(ctx context.Context, c *Context, buf []byte, accessFlags uint32) (*MemoryRegion, error) {
	if len(buf) == 0 {
		return nil, NewInvalidArgError("buf must be non-empty")
	}
	return registerBuf(ctx, c, buf, accessFlags, false)
}

func registerBuf(ctx context.Context, c *Context, buf []byte, accessFlags uint32, ownsBuf bool) (*MemoryRegion, error) {
	lkey, rkey, err := c.dev.RegisterMR(ctx, c.pd, buf, accessFlags)
	if err != nil {
		return nil, NewCreationError("register_mr", 0)
	}
	return &MemoryRegion{ctx: c, buf: buf, lkey: lkey, rkey: rkey, ownsBuf: ownsBuf}, nil
}

// VirtAddr returns the virtual address of the region's base byte.
func (m *MemoryRegion) VirtAddr() uint64 { return bufAddr(m.buf) }

// RdmaAddr is identical to VirtAddr in user mode (it equals the physical
// address in kernel mode, which this module does not target).
func (m *MemoryRegion) RdmaAddr() uint64 { return m.VirtAddr() }

// LKey returns the local access key.
func (m *MemoryRegion) LKey() uint32 { return m.lkey }

// RKey returns the remote access key.
func (m *MemoryRegion) RKey() uint32 { return m.rkey }

// Capacity returns the registered buffer size in bytes.
func (m *MemoryRegion) Capacity() int { return len(m.buf) }

// Bytes exposes the underlying buffer for local read/write access.
func (m *MemoryRegion) Bytes() []byte { return m.buf }

// Close deregisters the region and, when it owns its buffer, frees it.
// Idempotent.
func (m *MemoryRegion) Close(ctx context.Context) error {
	if m.deregged {
		return nil
	}
	m.deregged = true
	err := m.ctx.dev.DeregisterMR(ctx, m.lkey)
	if m.ownsBuf {
		m.buf = nil
	}
	if err != nil {
		return NewContextError("deregister_mr", 0)
	}
	return nil
}

// bufAddr derives a stable uint64 "virtual address" for a Go byte slice.
// Go slices are not pinned, so this address is only meaningful to the
// simulated backend's own bookkeeping, never dereferenced as a real
// pointer outside this module.
func bufAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(addressOf(b)))
}
