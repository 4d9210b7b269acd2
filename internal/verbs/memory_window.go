package verbs

import (
	"context"
	"sync"
)

// MemoryWindow is a Type-1 memory window: a rebindable remote-access grant
// over a subrange of a MemoryRegion. Supplemented from
// original_source/KRdmaKit/examples/memory_window.rs, which spec.md §8
// scenario 4 exercises but spec.md §3/§4 never define as a type.
type MemoryWindow struct {
	ctx  *Context
	mr   *MemoryRegion
	mu   sync.Mutex
	rkey uint32
}

// CreateMemoryWindow allocates an unbound Type-1 window over mr.
func CreateMemoryWindow(ctx context.Context, c *Context, mr *MemoryRegion) (*MemoryWindow, error) {
	if mr == nil {
		return nil, NewInvalidArgError("mr must not be nil")
	}
	return &MemoryWindow{ctx: c, mr: mr}, nil
}

// Bind grants remote access to mr[offset:offset+length) under a freshly
// allocated rkey (spec.md §8 scenario 4). Binding an already-bound window
// rebinds it to the new range.
func (w *MemoryWindow) Bind(ctx context.Context, offset, length int, accessFlags uint32) (rkey uint32, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if offset < 0 || length <= 0 || offset+length > w.mr.Capacity() {
		return 0, NewInvalidArgError("bind range exceeds mr capacity")
	}
	rkey, err = w.ctx.dev.BindMW(ctx, w.ctx.pd, w.mr.LKey(), offset, length, accessFlags)
	if err != nil {
		return 0, NewCreationError("bind_mw", 0)
	}
	w.rkey = rkey
	return rkey, nil
}

// Unbind revokes the window's remote-access grant. A completion against
// the stale rkey after Unbind must report a non-zero status (spec.md §8
// scenario 4).
func (w *MemoryWindow) Unbind(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rkey == 0 {
		return nil
	}
	rkey := w.rkey
	w.rkey = 0
	if err := w.ctx.dev.UnbindMW(ctx, rkey); err != nil {
		return NewContextError("unbind_mw", 0)
	}
	return nil
}

// RKey returns the window's current rkey, or 0 if unbound.
func (w *MemoryWindow) RKey() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rkey
}
