package verbs

import (
	"context"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// AddressHandle is a resolved route to a remote port (spec.md §3). It never
// owns its context's protection domain; it back-references it.
type AddressHandle struct {
	ctx    *Context
	handle uint64
	lid    uint16
	gid    backend.GID
}

// Handle returns the opaque backend handle.
func (a *AddressHandle) Handle() uint64 { return a.handle }

// LID returns the resolved remote local identifier.
func (a *AddressHandle) LID() uint16 { return a.lid }

// GID returns the resolved remote global identifier.
func (a *AddressHandle) GID() backend.GID { return a.gid }

// Close destroys the address handle. Idempotent.
func (a *AddressHandle) Close(ctx context.Context) error {
	if a.handle == 0 {
		return nil
	}
	h := a.handle
	a.handle = 0
	return a.ctx.dev.DestroyAH(ctx, h)
}
