// Package verbs implements the leaf entities of the RDMA core: Context,
// MemoryRegion, CompletionQueue, SharedReceiveQueue, AddressHandle and
// MemoryWindow (spec.md §3, §4.1, §4.2).
package verbs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// Context owns the per-device protection domain and caches device
// attributes. It is the root of the ownership DAG (spec.md §3): every other
// entity is constructed from, and holds, a *Context.
type Context struct {
	dev     backend.Device
	logger  *slog.Logger
	portNum uint8

	mu   sync.RWMutex
	pd   uint64
	port backend.PortAttr
	gid0 backend.GID

	closed bool
}

// Open constructs a Context for the given device and 1-based port number.
// It allocates a protection domain and caches the port's attributes and
// gid table entry zero, matching spec.md §4.1.
func Open(ctx context.Context, dev backend.Device, portNum uint8, logger *slog.Logger) (*Context, error) {
	if dev == nil {
		panic("verbs: nil backend.Device")
	}
	if portNum == 0 {
		return nil, NewInvalidArgError("port_num must be >= 1")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pd, err := dev.AllocPD(ctx)
	if err != nil {
		return nil, NewCreationError("AllocPD", 0)
	}

	port, err := dev.QueryPort(ctx, portNum)
	if err != nil {
		_ = dev.DeallocPD(ctx, pd)
		return nil, NewQueryError("QueryPort", 0)
	}

	gid0, err := dev.QueryGID(ctx, portNum, 0)
	if err != nil {
		_ = dev.DeallocPD(ctx, pd)
		return nil, NewQueryError("QueryGID(index=0)", 0)
	}

	c := &Context{
		dev:     dev,
		logger:  logger,
		portNum: portNum,
		pd:      pd,
		port:    port,
		gid0:    gid0,
	}
	c.logger.Info("verbs context opened",
		"port", portNum, "lid", port.LID, "link_layer", port.LinkLayer)
	return c, nil
}

// Device exposes the backing backend.Device for packages (qp, cm, rpc)
// that must issue verbs directly.
func (c *Context) Device() backend.Device { return c.dev }

// PD returns the protection-domain handle.
func (c *Context) PD() uint64 { return c.pd }

// PortNum returns the 1-based port this Context was opened against.
func (c *Context) PortNum() uint8 { return c.portNum }

// QueryGID resolves a gid table entry by port and index. Index 0 is cached
// at open time and served without a backend round trip.
func (c *Context) QueryGID(ctx context.Context, port uint8, index int) (backend.GID, error) {
	if port == c.portNum && index == 0 {
		c.mu.RLock()
		g := c.gid0
		c.mu.RUnlock()
		return g, nil
	}
	gid, err := c.dev.QueryGID(ctx, port, index)
	if err != nil {
		return backend.GID{}, NewQueryError(fmt.Sprintf("query_gid(port=%d,index=%d)", port, index), 0)
	}
	return gid, nil
}

// PortAttr returns the cached attributes of the port this Context was
// opened against, regardless of its current liveness (unlike GetPortAttr,
// which fails when the port is not active).
func (c *Context) PortAttr() backend.PortAttr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.port
}

// GID0 returns the cached gid table entry zero for this Context's port.
func (c *Context) GID0() backend.GID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gid0
}

// GetPortAttr returns the cached port attributes. It fails when the port
// was not active at open time.
func (c *Context) GetPortAttr(port uint8) (backend.PortAttr, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if port != c.portNum {
		return backend.PortAttr{}, NewQueryError(fmt.Sprintf("get_port_attr(port=%d)", port), 0)
	}
	if c.port.State != "ACTIVE" {
		return backend.PortAttr{}, NewQueryError(fmt.Sprintf("get_port_attr(port=%d): not active", port), 0)
	}
	return c.port, nil
}

// CreateAddressHandle resolves a route to a remote port.
func (c *Context) CreateAddressHandle(ctx context.Context, port uint8, gidIndex int, lid uint16, gid backend.GID) (*AddressHandle, error) {
	handle, err := c.dev.CreateAH(ctx, c.pd, port, gidIndex, lid, gid)
	if err != nil {
		return nil, NewCreationError("create_address_handle", 0)
	}
	return &AddressHandle{ctx: c, handle: handle, lid: lid, gid: gid}, nil
}

// Close deallocates the protection domain. It is idempotent.
func (c *Context) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.dev.DeallocPD(ctx, c.pd)
}
