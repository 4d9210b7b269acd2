// Package simbackend implements backend.Device as an in-process loopback
// fabric: a shared registry of memory regions, queue pairs, completion
// queues and address handles that multiple Context instances (each with
// its own simulated lid) can address as if they were separate hosts on
// one IB/RoCE fabric. It exists so the spec's §8 testable properties and
// concrete end-to-end scenarios can run in a single test binary without
// real hardware (SPEC_FULL.md §4.7).
package simbackend

import (
	"sync"
	"sync/atomic"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// Fabric is the shared loopback network. Devices created against the same
// Fabric can address each other by lid/qpn; Devices on different Fabrics
// cannot see one another, which lets tests run fully isolated fabrics in
// parallel.
type Fabric struct {
	nextHandle atomic.Uint64
	nextQPN    atomic.Uint64
	nextKey    atomic.Uint32

	mu   sync.RWMutex
	pds  map[uint64]*pdState
	cqs  map[uint64]*cqState
	srqs map[uint64]*srqState
	qps  map[uint64]*qpState
	ahs  map[uint64]*ahState
	mrs  map[uint32]*mrState // keyed by rkey
	devs map[uint16]*Device  // keyed by lid
}

// NewFabric constructs an empty loopback fabric.
func NewFabric() *Fabric {
	f := &Fabric{
		pds:  make(map[uint64]*pdState),
		cqs:  make(map[uint64]*cqState),
		srqs: make(map[uint64]*srqState),
		qps:  make(map[uint64]*qpState),
		ahs:  make(map[uint64]*ahState),
		mrs:  make(map[uint32]*mrState),
		devs: make(map[uint16]*Device),
	}
	f.nextHandle.Store(1)
	f.nextQPN.Store(0x100)
	f.nextKey.Store(0x1000)
	return f
}

func (f *Fabric) allocHandle() uint64 { return f.nextHandle.Add(1) }
func (f *Fabric) allocQPN() uint64    { return f.nextQPN.Add(1) }
func (f *Fabric) allocKey() uint32    { return f.nextKey.Add(1) }

type pdState struct {
	owner *Device
}

type cqState struct {
	mu       sync.Mutex
	capacity int
	entries  []backend.WC
	poisoned bool
}

type srqState struct {
	mu    sync.Mutex
	maxWR int
	queue []backend.RecvWR
}

type ahState struct {
	lid uint16
	gid backend.GID
}

// mrState tracks one registered range, and doubles as the backing store
// for Type-1 memory-window rkeys (which address a subrange of an mrState
// under their own rkey, see BindMW).
type mrState struct {
	pd          uint64
	buf         []byte
	accessFlags uint32
	// window fields, zero-value for ordinary MRs.
	isWindow  bool
	parentKey uint32
	off       int
}

type qpState struct {
	mu sync.Mutex

	qpn     uint64
	variant string // "RC", "UD", "DC"
	state   string // "RESET", "INIT", "RTR", "RTS", "ERROR"

	pd      uint64
	sendCQ  uint64
	recvCQ  uint64
	srq     uint64
	portNum uint8
	lid     uint16

	pkeyIndex   uint16
	qkey        uint32
	accessFlags uint32
	dcKey       uint64

	destQPN uint32
	destLID uint16
	destGID backend.GID
	destDCT uint32

	recvQueue []backend.RecvWR

	fabric *Fabric
}
