// Package backend defines the seam between the RDMA core and whatever
// drives the actual hardware. Device enumeration, driver binding and the
// character-device/syscall surface underneath a Device implementation are
// out of scope for this module (spec.md §1); the core depends only on this
// interface.
package backend

import "context"

// GID is a 128-bit global identifier.
type GID [16]byte

// Access flag bitmask shared by MemoryRegion/MemoryWindow registration and
// QueuePair access-flag attributes (spec.md §3, §6).
const (
	AccessLocalWrite   uint32 = 1 << 0
	AccessRemoteWrite  uint32 = 1 << 1
	AccessRemoteRead   uint32 = 1 << 2
	AccessRemoteAtomic uint32 = 1 << 3
)

// PortAttr is the cached, read-only attribute set a Context queries once at
// open and thereafter serves from memory.
type PortAttr struct {
	LID         uint16
	GID         GID
	PortNum     uint8
	State       string // e.g. "ACTIVE", "DOWN"
	PhysState   string
	LinkLayer   string // "InfiniBand" or "Ethernet" (RoCE)
	ActiveSpeed string
	MTU         int
}

// QPCaps mirrors the capability vector spec.md §3 lists on QueuePair.
type QPCaps struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSGE    uint32
	MaxRecvSGE    uint32
	MaxInlineData uint32
}

// QPInitAttr is the parameter set passed to CreateQP.
type QPInitAttr struct {
	Variant   string // "RC", "UD", "DC"
	SendCQ    uint64 // opaque CQ handle
	RecvCQ    uint64
	SRQ       uint64 // 0 when unused
	Caps      QPCaps
	PortNum   uint8
	PKeyIndex uint16
}

// QPAttrMask selects which fields of QPAttr a ModifyQP call actually
// touches, mirroring ibv_qp_attr_mask.
type QPAttrMask uint32

const (
	MaskPKeyIndex QPAttrMask = 1 << iota
	MaskPortNum
	MaskQKey
	MaskAccessFlags
	MaskDestQPN
	MaskRQPSN
	MaskPathMTU
	MaskMaxDestRDAtomic
	MaskMinRNRTimer
	MaskAH
	MaskSQPSN
	MaskTimeout
	MaskRetryCnt
	MaskRNRRetry
	MaskMaxRDAtomic
	MaskDCKey
	MaskState
)

// QPAttr is the union of every field any state transition in spec.md §4.3
// might set; ModifyQP interprets only the fields selected by mask.
type QPAttr struct {
	PKeyIndex      uint16
	PortNum        uint8
	QKey           uint32
	AccessFlags    uint32
	DestQPN        uint32
	RQPSN          uint32
	PathMTU        int
	MaxDestRDAtomic uint8
	MinRNRTimer    uint8
	DestLID        uint16
	DestGID        GID
	SQPSN          uint32
	Timeout        uint8
	RetryCnt       uint8
	RNRRetry       uint8
	MaxRDAtomic    uint8
	DCKey          uint64
	// TargetState is the QP state the transition moves to ("INIT", "RTR",
	// "RTS", "ERROR"), selected by MaskState.
	TargetState string
}

// WC is a single work-completion record, matching spec.md §3's
// CompletionQueue entry layout.
type WC struct {
	WRID     uint64
	Status   uint32 // 0 = success
	ByteLen  uint32
	ImmData  uint32
	HasImm   bool
	SrcQPNum uint32
	SrcLID   uint16
	// AtomicPrior carries the pre-operation value for CAS/FAA completions
	// (spec.md §8: "prev is reported in the completion payload").
	AtomicPrior uint64
}

// SGE is a scatter-gather element addressing a registered memory range.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendOp enumerates the work-request opcodes spec.md §4.3 names.
type SendOp int

const (
	OpSend SendOp = iota
	OpRead
	OpWrite
	OpCAS
	OpFAA
)

// SendWR is a single send-queue work request.
type SendWR struct {
	WRID      uint64
	Op        SendOp
	SGL       []SGE
	Signaled  bool
	RAddr     uint64
	RKey      uint32
	CmpAdd    uint64 // expected (CAS) or addend (FAA)
	SwapAdd   uint64 // new value (CAS)
	AHHandle  uint64 // 0 for RC; set for UD/DC datagram sends
	DestQPN   uint32 // UD/DC only
	DestQKey  uint32 // UD/DC only
	DCTNum    uint32 // DC only
}

// RecvWR is a single receive-queue work request.
type RecvWR struct {
	WRID uint64
	SGL  []SGE
}

// Device is the hardware-facing interface CORE depends on. Every method
// returning an error uses the verbs error taxonomy (spec.md §7); backend
// implementations are responsible for translating their own failures into
// it.
type Device interface {
	// AllocPD allocates a protection domain and returns an opaque handle.
	AllocPD(ctx context.Context) (uint64, error)
	DeallocPD(ctx context.Context, pd uint64) error

	QueryPort(ctx context.Context, portNum uint8) (PortAttr, error)
	QueryGID(ctx context.Context, portNum uint8, index int) (GID, error)

	CreateAH(ctx context.Context, pd uint64, portNum uint8, gidIndex int, lid uint16, gid GID) (uint64, error)
	DestroyAH(ctx context.Context, ah uint64) error

	RegisterMR(ctx context.Context, pd uint64, buf []byte, accessFlags uint32) (lkey, rkey uint32, err error)
	DeregisterMR(ctx context.Context, lkey uint32) error

	// BindMW grants a Type-1 memory window over mrLKey[offset:offset+length)
	// and returns a freshly allocated rkey for it.
	BindMW(ctx context.Context, pd uint64, mrLKey uint32, offset, length int, accessFlags uint32) (rkey uint32, err error)
	// UnbindMW revokes a previously bound window's rkey.
	UnbindMW(ctx context.Context, rkey uint32) error

	CreateCQ(ctx context.Context, entries int) (uint64, error)
	PollCQ(ctx context.Context, cq uint64, max int) ([]WC, error)
	DestroyCQ(ctx context.Context, cq uint64) error

	CreateSRQ(ctx context.Context, pd uint64, maxWR int, maxSGE int) (uint64, error)
	DestroySRQ(ctx context.Context, srq uint64) error

	CreateQP(ctx context.Context, pd uint64, attr QPInitAttr) (qpn uint64, err error)
	ModifyQP(ctx context.Context, qpn uint64, attr QPAttr, mask QPAttrMask) error
	DestroyQP(ctx context.Context, qpn uint64) error

	PostSend(ctx context.Context, qpn uint64, wr SendWR) error
	PostRecv(ctx context.Context, qpn uint64, wr RecvWR) error
}
