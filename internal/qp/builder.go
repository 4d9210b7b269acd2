// Package qp implements the QueuePair lifecycle engine: building,
// state-transitioning and tearing down RC/UD/DC endpoints (spec.md §4.3).
package qp

import (
	"context"
	"math/rand"

	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// Variant selects the transport a QueuePair implements.
type Variant string

const (
	RC Variant = "RC"
	UD Variant = "UD"
	DC Variant = "DC"
)

// State is one of the five QP states spec.md §3/§8 name.
type State string

const (
	StateReset State = "RESET"
	StateInit  State = "INIT"
	StateRTR   State = "RTR"
	StateRTS   State = "RTS"
	StateError State = "ERROR"
)

// Builder collects mutable parameters before producing a Prepared QP in
// Reset state. Defaults match spec.md §4.3 exactly.
type Builder struct {
	variant Variant

	sendWR  uint32
	recvWR  uint32
	cqSize  int
	sendSGE uint32
	recvSGE uint32
	inline  uint32

	port      uint8
	pkeyIndex uint16
	qkey      uint32

	pathMTU      int
	timeout      uint8
	retryCnt     uint8
	rnrRetry     uint8
	minRNRTimer  uint8
	maxRDAtomic  uint8
	accessFlags  uint32
	dcKey        uint64

	sendCQ *verbs.CompletionQueue
	recvCQ *verbs.CompletionQueue
	srq    *verbs.SharedReceiveQueue
}

// NewBuilder returns a Builder seeded with spec.md §4.3's defaults:
// send_wr=128, recv_wr=2048, cq=2048, send_sge=16, recv_sge=1, inline=64,
// port=1, random qkey, path_mtu=512, timeout=10, retry=5, rnr_retry=5,
// min_rnr_timer=16, max_rd_atomic=16.
func NewBuilder(variant Variant) *Builder {
	return &Builder{
		variant:     variant,
		sendWR:      128,
		recvWR:      2048,
		cqSize:      2048,
		sendSGE:     16,
		recvSGE:     1,
		inline:      64,
		port:        1,
		qkey:        randomQKey(),
		pathMTU:     512,
		timeout:     10,
		retryCnt:    5,
		rnrRetry:    5,
		minRNRTimer: 16,
		maxRDAtomic: 16,
	}
}

func randomQKey() uint32 {
	// #nosec G404 -- qkey is a protocol nonce, not a cryptographic secret.
	return rand.Uint32() | 1
}

func (b *Builder) SetSendWR(n uint32) *Builder     { b.sendWR = n; return b }
func (b *Builder) SetRecvWR(n uint32) *Builder     { b.recvWR = n; return b }
func (b *Builder) SetCQSize(n int) *Builder        { b.cqSize = n; return b }
func (b *Builder) SetSendSGE(n uint32) *Builder     { b.sendSGE = n; return b }
func (b *Builder) SetRecvSGE(n uint32) *Builder     { b.recvSGE = n; return b }
func (b *Builder) SetInline(n uint32) *Builder      { b.inline = n; return b }
func (b *Builder) SetPort(p uint8) *Builder         { b.port = p; return b }
func (b *Builder) SetPKeyIndex(i uint16) *Builder   { b.pkeyIndex = i; return b }
func (b *Builder) SetQKey(k uint32) *Builder        { b.qkey = k; return b }
func (b *Builder) SetPathMTU(m int) *Builder        { b.pathMTU = m; return b }
func (b *Builder) SetTimeout(t uint8) *Builder      { b.timeout = t; return b }
func (b *Builder) SetRetryCnt(r uint8) *Builder     { b.retryCnt = r; return b }
func (b *Builder) SetRNRRetry(r uint8) *Builder     { b.rnrRetry = r; return b }
func (b *Builder) SetMinRNRTimer(t uint8) *Builder  { b.minRNRTimer = t; return b }
func (b *Builder) SetMaxRDAtomic(n uint8) *Builder  { b.maxRDAtomic = n; return b }
func (b *Builder) SetAccessFlags(f uint32) *Builder { b.accessFlags = f; return b }
func (b *Builder) SetDCKey(k uint64) *Builder       { b.dcKey = k; return b }
func (b *Builder) SetSharedReceiveQueue(s *verbs.SharedReceiveQueue) *Builder {
	b.srq = s
	return b
}

// Build creates the send/recv CQs (unless already supplied) and the
// underlying backend QP, returning a QueuePair in Reset state.
func (b *Builder) Build(ctx context.Context, c *verbs.Context) (*QueuePair, error) {
	sendCQ := b.sendCQ
	if sendCQ == nil {
		created, err := verbs.CreateCompletionQueue(ctx, c, b.cqSize)
		if err != nil {
			return nil, err
		}
		sendCQ = created
	}
	recvCQ := b.recvCQ
	if recvCQ == nil {
		created, err := verbs.CreateCompletionQueue(ctx, c, b.cqSize)
		if err != nil {
			return nil, err
		}
		recvCQ = created
	}

	var srqHandle uint64
	if b.srq != nil {
		srqHandle = b.srq.Handle()
	}

	attr := backend.QPInitAttr{
		Variant: string(b.variant),
		SendCQ:  sendCQ.Handle(),
		RecvCQ:  recvCQ.Handle(),
		SRQ:     srqHandle,
		Caps: backend.QPCaps{
			MaxSendWR:     b.sendWR,
			MaxRecvWR:     b.recvWR,
			MaxSendSGE:    b.sendSGE,
			MaxRecvSGE:    b.recvSGE,
			MaxInlineData: b.inline,
		},
		PortNum:   b.port,
		PKeyIndex: b.pkeyIndex,
	}

	qpn, err := c.Device().CreateQP(ctx, c.PD(), attr)
	if err != nil {
		return nil, verbs.NewCreationError("create_qp", 0)
	}

	return &QueuePair{
		ctx:         c,
		variant:     b.variant,
		qpn:         qpn,
		state:       StateReset,
		sendCQ:      sendCQ,
		recvCQ:      recvCQ,
		srq:         b.srq,
		port:        b.port,
		pkeyIndex:   b.pkeyIndex,
		qkey:        b.qkey,
		accessFlags: b.accessFlags,
		dcKey:       b.dcKey,
		pathMTU:     b.pathMTU,
		timeout:     b.timeout,
		retryCnt:    b.retryCnt,
		rnrRetry:    b.rnrRetry,
		minRNRTimer: b.minRNRTimer,
		maxRDAtomic: b.maxRDAtomic,
		maxSendWR:   b.sendWR,
	}, nil
}
