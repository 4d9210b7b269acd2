package qp

import (
	"context"

	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

func (q *QueuePair) checkVariant(where string, vs ...Variant) error {
	v := q.Variant()
	for _, want := range vs {
		if v == want {
			return nil
		}
	}
	return verbs.NewQPTypeError(where)
}

func (q *QueuePair) checkRTS(where string) error {
	if q.Status() != StateRTS {
		return verbs.NewPostSendError(where, 0)
	}
	return nil
}

// PostSendRead issues a one-sided RDMA read into local, reading from the
// peer's [raddr, raddr+len(local)) range keyed by rkey. RC/DC only.
func (q *QueuePair) PostSendRead(ctx context.Context, wrID uint64, local backend.SGE, raddr uint64, rkey uint32, signaled bool) error {
	if err := q.checkVariant("post_send_read", RC, DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send_read"); err != nil {
		return err
	}
	wr := backend.SendWR{WRID: wrID, Op: backend.OpRead, SGL: []backend.SGE{local}, RAddr: raddr, RKey: rkey, Signaled: signaled}
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send_read", 0)
	}
	return nil
}

// PostSendWrite issues a one-sided RDMA write of local into the peer's
// [raddr, raddr+len(local)) range keyed by rkey. RC/DC only.
func (q *QueuePair) PostSendWrite(ctx context.Context, wrID uint64, local backend.SGE, raddr uint64, rkey uint32, signaled bool) error {
	if err := q.checkVariant("post_send_write", RC, DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send_write"); err != nil {
		return err
	}
	wr := backend.SendWR{WRID: wrID, Op: backend.OpWrite, SGL: []backend.SGE{local}, RAddr: raddr, RKey: rkey, Signaled: signaled}
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send_write", 0)
	}
	return nil
}

// PostSendCAS issues a compare-and-swap on the 8-byte word at raddr/rkey:
// if its current value equals cmp, it is replaced with swap. The prior
// value is reported via backend.WC.AtomicPrior on the matching completion.
func (q *QueuePair) PostSendCAS(ctx context.Context, wrID uint64, raddr uint64, rkey uint32, cmp, swap uint64, signaled bool) error {
	if err := q.checkVariant("post_send_cas", RC, DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send_cas"); err != nil {
		return err
	}
	wr := backend.SendWR{WRID: wrID, Op: backend.OpCAS, RAddr: raddr, RKey: rkey, CmpAdd: cmp, SwapAdd: swap, Signaled: signaled}
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send_cas", 0)
	}
	return nil
}

// PostSendFAA issues a fetch-and-add of add onto the 8-byte word at
// raddr/rkey. The prior value is reported via backend.WC.AtomicPrior.
func (q *QueuePair) PostSendFAA(ctx context.Context, wrID uint64, raddr uint64, rkey uint32, add uint64, signaled bool) error {
	if err := q.checkVariant("post_send_faa", RC, DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send_faa"); err != nil {
		return err
	}
	wr := backend.SendWR{WRID: wrID, Op: backend.OpFAA, RAddr: raddr, RKey: rkey, CmpAdd: add, Signaled: signaled}
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send_faa", 0)
	}
	return nil
}

// PostSend issues a two-sided send over an already-connected RC/DC QP; the
// destination queue pair was fixed during the Init→RTR transition.
func (q *QueuePair) PostSend(ctx context.Context, wrID uint64, local backend.SGE, signaled bool) error {
	if err := q.checkVariant("post_send", RC, DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send"); err != nil {
		return err
	}
	wr := backend.SendWR{WRID: wrID, Op: backend.OpSend, SGL: []backend.SGE{local}, Signaled: signaled}
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send", 0)
	}
	return nil
}

// PostDatagram sends local to the remote qpn/qkey reachable via ah. UD
// only; the caller is responsible for reserving GRH headroom on the peer's
// matching receive buffer.
func (q *QueuePair) PostDatagram(ctx context.Context, wrID uint64, ah *verbs.AddressHandle, destQPN uint32, destQKey uint32, local backend.SGE, signaled bool) error {
	if err := q.checkVariant("post_datagram", UD); err != nil {
		return err
	}
	if err := q.checkRTS("post_datagram"); err != nil {
		return err
	}
	wr := backend.SendWR{
		WRID: wrID, Op: backend.OpSend, SGL: []backend.SGE{local},
		AHHandle: ah.Handle(), DestQPN: destQPN, DestQKey: destQKey, Signaled: signaled,
	}
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_datagram", 0)
	}
	return nil
}

// PostSendDCRead issues a one-sided RDMA read addressed to a DC target
// reachable via ah/dctNum, authenticated by dcKey (spec.md §4.3: DC
// combines RC's one-sided verbs with UD-style per-send addressing).
func (q *QueuePair) PostSendDCRead(ctx context.Context, wrID uint64, ah *verbs.AddressHandle, dctNum uint32, dcKey uint64, local backend.SGE, raddr uint64, rkey uint32, signaled bool) error {
	if err := q.checkVariant("post_send_dc_read", DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send_dc_read"); err != nil {
		return err
	}
	wr := backend.SendWR{
		WRID: wrID, Op: backend.OpRead, SGL: []backend.SGE{local},
		RAddr: raddr, RKey: rkey, AHHandle: ah.Handle(), DCTNum: dctNum, Signaled: signaled,
	}
	q.mu.Lock()
	q.dcKey = dcKey
	q.mu.Unlock()
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send_dc_read", 0)
	}
	return nil
}

// PostSendDCWrite mirrors PostSendDCRead for one-sided writes.
func (q *QueuePair) PostSendDCWrite(ctx context.Context, wrID uint64, ah *verbs.AddressHandle, dctNum uint32, dcKey uint64, local backend.SGE, raddr uint64, rkey uint32, signaled bool) error {
	if err := q.checkVariant("post_send_dc_write", DC); err != nil {
		return err
	}
	if err := q.checkRTS("post_send_dc_write"); err != nil {
		return err
	}
	wr := backend.SendWR{
		WRID: wrID, Op: backend.OpWrite, SGL: []backend.SGE{local},
		RAddr: raddr, RKey: rkey, AHHandle: ah.Handle(), DCTNum: dctNum, Signaled: signaled,
	}
	q.mu.Lock()
	q.dcKey = dcKey
	q.mu.Unlock()
	if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostSendError("post_send_dc_write", 0)
	}
	return nil
}

// PostRecv posts a receive buffer. For UD/DC, local should reserve at
// least wire.GRHSize bytes of headroom before the payload; this call
// never rejects an undersized buffer up front, because real hardware
// doesn't either — a matching send for a buffer too small to hold
// GRH+payload is dropped silently at delivery, with no completion
// raised at all.
func (q *QueuePair) PostRecv(ctx context.Context, wrID uint64, local backend.SGE) error {
	wr := backend.RecvWR{WRID: wrID, SGL: []backend.SGE{local}}
	if err := q.ctx.Device().PostRecv(ctx, q.qpn, wr); err != nil {
		return verbs.NewPostRecvError("post_recv", 0)
	}
	return nil
}
