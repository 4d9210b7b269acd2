package qp

import (
	"context"

	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// DoorbellHelper batches one-sided work requests so a caller can build up a
// chain of reads/writes/atomics and post them together with Flush
// (original_source's doorbell_helper.rs). Flush posts the entries in order
// with one backend PostSend call each; backend.Device has no call that
// submits a whole chain in a single doorbell ring. It is not safe for
// concurrent use.
type DoorbellHelper struct {
	capacity int
	entries  []backend.SendWR
	frozen   bool
}

// NewDoorbellHelper returns an empty helper that can batch up to capacity
// entries before a Flush is required.
func NewDoorbellHelper(capacity int) *DoorbellHelper {
	return &DoorbellHelper{capacity: capacity, entries: make([]backend.SendWR, 0, capacity)}
}

// Size returns the current batch size.
func (d *DoorbellHelper) Size() int { return len(d.entries) }

// IsEmpty reports whether the batch has no queued entries.
func (d *DoorbellHelper) IsEmpty() bool { return len(d.entries) == 0 }

// IsFull reports whether the batch has reached capacity.
func (d *DoorbellHelper) IsFull() bool { return len(d.entries) >= d.capacity }

// push appends wr if capacity allows, returning the batch's new size. It is
// a no-op (with the prior size returned) when the batch is already frozen
// or full, mirroring doorbell_helper.rs's next()/false contract.
func (d *DoorbellHelper) push(wr backend.SendWR) int {
	if d.frozen || d.IsFull() {
		return len(d.entries)
	}
	d.entries = append(d.entries, wr)
	return len(d.entries)
}

// PushWrite queues a one-sided RDMA write.
func (d *DoorbellHelper) PushWrite(wrID uint64, local backend.SGE, raddr uint64, rkey uint32, signaled bool) int {
	return d.push(backend.SendWR{WRID: wrID, Op: backend.OpWrite, SGL: []backend.SGE{local}, RAddr: raddr, RKey: rkey, Signaled: signaled})
}

// PushRead queues a one-sided RDMA read.
func (d *DoorbellHelper) PushRead(wrID uint64, local backend.SGE, raddr uint64, rkey uint32, signaled bool) int {
	return d.push(backend.SendWR{WRID: wrID, Op: backend.OpRead, SGL: []backend.SGE{local}, RAddr: raddr, RKey: rkey, Signaled: signaled})
}

// PushCAS queues a compare-and-swap on the 8-byte word at raddr/rkey.
func (d *DoorbellHelper) PushCAS(wrID uint64, raddr uint64, rkey uint32, old, new_ uint64, signaled bool) int {
	return d.push(backend.SendWR{WRID: wrID, Op: backend.OpCAS, RAddr: raddr, RKey: rkey, CmpAdd: old, SwapAdd: new_, Signaled: signaled})
}

// PushFAA queues a fetch-and-add onto the 8-byte word at raddr/rkey.
func (d *DoorbellHelper) PushFAA(wrID uint64, raddr uint64, rkey uint32, val uint64, signaled bool) int {
	return d.push(backend.SendWR{WRID: wrID, Op: backend.OpFAA, RAddr: raddr, RKey: rkey, CmpAdd: val, Signaled: signaled})
}

// Freeze prevents further pushes until the next Clear; callers flush
// between Freeze and Clear.
func (d *DoorbellHelper) Freeze() {
	if d.IsEmpty() {
		return
	}
	d.frozen = true
}

// Clear empties the batch and unfreezes it.
func (d *DoorbellHelper) Clear() {
	d.entries = d.entries[:0]
	d.frozen = false
}

// Flush freezes the batch, posts every queued entry in order to qp, then
// clears it regardless of outcome (matching flush_doorbell's freeze →
// post → clear sequence).
func (d *DoorbellHelper) Flush(ctx context.Context, q *QueuePair) error {
	if d.IsEmpty() {
		return nil
	}
	d.Freeze()
	defer d.Clear()

	if err := q.checkVariant("flush_doorbell", RC, DC); err != nil {
		return err
	}
	if err := q.checkRTS("flush_doorbell"); err != nil {
		return err
	}
	for _, wr := range d.entries {
		if err := q.ctx.Device().PostSend(ctx, q.qpn, wr); err != nil {
			return verbs.NewPostSendError("flush_doorbell", 0)
		}
	}
	return nil
}
