package simbackend

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// grhSize is the 40-byte global route header the fabric prepends to every
// datagram delivery (spec.md glossary: GRH).
const grhSize = 40

func (d *Device) resolveLocal(sge backend.SGE) ([]byte, error) {
	d.fabric.mu.RLock()
	mr, ok := d.fabric.mrs[sge.LKey]
	d.fabric.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("simbackend: unknown lkey %d", sge.LKey)
	}
	base := addressOf(mr.buf)
	if sge.Addr < base {
		return nil, fmt.Errorf("simbackend: sge address below mr base")
	}
	off := int(sge.Addr - base)
	if off+int(sge.Length) > len(mr.buf) {
		return nil, fmt.Errorf("simbackend: sge range exceeds mr capacity")
	}
	return mr.buf[off : off+int(sge.Length)], nil
}

func (d *Device) resolveRemote(raddr uint64, rkey uint32, length int, need uint32) ([]byte, error) {
	d.fabric.mu.RLock()
	mr, ok := d.fabric.mrs[rkey]
	d.fabric.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("simbackend: unknown rkey %d", rkey)
	}
	if mr.accessFlags&need == 0 {
		return nil, fmt.Errorf("simbackend: rkey %d lacks required access flag", rkey)
	}
	base := addressOf(mr.buf)
	if raddr < base {
		return nil, fmt.Errorf("simbackend: raddr below mr base")
	}
	off := int(raddr - base)
	if off < 0 || off+length > len(mr.buf) {
		return nil, fmt.Errorf("simbackend: remote range exceeds mr capacity")
	}
	return mr.buf[off : off+length], nil
}

func (d *Device) pushCompletion(cq uint64, wc backend.WC) {
	if cq == 0 {
		return
	}
	d.fabric.mu.RLock()
	st, ok := d.fabric.cqs[cq]
	d.fabric.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	if len(st.entries) < st.capacity {
		st.entries = append(st.entries, wc)
	} else {
		// Ring overrun: mirrors hardware behavior of poisoning a CQ that
		// overflows (spec.md §4.2: caller must treat it as poisoned).
		st.poisoned = true
	}
	st.mu.Unlock()
}

func (d *Device) PostSend(ctx context.Context, qpn uint64, wr backend.SendWR) error {
	qp, ok := d.lookupQP(qpn)
	if !ok {
		return fmt.Errorf("simbackend: post_send: unknown qpn %d", qpn)
	}

	qp.mu.Lock()
	state, variant, sendCQ, destQPN, srcLID := qp.state, qp.variant, qp.sendCQ, qp.destQPN, qp.lid
	dcKey := qp.dcKey
	qp.mu.Unlock()

	if state != "RTS" {
		return fmt.Errorf("simbackend: post_send: qp %d not in RTS (state=%s)", qpn, state)
	}

	switch wr.Op {
	case backend.OpRead:
		if len(wr.SGL) != 1 {
			return fmt.Errorf("simbackend: read expects exactly one sge")
		}
		local, err := d.resolveLocal(wr.SGL[0])
		if err != nil {
			return err
		}
		remote, err := d.resolveRemote(wr.RAddr, wr.RKey, len(local), backend.AccessRemoteRead)
		if err != nil {
			d.pushCompletion(sendCQ, errWC(wr.WRID))
			return nil
		}
		copy(local, remote)
		d.pushCompletion(sendCQ, okWC(wr.WRID, uint32(len(local))))

	case backend.OpWrite:
		if len(wr.SGL) != 1 {
			return fmt.Errorf("simbackend: write expects exactly one sge")
		}
		local, err := d.resolveLocal(wr.SGL[0])
		if err != nil {
			return err
		}
		remote, err := d.resolveRemote(wr.RAddr, wr.RKey, len(local), backend.AccessRemoteWrite)
		if err != nil {
			d.pushCompletion(sendCQ, errWC(wr.WRID))
			return nil
		}
		copy(remote, local)
		d.pushCompletion(sendCQ, okWC(wr.WRID, uint32(len(local))))

	case backend.OpCAS:
		remote, err := d.resolveRemote(wr.RAddr, wr.RKey, 8, backend.AccessRemoteAtomic)
		if err != nil {
			d.pushCompletion(sendCQ, errWC(wr.WRID))
			return nil
		}
		prior := binary.LittleEndian.Uint64(remote)
		if prior == wr.CmpAdd {
			binary.LittleEndian.PutUint64(remote, wr.SwapAdd)
		}
		wc := okWC(wr.WRID, 8)
		wc.AtomicPrior = prior
		d.pushCompletion(sendCQ, wc)

	case backend.OpFAA:
		remote, err := d.resolveRemote(wr.RAddr, wr.RKey, 8, backend.AccessRemoteAtomic)
		if err != nil {
			d.pushCompletion(sendCQ, errWC(wr.WRID))
			return nil
		}
		prior := binary.LittleEndian.Uint64(remote)
		binary.LittleEndian.PutUint64(remote, prior+wr.CmpAdd)
		wc := okWC(wr.WRID, 8)
		wc.AtomicPrior = prior
		d.pushCompletion(sendCQ, wc)

	case backend.OpSend:
		if len(wr.SGL) != 1 {
			return fmt.Errorf("simbackend: send expects exactly one sge")
		}
		local, err := d.resolveLocal(wr.SGL[0])
		if err != nil {
			return err
		}
		payload := append([]byte(nil), local...)

		var targetQPN uint64
		prependGRH := variant != "RC"
		if variant == "RC" {
			targetQPN = uint64(destQPN)
		} else {
			targetQPN = uint64(wr.DestQPN)
		}

		peer, ok := d.lookupQP(targetQPN)
		if !ok {
			d.pushCompletion(sendCQ, errWC(wr.WRID))
			return nil
		}
		if variant == "DC" && peer.dcKey != dcKey && peer.dcKey != 0 {
			d.pushCompletion(sendCQ, errWC(wr.WRID))
			return nil
		}
		deliver(peer, uint32(qpn), srcLID, payload, prependGRH)
		d.pushCompletion(sendCQ, okWC(wr.WRID, uint32(len(payload))))

	default:
		return fmt.Errorf("simbackend: unknown send op %d", wr.Op)
	}
	return nil
}

// deliver hands payload to the next buffer posted on peer's SRQ (if
// attached) or its own receive queue, matching spec.md §4.2's "SRQ
// consumes the next recv buffer regardless of which attached QP receives
// the packet".
func deliver(peer *qpState, srcQPN uint32, srcLID uint16, payload []byte, prependGRH bool) {
	peer.mu.Lock()
	var rw backend.RecvWR
	var found bool
	if peer.srq != 0 {
		peer.fabric.mu.RLock()
		srq := peer.fabric.srqs[peer.srq]
		peer.fabric.mu.RUnlock()
		if srq != nil {
			srq.mu.Lock()
			if len(srq.queue) > 0 {
				rw, found = srq.queue[0], true
				srq.queue = srq.queue[1:]
			}
			srq.mu.Unlock()
		}
	} else if len(peer.recvQueue) > 0 {
		rw, found = peer.recvQueue[0], true
		peer.recvQueue = peer.recvQueue[1:]
	}
	recvCQ, fabric, lid := peer.recvCQ, peer.fabric, peer.lid
	peer.mu.Unlock()
	_ = lid

	if !found {
		// No posted receive buffer: matches "silently drops received
		// messages" (spec.md §4.3) for buffer exhaustion as well as
		// undersized GRH headroom.
		return
	}

	dev := fabric.deviceFor(peer.lid)
	if dev == nil {
		return
	}
	buf, err := dev.resolveLocal(rw.SGL[0])
	if err != nil {
		return
	}

	n := 0
	if prependGRH {
		if len(buf) < grhSize {
			// Caller failed to reserve GRH headroom; hardware drops
			// silently (spec.md §4.3).
			return
		}
		n = grhSize
	}
	copyLen := len(payload)
	if n+copyLen > len(buf) {
		copyLen = len(buf) - n
	}
	copy(buf[n:], payload[:copyLen])

	dev.pushCompletion(recvCQ, backend.WC{
		WRID:     rw.WRID,
		Status:   0,
		ByteLen:  uint32(n + copyLen),
		SrcQPNum: srcQPN,
	})
}

func (d *Device) PostRecv(ctx context.Context, qpn uint64, wr backend.RecvWR) error {
	qp, ok := d.lookupQP(qpn)
	if !ok {
		return fmt.Errorf("simbackend: post_recv: unknown qpn %d", qpn)
	}
	qp.mu.Lock()
	srq := qp.srq
	if srq == 0 {
		qp.recvQueue = append(qp.recvQueue, wr)
	}
	qp.mu.Unlock()

	if srq != 0 {
		d.fabric.mu.RLock()
		st := d.fabric.srqs[srq]
		d.fabric.mu.RUnlock()
		if st == nil {
			return fmt.Errorf("simbackend: post_recv: unknown srq %d", srq)
		}
		st.mu.Lock()
		st.queue = append(st.queue, wr)
		st.mu.Unlock()
	}
	return nil
}

func (f *Fabric) deviceFor(lid uint16) *Device {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.devs[lid]
}

func okWC(wrID uint64, byteLen uint32) backend.WC {
	return backend.WC{WRID: wrID, Status: 0, ByteLen: byteLen}
}

func errWC(wrID uint64) backend.WC {
	return backend.WC{WRID: wrID, Status: 1}
}
