package simbackend

import (
	"context"
	"fmt"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// Device is one simulated HCA port attached to a Fabric. It implements
// backend.Device.
type Device struct {
	fabric *Fabric
	lid    uint16
	gid    backend.GID
	attr   backend.PortAttr
}

// NewDevice registers a simulated port at lid on fabric and returns a
// backend.Device bound to it.
func NewDevice(fabric *Fabric, lid uint16, gid backend.GID, linkLayer string) *Device {
	d := &Device{
		fabric: fabric,
		lid:    lid,
		gid:    gid,
		attr: backend.PortAttr{
			LID:         lid,
			GID:         gid,
			PortNum:     1,
			State:       "ACTIVE",
			PhysState:   "LINK_UP",
			LinkLayer:   linkLayer,
			ActiveSpeed: "100 Gb/sec",
			MTU:         1024,
		},
	}
	fabric.mu.Lock()
	fabric.devs[lid] = d
	fabric.mu.Unlock()
	return d
}

func (d *Device) AllocPD(context.Context) (uint64, error) {
	h := d.fabric.allocHandle()
	d.fabric.mu.Lock()
	d.fabric.pds[h] = &pdState{owner: d}
	d.fabric.mu.Unlock()
	return h, nil
}

func (d *Device) DeallocPD(_ context.Context, pd uint64) error {
	d.fabric.mu.Lock()
	delete(d.fabric.pds, pd)
	d.fabric.mu.Unlock()
	return nil
}

func (d *Device) QueryPort(_ context.Context, portNum uint8) (backend.PortAttr, error) {
	attr := d.attr
	attr.PortNum = portNum
	return attr, nil
}

func (d *Device) QueryGID(_ context.Context, _ uint8, index int) (backend.GID, error) {
	if index != 0 {
		return backend.GID{}, fmt.Errorf("simbackend: gid index %d out of range", index)
	}
	return d.gid, nil
}

func (d *Device) CreateAH(_ context.Context, _ uint64, _ uint8, _ int, lid uint16, gid backend.GID) (uint64, error) {
	h := d.fabric.allocHandle()
	d.fabric.mu.Lock()
	d.fabric.ahs[h] = &ahState{lid: lid, gid: gid}
	d.fabric.mu.Unlock()
	return h, nil
}

func (d *Device) DestroyAH(_ context.Context, ah uint64) error {
	d.fabric.mu.Lock()
	delete(d.fabric.ahs, ah)
	d.fabric.mu.Unlock()
	return nil
}

func (d *Device) RegisterMR(_ context.Context, pd uint64, buf []byte, accessFlags uint32) (uint32, uint32, error) {
	key := d.fabric.allocKey()
	d.fabric.mu.Lock()
	d.fabric.mrs[key] = &mrState{pd: pd, buf: buf, accessFlags: accessFlags}
	d.fabric.mu.Unlock()
	return key, key, nil
}

func (d *Device) DeregisterMR(_ context.Context, lkey uint32) error {
	d.fabric.mu.Lock()
	delete(d.fabric.mrs, lkey)
	d.fabric.mu.Unlock()
	return nil
}

func (d *Device) BindMW(_ context.Context, pd uint64, mrLKey uint32, offset, length int, accessFlags uint32) (uint32, error) {
	d.fabric.mu.Lock()
	parent, ok := d.fabric.mrs[mrLKey]
	if !ok {
		d.fabric.mu.Unlock()
		return 0, fmt.Errorf("simbackend: bind_mw: unknown mr %d", mrLKey)
	}
	if offset < 0 || length <= 0 || offset+length > len(parent.buf) {
		d.fabric.mu.Unlock()
		return 0, fmt.Errorf("simbackend: bind_mw: range out of bounds")
	}
	key := d.fabric.allocKey()
	d.fabric.mrs[key] = &mrState{
		pd:          pd,
		buf:         parent.buf[offset : offset+length],
		accessFlags: accessFlags,
		isWindow:    true,
		parentKey:   mrLKey,
		off:         offset,
	}
	d.fabric.mu.Unlock()
	return key, nil
}

func (d *Device) UnbindMW(_ context.Context, rkey uint32) error {
	d.fabric.mu.Lock()
	delete(d.fabric.mrs, rkey)
	d.fabric.mu.Unlock()
	return nil
}

func (d *Device) CreateCQ(_ context.Context, entries int) (uint64, error) {
	h := d.fabric.allocHandle()
	d.fabric.mu.Lock()
	d.fabric.cqs[h] = &cqState{capacity: entries}
	d.fabric.mu.Unlock()
	return h, nil
}

func (d *Device) PollCQ(_ context.Context, cq uint64, max int) ([]backend.WC, error) {
	d.fabric.mu.RLock()
	st, ok := d.fabric.cqs[cq]
	d.fabric.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("simbackend: poll_cq: unknown cq %d", cq)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.poisoned {
		return nil, fmt.Errorf("simbackend: cq %d poisoned", cq)
	}
	n := max
	if n > len(st.entries) {
		n = len(st.entries)
	}
	out := append([]backend.WC(nil), st.entries[:n]...)
	st.entries = st.entries[n:]
	return out, nil
}

func (d *Device) DestroyCQ(_ context.Context, cq uint64) error {
	d.fabric.mu.Lock()
	delete(d.fabric.cqs, cq)
	d.fabric.mu.Unlock()
	return nil
}

func (d *Device) CreateSRQ(_ context.Context, _ uint64, maxWR int, _ int) (uint64, error) {
	h := d.fabric.allocHandle()
	d.fabric.mu.Lock()
	d.fabric.srqs[h] = &srqState{maxWR: maxWR}
	d.fabric.mu.Unlock()
	return h, nil
}

func (d *Device) DestroySRQ(_ context.Context, srq uint64) error {
	d.fabric.mu.Lock()
	delete(d.fabric.srqs, srq)
	d.fabric.mu.Unlock()
	return nil
}

func (d *Device) CreateQP(_ context.Context, pd uint64, attr backend.QPInitAttr) (uint64, error) {
	qpn := d.fabric.allocQPN()
	qp := &qpState{
		qpn:     qpn,
		variant: attr.Variant,
		state:   "RESET",
		pd:      pd,
		sendCQ:  attr.SendCQ,
		recvCQ:  attr.RecvCQ,
		srq:     attr.SRQ,
		portNum: attr.PortNum,
		lid:     d.lid,
		fabric:  d.fabric,
	}
	d.fabric.mu.Lock()
	d.fabric.qps[qpn] = qp
	d.fabric.mu.Unlock()
	return qpn, nil
}

func (d *Device) lookupQP(qpn uint64) (*qpState, bool) {
	d.fabric.mu.RLock()
	qp, ok := d.fabric.qps[qpn]
	d.fabric.mu.RUnlock()
	return qp, ok
}

func (d *Device) ModifyQP(_ context.Context, qpn uint64, attr backend.QPAttr, mask backend.QPAttrMask) error {
	qp, ok := d.lookupQP(qpn)
	if !ok {
		return fmt.Errorf("simbackend: modify_qp: unknown qpn %d", qpn)
	}
	qp.mu.Lock()
	defer qp.mu.Unlock()

	if mask&backend.MaskPKeyIndex != 0 {
		qp.pkeyIndex = attr.PKeyIndex
	}
	if mask&backend.MaskQKey != 0 {
		qp.qkey = attr.QKey
	}
	if mask&backend.MaskAccessFlags != 0 {
		qp.accessFlags = attr.AccessFlags
	}
	if mask&backend.MaskDCKey != 0 {
		qp.dcKey = attr.DCKey
	}
	if mask&backend.MaskDestQPN != 0 {
		qp.destQPN = attr.DestQPN
	}
	if mask&backend.MaskAH != 0 {
		qp.destLID = attr.DestLID
		qp.destGID = attr.DestGID
	}
	if mask&backend.MaskState != 0 {
		qp.state = attr.TargetState
	}
	return nil
}

func (d *Device) DestroyQP(_ context.Context, qpn uint64) error {
	d.fabric.mu.Lock()
	delete(d.fabric.qps, qpn)
	d.fabric.mu.Unlock()
	return nil
}
