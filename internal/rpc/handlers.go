package rpc

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/rctrl"
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/wire"
)

// metaEntry is a registered datagram peer, keyed by gid, plus the
// service_key its registration was authenticated with (spec.md §4.6).
type metaEntry struct {
	serviceKey uint64
	endpoint   wire.EndpointRecord
}

// StandardHandlers implements the five handlers spec.md §4.6 seeds on top
// of the RPCClient surface: register/deregister/query datagram meta, plus
// connect_rc/disconnect_rc which bring up server-side RC queue pairs
// directly from RPC-carried coordinates (no ConnectionManager rendezvous
// involved — this is the lightweight counterpart to cm.Connect).
type StandardHandlers struct {
	vctx  *verbs.Context
	rctrl *rctrl.RCtrl

	mu   sync.Mutex
	meta map[backend.GID]metaEntry
	qps  map[uint64]*qp.QueuePair // keyed by the qd rctrl allocated

	serviceID uint64
}

// NewStandardHandlers returns a handler set bound to vctx and registry,
// serving serviceID's service registry for connect_rc/disconnect_rc.
func NewStandardHandlers(vctx *verbs.Context, registry *rctrl.RCtrl, serviceID uint64) *StandardHandlers {
	return &StandardHandlers{
		vctx: vctx, rctrl: registry, serviceID: serviceID,
		meta: make(map[backend.GID]metaEntry),
		qps:  make(map[uint64]*qp.QueuePair),
	}
}

// Install registers all five handlers on c.
func (s *StandardHandlers) Install(c *RPCClient) {
	c.RegisterHandler(wire.ReqRegisterMeta, s.registerDatagramMeta)
	c.RegisterHandler(wire.ReqDeregisterMeta, s.deregisterDatagramMeta)
	c.RegisterHandler(wire.ReqQueryMeta, s.queryDatagramMeta)
	c.RegisterHandler(wire.ReqConnectRC, s.connectRC)
	c.RegisterHandler(wire.ReqDisconnectRC, s.disconnectRC)
}

const advertisedMRReplySize = 64

// registerDatagramMeta: req = gid(16) + service_key(8) + endpoint(48);
// reply = advertised_mr_addr(8), padded to the 64-byte reply minimum.
func (s *StandardHandlers) registerDatagramMeta(req []byte, reply []byte) uint32 {
	if len(req) < 16+8+wire.EndpointRecordSize || len(reply) < advertisedMRReplySize {
		return 0
	}
	var gid backend.GID
	copy(gid[:], req[0:16])
	serviceKey := binary.LittleEndian.Uint64(req[16:24])
	ep, err := wire.DecodeEndpointRecord(req[24 : 24+wire.EndpointRecordSize])
	if err != nil {
		return 0
	}

	s.mu.Lock()
	s.meta[gid] = metaEntry{serviceKey: serviceKey, endpoint: ep}
	s.mu.Unlock()

	binary.LittleEndian.PutUint64(reply[0:8], ep.MRAddr)
	return advertisedMRReplySize
}

// deregisterDatagramMeta: req = gid(16); no reply (spec.md §4.6: "→ 0").
func (s *StandardHandlers) deregisterDatagramMeta(req []byte, _ []byte) uint32 {
	if len(req) < 16 {
		return 0
	}
	var gid backend.GID
	copy(gid[:], req[0:16])
	s.mu.Lock()
	delete(s.meta, gid)
	s.mu.Unlock()
	return 0
}

// queryDatagramMeta: req = gid(16); reply = endpoint(48) padded to 64, or
// a 0-length reply when no entry is registered ("or empty", spec.md §4.6).
func (s *StandardHandlers) queryDatagramMeta(req []byte, reply []byte) uint32 {
	if len(req) < 16 || len(reply) < advertisedMRReplySize {
		return 0
	}
	var gid backend.GID
	copy(gid[:], req[0:16])
	s.mu.Lock()
	entry, ok := s.meta[gid]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	copy(reply, entry.endpoint.Encode())
	return advertisedMRReplySize
}

// connectRC: req = gid(16) + lid(2) + qpn(4); builds a server-side RC,
// walks it to RTR+RTS against the caller's coordinates, registers it at a
// freshly allocated qd, and replies with this side's own coordinates plus
// qd (spec.md §4.6).
func (s *StandardHandlers) connectRC(req []byte, reply []byte) uint32 {
	if len(req) < 16+2+4 || len(reply) < advertisedMRReplySize {
		return 0
	}
	var peerGID backend.GID
	copy(peerGID[:], req[0:16])
	peerLID := binary.LittleEndian.Uint16(req[16:18])
	peerQPN := binary.LittleEndian.Uint32(req[18:22])

	ctx := context.Background()
	q, err := qp.NewBuilder(qp.RC).SetAccessFlags(backend.AccessRemoteRead | backend.AccessRemoteWrite | backend.AccessRemoteAtomic).Build(ctx, s.vctx)
	if err != nil {
		return 0
	}
	if err := q.ToInit(ctx); err != nil {
		return 0
	}
	peer := qp.PeerInfo{QPN: peerQPN, LID: peerLID, GID: peerGID, StartPSN: peerQPN}
	if err := q.ToRTR(ctx, peer); err != nil {
		return 0
	}
	if err := q.ToRTS(ctx, uint32(q.QPN())); err != nil {
		return 0
	}

	qd := s.rctrl.RegisterNext(s.serviceID, rctrl.Entry{QPN: q.QPN()})
	s.mu.Lock()
	s.qps[qd] = q
	s.mu.Unlock()

	local := s.vctx.PortAttr()
	copy(reply[0:16], local.GID[:])
	binary.LittleEndian.PutUint16(reply[16:18], local.LID)
	binary.LittleEndian.PutUint32(reply[18:22], uint32(q.QPN()))
	binary.LittleEndian.PutUint64(reply[22:30], qd)
	return advertisedMRReplySize
}

// disconnectRC: req = qd(8); tears down the server-side RC; no reply.
func (s *StandardHandlers) disconnectRC(req []byte, _ []byte) uint32 {
	if len(req) < 8 {
		return 0
	}
	qd := binary.LittleEndian.Uint64(req[0:8])

	s.mu.Lock()
	q, ok := s.qps[qd]
	delete(s.qps, qd)
	s.mu.Unlock()
	if !ok {
		return 0
	}
	_ = q.Close(context.Background())
	s.rctrl.Deregister(s.serviceID, qd)
	return 0
}
