// Package rpc implements RPCClient: a UD-bound request/reply layer used
// both by application code and by the five standard handlers spec.md §4.6
// defines (register/deregister/query datagram meta, connect_rc,
// disconnect_rc).
package rpc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yuuki/rdmacore/internal/endpoint"
	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/wire"
)

// replyMinLen is the hardware minimum datagram payload this layer accepts
// for a non-empty reply (spec.md §4.6).
const replyMinLen = 64

// Handler implements one RPC request type. It runs synchronously on the
// poll_all task and must not suspend; it returns the number of bytes
// written into reply, or 0 to indicate "do not reply".
type Handler func(req []byte, reply []byte) uint32

// pendingCall is a Call awaiting its reply.
type pendingCall struct {
	replyCh chan []byte
}

// RPCClient binds one UD queue pair to a process-wide handler table and a
// fixed pool of receive slots (spec.md §4.6).
type RPCClient struct {
	vctx *verbs.Context
	q    *qp.QueuePair

	recvMR   *verbs.MemoryRegion
	sendMR   *verbs.MemoryRegion
	slots    int
	slotSize int

	mu       sync.Mutex
	handlers map[uint8]Handler
	pending  map[uint64]*pendingCall
	ahCache  map[uint32]*verbs.AddressHandle // keyed by peer lid, see ahKey

	sendSlot uint64

	localEndpoint wire.EndpointRecord
	recorder      Recorder
}

// Recorder observes Call round-trip latency, e.g. *metrics.Recorder. A nil
// Recorder (the default) disables instrumentation.
type Recorder interface {
	ObserveRPCCall(reqType uint8, d time.Duration, timedOut bool)
}

// SetRecorder attaches an instrumentation sink.
func (c *RPCClient) SetRecorder(r Recorder) { c.recorder = r }

func ahKey(lid uint16) uint32 { return uint32(lid) }

// New binds ud (already built in Reset state) to ctx, allocates slot
// recv/send buffers of slots*slotSize bytes each (slotSize must be >=
// 512B per spec.md §4.6), walks the UD QP to RTS, posts slots receive
// buffers and installs the dummy handler at tag 0.
func New(parent context.Context, vctx *verbs.Context, ud *qp.QueuePair, slots, slotSize int) (*RPCClient, error) {
	if ud.Variant() != qp.UD {
		return nil, fmt.Errorf("rpc: RPCClient requires a UD queue pair")
	}
	if slotSize < 512 {
		return nil, fmt.Errorf("rpc: slot size must be >= 512 bytes")
	}

	recvMR, err := verbs.Allocate(parent, vctx, slots*slotSize, verbs.AccessLocalWrite)
	if err != nil {
		return nil, err
	}
	sendMR, err := verbs.Allocate(parent, vctx, slots*slotSize, verbs.AccessLocalWrite)
	if err != nil {
		return nil, err
	}

	if err := ud.ToInit(parent); err != nil {
		return nil, err
	}
	if err := ud.ToRTR(parent, qp.PeerInfo{}); err != nil {
		return nil, err
	}
	if err := ud.ToRTS(parent, uint32(ud.QPN())); err != nil {
		return nil, err
	}

	c := &RPCClient{
		vctx: vctx, q: ud,
		recvMR: recvMR, sendMR: sendMR,
		slots: slots, slotSize: slotSize,
		handlers: make(map[uint8]Handler),
		pending:  make(map[uint64]*pendingCall),
		ahCache:  make(map[uint32]*verbs.AddressHandle),
		localEndpoint: wire.EndpointRecord{
			QPN: uint32(ud.QPN()), QKey: ud.QKey(),
			LID: vctx.PortAttr().LID, GID: vctx.GID0(),
			MRAddr: recvMR.RdmaAddr(), MRRKey: recvMR.RKey(),
		},
	}

	for i := 0; i < slots; i++ {
		if err := c.postRecvSlot(parent, i); err != nil {
			return nil, err
		}
	}

	c.RegisterHandler(wire.ReqDummy, dummyHandler)
	return c, nil
}

// newRPCID mints a correlation id for an outgoing Call. It derives a
// uint64 from a fresh uuid rather than a process-local counter so ids
// stay unique across client restarts without any persisted sequence
// state (spec.md §4.6 leaves rpc_id generation to the implementation).
func newRPCID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8])
}

func dummyHandler(_ []byte, reply []byte) uint32 {
	if len(reply) < replyMinLen {
		return 0
	}
	return replyMinLen
}

// postRecvSlot reposts slot's receive buffer using the slot index itself
// as the work-request id, so dispatch can recover the slot directly from
// a completion's WRID without an auxiliary lookup table.
func (c *RPCClient) postRecvSlot(ctx context.Context, slot int) error {
	off := slot * c.slotSize
	sge := backend.SGE{
		Addr:   c.recvMR.RdmaAddr() + uint64(off),
		Length: uint32(c.slotSize),
		LKey:   c.recvMR.LKey(),
	}
	return c.q.PostRecv(ctx, uint64(slot), sge)
}

// RegisterHandler installs h for reqType, replacing any prior handler.
func (c *RPCClient) RegisterHandler(reqType uint8, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[reqType] = h
}

// Endpoint returns this client's own routing/keys record, suitable for
// embedding in an outgoing header so a peer can reply.
func (c *RPCClient) Endpoint() wire.EndpointRecord { return c.localEndpoint }

func (c *RPCClient) addressHandleFor(ctx context.Context, lid uint16, gid backend.GID) (*verbs.AddressHandle, error) {
	c.mu.Lock()
	if ah, ok := c.ahCache[ahKey(lid)]; ok {
		c.mu.Unlock()
		return ah, nil
	}
	c.mu.Unlock()

	ah, err := c.vctx.CreateAddressHandle(ctx, c.vctx.PortNum(), 0, lid, gid)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.ahCache[ahKey(lid)] = ah
	c.mu.Unlock()
	return ah, nil
}

// Call sends header (with Endpoint auto-filled to this client's own
// endpoint) plus req to peer, and blocks until a reply carrying the same
// rpc_id arrives or timeoutUs elapses. A nil, nil return is the
// expected timeout outcome; the caller must treat any later reply
// carrying the same rpc_id as garbage (spec.md §4.6).
func (c *RPCClient) Call(ctx context.Context, peer *endpoint.DatagramEndpoint, reqType uint8, req []byte, timeoutUs int64) ([]byte, error) {
	start := time.Now()
	rpcID := newRPCID()
	hdr := wire.Header{ReqType: reqType, RPCID: rpcID, Endpoint: c.localEndpoint}

	pc := &pendingCall{replyCh: make(chan []byte, 1)}
	c.mu.Lock()
	c.pending[rpcID] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, rpcID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, peer, hdr, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(timeoutUs) * time.Microsecond)
	defer timer.Stop()
	select {
	case reply := <-pc.replyCh:
		if c.recorder != nil {
			c.recorder.ObserveRPCCall(reqType, time.Since(start), false)
		}
		return reply, nil
	case <-timer.C:
		if c.recorder != nil {
			c.recorder.ObserveRPCCall(reqType, time.Since(start), true)
		}
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RPCClient) send(ctx context.Context, peer *endpoint.DatagramEndpoint, hdr wire.Header, payload []byte) error {
	msg := hdr.Encode()
	msg = append(msg, payload...)
	if len(msg) > c.slotSize {
		return fmt.Errorf("rpc: message (%d bytes) exceeds slot size %d", len(msg), c.slotSize)
	}

	slot := int(atomic.AddUint64(&c.sendSlot, 1)) % c.slots
	off := slot * c.slotSize
	buf := c.sendMR.Bytes()[off : off+c.slotSize]
	copy(buf, msg)

	sge := backend.SGE{Addr: c.sendMR.RdmaAddr() + uint64(off), Length: uint32(len(msg)), LKey: c.sendMR.LKey()}

	ah, err := c.addressHandleFor(ctx, peer.LID(), peer.GID())
	if err != nil {
		return err
	}
	wrID := atomic.AddUint64(&c.sendSlot, 1)
	return c.q.PostDatagram(ctx, wrID, ah, peer.QPN(), peer.QKey(), sge, true)
}

// PollAll drains the receive CQ in bursts of up to c.slots, dispatching
// each completion either to a pending Call (if its rpc_id matches one
// awaiting reply) or to the registered handler for its req_type,
// reposting one receive buffer per consumed completion.
func (c *RPCClient) PollAll(ctx context.Context) error {
	out := make([]verbs.Completion, c.slots)
	completions, err := c.q.RecvCQ().Poll(ctx, out)
	if err != nil {
		return err
	}

	for _, comp := range completions {
		if err := c.dispatch(ctx, comp); err != nil {
			return err
		}
	}
	return nil
}

// RunAll drives PollAll for every client in clients, each on its own
// goroutine, until ctx is canceled or one client's PollAll returns an
// error. It stops and waits for every other goroutine before returning,
// so a caller never observes a partially-torn-down fleet of pollers.
func RunAll(ctx context.Context, interval time.Duration, clients ...*RPCClient) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		c := c
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
					if err := c.PollAll(gctx); err != nil {
						return err
					}
				}
			}
		})
	}
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *RPCClient) dispatch(ctx context.Context, comp verbs.Completion) error {
	slot := int(comp.WRID) % c.slots
	off := slot * c.slotSize
	buf := c.recvMR.Bytes()[off : off+c.slotSize]

	payload := buf[wire.GRHSize:]
	// comp.ByteLen counts the GRH plus the delivered message; trimming to it
	// leaves body holding only the bytes the peer actually sent.
	if end := int(comp.ByteLen) - wire.GRHSize; end >= wire.RPCHeaderSize && end <= len(payload) {
		payload = payload[:end]
	}
	hdr, err := wire.DecodeHeader(payload)
	if err != nil {
		return fmt.Errorf("rpc: dispatch: %w", err)
	}
	body := payload[wire.RPCHeaderSize:]

	c.mu.Lock()
	pc, isReply := c.pending[hdr.RPCID]
	c.mu.Unlock()

	if isReply {
		replyBody := append([]byte(nil), body...)
		select {
		case pc.replyCh <- replyBody:
		default:
		}
		return c.postRecvSlot(ctx, slot)
	}

	c.mu.Lock()
	h, ok := c.handlers[hdr.ReqType]
	c.mu.Unlock()
	if !ok {
		return c.postRecvSlot(ctx, slot)
	}

	replyBuf := make([]byte, c.slotSize)
	n := h(body, replyBuf)
	if n > 0 {
		peerAH, err := c.addressHandleFor(ctx, hdr.Endpoint.LID, hdr.Endpoint.GID)
		if err == nil {
			replyEP := endpoint.New(peerAH, hdr.Endpoint.QPN, hdr.Endpoint.QKey)
			replyHdr := wire.Header{ReqType: hdr.ReqType, RPCID: hdr.RPCID, Endpoint: c.localEndpoint}
			_ = c.send(ctx, replyEP, replyHdr, replyBuf[:n])
		}
	}
	return c.postRecvSlot(ctx, slot)
}
