// Package wire implements the packed on-the-wire record formats spec.md §6
// defines: CM Request/Reply private data, SIDR request/reply, and the RPC
// message header. All multi-byte fields are little-endian, matching the
// host byte order this module targets.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// EndpointRecordSize is E, the fixed size of the inline peer endpoint
// record embedded in every RPC message header (spec.md §6: "E is
// therefore 48 bytes on a conforming implementation").
const EndpointRecordSize = 48

// GRHSize is the global route header every UD/DC delivery carries.
const GRHSize = 40

// RPCHeaderSize is the fixed header preceding every RPC request/reply
// payload: req_type(1) + rpc_id(8) + endpoint record(48).
const RPCHeaderSize = 1 + 8 + EndpointRecordSize

// Request-type tags (spec.md §6).
const (
	ReqDummy             uint8 = 0
	ReqRegisterMeta      uint8 = 1
	ReqDeregisterMeta    uint8 = 2
	ReqQueryMeta         uint8 = 3
	ReqConnectRC         uint8 = 4
	ReqDisconnectRC      uint8 = 5
)

// EndpointRecord is the peer routing/keys record inlined at offset 9 of
// every RPC header: (qpn, qkey, lid, gid, dct_num, mr_addr, mr_rkey).
type EndpointRecord struct {
	QPN    uint32
	QKey   uint32
	LID    uint16
	GID    backend.GID
	DCTNum uint32
	MRAddr uint64
	MRRKey uint32
}

// Encode packs e into a fresh EndpointRecordSize-byte buffer.
func (e EndpointRecord) Encode() []byte {
	buf := make([]byte, EndpointRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], e.QPN)
	binary.LittleEndian.PutUint32(buf[4:8], e.QKey)
	binary.LittleEndian.PutUint16(buf[8:10], e.LID)
	copy(buf[10:26], e.GID[:])
	binary.LittleEndian.PutUint32(buf[26:30], e.DCTNum)
	binary.LittleEndian.PutUint64(buf[30:38], e.MRAddr)
	binary.LittleEndian.PutUint32(buf[38:42], e.MRRKey)
	// buf[42:48] reserved, zero-filled.
	return buf
}

// DecodeEndpointRecord unpacks an EndpointRecordSize-byte buffer.
func DecodeEndpointRecord(buf []byte) (EndpointRecord, error) {
	if len(buf) < EndpointRecordSize {
		return EndpointRecord{}, fmt.Errorf("wire: endpoint record short read: %d bytes", len(buf))
	}
	var e EndpointRecord
	e.QPN = binary.LittleEndian.Uint32(buf[0:4])
	e.QKey = binary.LittleEndian.Uint32(buf[4:8])
	e.LID = binary.LittleEndian.Uint16(buf[8:10])
	copy(e.GID[:], buf[10:26])
	e.DCTNum = binary.LittleEndian.Uint32(buf[26:30])
	e.MRAddr = binary.LittleEndian.Uint64(buf[30:38])
	e.MRRKey = binary.LittleEndian.Uint32(buf[38:42])
	return e, nil
}

// Header is the fixed-offset RPC message header spec.md §6 defines.
type Header struct {
	ReqType  uint8
	RPCID    uint64
	Endpoint EndpointRecord
}

// Encode packs h into a fresh RPCHeaderSize-byte buffer.
func (h Header) Encode() []byte {
	buf := make([]byte, RPCHeaderSize)
	buf[0] = h.ReqType
	binary.LittleEndian.PutUint64(buf[1:9], h.RPCID)
	copy(buf[9:9+EndpointRecordSize], h.Endpoint.Encode())
	return buf
}

// DecodeHeader unpacks an RPCHeaderSize-byte buffer.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < RPCHeaderSize {
		return Header{}, fmt.Errorf("wire: rpc header short read: %d bytes", len(buf))
	}
	ep, err := DecodeEndpointRecord(buf[9 : 9+EndpointRecordSize])
	if err != nil {
		return Header{}, err
	}
	return Header{
		ReqType:  buf[0],
		RPCID:    binary.LittleEndian.Uint64(buf[1:9]),
		Endpoint: ep,
	}, nil
}

// CMRequestPrivate is the private-data payload carried by a CM Request
// (spec.md §6): qd_hint followed by opaque application data.
type CMRequestPrivate struct {
	QDHint uint64
	AppData []byte
}

// Encode packs p; the buffer is 8+len(AppData) bytes, capped at 92 bytes
// per spec.md §4.4's private-data limit.
func (p CMRequestPrivate) Encode() ([]byte, error) {
	if 8+len(p.AppData) > 92 {
		return nil, fmt.Errorf("wire: cm request private data exceeds 92 bytes")
	}
	buf := make([]byte, 8+len(p.AppData))
	binary.LittleEndian.PutUint64(buf[0:8], p.QDHint)
	copy(buf[8:], p.AppData)
	return buf, nil
}

// DecodeCMRequestPrivate unpacks a CM Request's private-data buffer.
func DecodeCMRequestPrivate(buf []byte) (CMRequestPrivate, error) {
	if len(buf) < 8 {
		return CMRequestPrivate{}, fmt.Errorf("wire: cm request private data short read")
	}
	return CMRequestPrivate{
		QDHint:  binary.LittleEndian.Uint64(buf[0:8]),
		AppData: append([]byte(nil), buf[8:]...),
	}, nil
}

// CMReplyPrivate is the private-data payload carried by a CM Reply
// (spec.md §6): the server's advertised memory-region record plus a
// status code.
type CMReplyPrivate struct {
	MRAddr uint64
	MRRKey uint32
	Status uint32
}

const cmReplyPrivateSize = 16

// Encode packs p into a fixed 16-byte buffer.
func (p CMReplyPrivate) Encode() []byte {
	buf := make([]byte, cmReplyPrivateSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.MRAddr)
	binary.LittleEndian.PutUint32(buf[8:12], p.MRRKey)
	binary.LittleEndian.PutUint32(buf[12:16], p.Status)
	return buf
}

// DecodeCMReplyPrivate unpacks a CM Reply's private-data buffer.
func DecodeCMReplyPrivate(buf []byte) (CMReplyPrivate, error) {
	if len(buf) < cmReplyPrivateSize {
		return CMReplyPrivate{}, fmt.Errorf("wire: cm reply private data short read")
	}
	return CMReplyPrivate{
		MRAddr: binary.LittleEndian.Uint64(buf[0:8]),
		MRRKey: binary.LittleEndian.Uint32(buf[8:12]),
		Status: binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// SIDRRequestPrivate is the SIDR request's private-data payload: qd_hint
// alone.
type SIDRRequestPrivate struct {
	QDHint uint64
}

const sidrRequestPrivateSize = 8

func (p SIDRRequestPrivate) Encode() []byte {
	buf := make([]byte, sidrRequestPrivateSize)
	binary.LittleEndian.PutUint64(buf[0:8], p.QDHint)
	return buf
}

func DecodeSIDRRequestPrivate(buf []byte) (SIDRRequestPrivate, error) {
	if len(buf) < sidrRequestPrivateSize {
		return SIDRRequestPrivate{}, fmt.Errorf("wire: sidr request private data short read")
	}
	return SIDRRequestPrivate{QDHint: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

// SIDRReplyInfo is the datagram-meta record a successful SIDR reply
// carries: (lid, gid) plus, for DC targets, (dct_number, dc_key).
type SIDRReplyInfo struct {
	LID      uint16
	GID      backend.GID
	DC       bool
	DCTNum   uint32
	DCKey    uint64
}

func (r SIDRReplyInfo) Encode() []byte {
	n := 2 + 16
	if r.DC {
		n += 4 + 8
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint16(buf[0:2], r.LID)
	copy(buf[2:18], r.GID[:])
	if r.DC {
		binary.LittleEndian.PutUint32(buf[18:22], r.DCTNum)
		binary.LittleEndian.PutUint64(buf[22:30], r.DCKey)
	}
	return buf
}

func DecodeSIDRReplyInfo(buf []byte, dc bool) (SIDRReplyInfo, error) {
	min := 2 + 16
	if dc {
		min += 4 + 8
	}
	if len(buf) < min {
		return SIDRReplyInfo{}, fmt.Errorf("wire: sidr reply info short read")
	}
	r := SIDRReplyInfo{DC: dc}
	r.LID = binary.LittleEndian.Uint16(buf[0:2])
	copy(r.GID[:], buf[2:18])
	if dc {
		r.DCTNum = binary.LittleEndian.Uint32(buf[18:22])
		r.DCKey = binary.LittleEndian.Uint64(buf[22:30])
	}
	return r, nil
}
