// Package endpoint implements DatagramEndpoint, the immutable routing
// record a UD/DC peer is addressed by (spec.md §3).
package endpoint

import (
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// DatagramEndpoint routes sends to a remote datagram peer. It is immutable
// after construction; its lifetime is tied to the local context's
// protection domain via the embedded AddressHandle.
type DatagramEndpoint struct {
	ah       *verbs.AddressHandle
	qpn      uint32
	qkey     uint32
	lid      uint16
	gid      backend.GID
	dctNum   uint32
	dcKey    uint64
	isDC     bool
}

// New builds a UD DatagramEndpoint from a resolved address handle plus the
// peer's queue-pair number and qkey.
func New(ah *verbs.AddressHandle, qpn, qkey uint32) *DatagramEndpoint {
	return &DatagramEndpoint{ah: ah, qpn: qpn, qkey: qkey, lid: ah.LID(), gid: ah.GID()}
}

// NewDC builds a DC DatagramEndpoint, additionally carrying the remote
// DCT number and dc-key (spec.md §3: "for DC variant only").
func NewDC(ah *verbs.AddressHandle, dctNum uint32, dcKey uint64) *DatagramEndpoint {
	return &DatagramEndpoint{ah: ah, lid: ah.LID(), gid: ah.GID(), dctNum: dctNum, dcKey: dcKey, isDC: true}
}

// AddressHandle returns the underlying resolved route.
func (e *DatagramEndpoint) AddressHandle() *verbs.AddressHandle { return e.ah }

// QPN returns the remote queue-pair number (UD).
func (e *DatagramEndpoint) QPN() uint32 { return e.qpn }

// QKey returns the remote qkey (UD).
func (e *DatagramEndpoint) QKey() uint32 { return e.qkey }

// LID returns the cached remote local identifier.
func (e *DatagramEndpoint) LID() uint16 { return e.lid }

// GID returns the cached remote global identifier.
func (e *DatagramEndpoint) GID() backend.GID { return e.gid }

// IsDC reports whether this endpoint carries DC routing (dct_number/dc_key)
// rather than UD routing (qpn/qkey).
func (e *DatagramEndpoint) IsDC() bool { return e.isDC }

// DCTNum returns the remote DCT number (DC only).
func (e *DatagramEndpoint) DCTNum() uint32 { return e.dctNum }

// DCKey returns the remote dc-key (DC only).
func (e *DatagramEndpoint) DCKey() uint64 { return e.dcKey }
