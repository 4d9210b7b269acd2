// Package cm implements the ConnectionManager rendezvous spec.md §4.4
// describes: Listener/Requester/SIDR-requester roles exchanging
// Request/Reply/RTU or a single-shot SIDR pair over an in-process
// dispatch fabric.
//
// There is no real CM hardware transport backing this module (device
// enumeration and the character-device/syscall surface are out of scope,
// spec.md §1); Fabric plays the role the hardware CM's message channel
// plays, and each delivered message runs the handler on its own goroutine
// so handlers never block a caller, mirroring "hardware interrupt / upcall
// context" in spec.md §4.4.
package cm

import (
	"fmt"
	"sync"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/wire"
)

// State is one of the six states a CM context or SIDR exchange may be in
// (spec.md §4.4).
type State string

const (
	StateIdle          State = "IDLE"
	StateRequestSent   State = "REQUEST_SENT"
	StateReplyReceived State = "REPLY_RECEIVED"
	StateEstablished   State = "ESTABLISHED"
	StateTimewait      State = "TIMEWAIT"
	StateRejected      State = "REJECTED"
)

// Request is a CM Request as delivered to a Listener's handler.
type Request struct {
	QDHint       uint64
	AppData      []byte
	PeerQPN      uint32
	PeerStartPSN uint32
	PeerLID      uint16
	PeerGID      backend.GID
}

// Reply is what HandleReq returns en route back to the requester as a CM
// Reply; QPN/StartPSN/LID/GID are the server-side QP's coordinates the
// requester needs to walk its own QP to RTR.
type Reply struct {
	MRAddr   uint64
	MRRKey   uint32
	Status   uint32
	QPN      uint32
	StartPSN uint32
	LID      uint16
	GID      backend.GID
}

// SIDRRequest is the single-shot SIDR request payload.
type SIDRRequest struct {
	QDHint uint64
}

// SIDRReply is what HandleSIDRReq returns; Status != 0 (e.g. NotExist)
// means Info is meaningless.
type SIDRReply struct {
	Info   wire.SIDRReplyInfo
	Status uint32
}

// NotExist is the SIDR reply status a listener returns when qd_hint names
// no registered entry (spec.md §4.4).
const NotExist uint32 = 1

// Handler is implemented by the server side of a rendezvous. Its methods
// run on the fabric's dispatch goroutine and must not block.
type Handler interface {
	HandleReq(req Request) (Reply, error)
	HandleSIDRReq(req SIDRRequest) (SIDRReply, error)
	HandleDisconnect(peerQPN uint32)
}

// Fabric is the shared dispatch switch every Listener binds to and every
// Requester/SIDR exchange resolves a destination through.
type Fabric struct {
	mu        sync.Mutex
	listeners map[uint64]*Listener
}

// NewFabric returns an empty dispatch fabric.
func NewFabric() *Fabric {
	return &Fabric{listeners: make(map[uint64]*Listener)}
}

func (f *Fabric) bind(serviceID uint64, l *Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.listeners[serviceID]; exists {
		return fmt.Errorf("cm: service id %d already bound", serviceID)
	}
	f.listeners[serviceID] = l
	return nil
}

func (f *Fabric) unbind(serviceID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, serviceID)
}

func (f *Fabric) listenerFor(serviceID uint64) (*Listener, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.listeners[serviceID]
	return l, ok
}

// Listener binds a service-id to a Handler; it lives until Unbind
// (spec.md §4.4: "the listener lives until explicitly unbound").
type Listener struct {
	fabric    *Fabric
	serviceID uint64
	handler   Handler
}

// Listen binds serviceID on fabric to handler.
func Listen(fabric *Fabric, serviceID uint64, handler Handler) (*Listener, error) {
	l := &Listener{fabric: fabric, serviceID: serviceID, handler: handler}
	if err := fabric.bind(serviceID, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Unbind removes the listener from its fabric.
func (l *Listener) Unbind() {
	l.fabric.unbind(l.serviceID)
}
