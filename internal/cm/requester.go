package cm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// DefaultRCTimeout is the requester's default wait for an RC rendezvous
// reply (spec.md §4.4: "default... three seconds for RC").
const DefaultRCTimeout = 3 * time.Second

// Recorder observes rendezvous durations, e.g. *metrics.Recorder. A nil
// Recorder passed to Connect/ResolveSIDR simply disables instrumentation.
type Recorder interface {
	ObserveRendezvous(d time.Duration, outcome string)
	ObserveSIDRResolve(d time.Duration, outcome string)
}

// Context is one CM rendezvous's state machine instance. A QueuePair owns
// at most one live Context at a time (spec.md §3: "for RC: an owned
// ConnectionManager context that persists until the QP is destroyed").
type Context struct {
	mu    sync.Mutex
	state State

	id        string
	fabric    *Fabric
	serviceID uint64
	peerQPN   uint32 // requester's QPN, the listener's peer on Disconnect

	done  chan struct{}
	reply Reply
	err   error
}

// Status returns the context's current state.
func (c *Context) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns this rendezvous's correlation id, useful for tying together
// log lines and metrics across the Request/Reply exchange it drove.
func (c *Context) ID() string { return c.id }

// Close satisfies io.Closer so a QueuePair can hold a Context without
// importing this package. It moves a live context to Timewait; tearing
// down the registry entry and releasing resources after Timewait-Exit is
// the caller's responsibility (spec.md §4.4).
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRejected {
		c.state = StateTimewait
	}
	return nil
}

// Connect drives Idle→Request-Sent→Reply-Received→Established for q
// against serviceID on fabric: it sends a Request carrying qdHint and
// appData, waits for the bound Listener's Reply, walks q through
// Init→RTR→RTS using the server's coordinates, then sends RTU (modeled
// here as the Established transition itself — there is no separate wire
// step to simulate once the QP is live).
func Connect(parent context.Context, fabric *Fabric, q *qp.QueuePair, local backend.PortAttr, serviceID, qdHint uint64, appData []byte, timeout time.Duration, rec Recorder) (*Context, Reply, error) {
	start := time.Now()
	observe := func(outcome string) {
		if rec != nil {
			rec.ObserveRendezvous(time.Since(start), outcome)
		}
	}

	if q.Variant() != qp.RC && q.Variant() != qp.DC {
		return nil, Reply{}, fmt.Errorf("cm: connect requires an RC or DC queue pair")
	}
	if q.CMOwned() != nil {
		return nil, Reply{}, ErrAlreadyConnected
	}
	if timeout <= 0 {
		timeout = DefaultRCTimeout
	}

	listener, ok := fabric.listenerFor(serviceID)
	if !ok {
		observe("no_listener")
		return nil, Reply{}, fmt.Errorf("cm: no listener bound to service %d", serviceID)
	}

	c := &Context{id: uuid.NewString(), state: StateRequestSent, fabric: fabric, serviceID: serviceID, done: make(chan struct{})}

	req := Request{
		QDHint: qdHint, AppData: appData,
		PeerQPN: uint32(q.QPN()), PeerStartPSN: uint32(q.QPN()),
		PeerLID: local.LID, PeerGID: local.GID,
	}

	go func() {
		rep, err := listener.handler.HandleReq(req)
		c.mu.Lock()
		if err != nil {
			c.state = StateRejected
			c.err = err
		} else {
			c.state = StateReplyReceived
			c.reply = rep
		}
		c.mu.Unlock()
		close(c.done)
	}()

	select {
	case <-c.done:
	case <-time.After(timeout):
		observe("timeout")
		return nil, Reply{}, ErrTimeout
	case <-parent.Done():
		observe("canceled")
		return nil, Reply{}, parent.Err()
	}

	c.mu.Lock()
	state, err, rep := c.state, c.err, c.reply
	c.mu.Unlock()
	if state == StateRejected {
		observe("rejected")
		return nil, Reply{}, fmt.Errorf("cm: rejected: %w", err)
	}

	if err := q.ToInit(parent); err != nil {
		observe("error")
		return nil, Reply{}, err
	}
	peer := qp.PeerInfo{QPN: rep.QPN, LID: rep.LID, GID: rep.GID, StartPSN: rep.StartPSN}
	if err := q.ToRTR(parent, peer); err != nil {
		observe("error")
		return nil, Reply{}, err
	}
	if err := q.ToRTS(parent, uint32(q.QPN())); err != nil {
		observe("error")
		return nil, Reply{}, err
	}

	c.mu.Lock()
	c.state = StateEstablished
	c.peerQPN = uint32(q.QPN())
	c.mu.Unlock()

	q.SetCMOwned(c)
	observe("established")
	return c, rep, nil
}

// Disconnect sends a Disconnect-Request to the listener bound to the
// context's service-id and moves the local context to Timewait (spec.md
// §4.4: "Any state → Timewait (on incoming Disconnect-Request)").
func Disconnect(c *Context) {
	c.mu.Lock()
	fabric, serviceID, peerQPN := c.fabric, c.serviceID, c.peerQPN
	c.state = StateTimewait
	c.mu.Unlock()

	if l, ok := fabric.listenerFor(serviceID); ok {
		go l.handler.HandleDisconnect(peerQPN)
	}
}
