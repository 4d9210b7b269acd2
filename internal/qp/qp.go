package qp

import (
	"context"
	"io"
	"sync"

	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// QueuePair is the protocol endpoint: the state machine, capability
// vector and connection parameters spec.md §3 describes.
type QueuePair struct {
	ctx     *verbs.Context
	variant Variant
	qpn     uint64

	mu    sync.Mutex
	state State

	sendCQ *verbs.CompletionQueue
	recvCQ *verbs.CompletionQueue
	srq    *verbs.SharedReceiveQueue

	port        uint8
	pkeyIndex   uint16
	qkey        uint32
	accessFlags uint32
	dcKey       uint64

	pathMTU     int
	timeout     uint8
	retryCnt    uint8
	rnrRetry    uint8
	minRNRTimer uint8
	maxRDAtomic uint8
	maxSendWR   uint32

	peerQPN uint32
	peerPSN uint32

	// cmOwned is the owned ConnectionManager context cm.Connect attaches
	// (spec.md §3: "for RC: an owned ConnectionManager context that
	// persists until the QP is destroyed"). It is stored as an io.Closer to
	// avoid an import cycle between qp and cm; the cm context keeps no
	// reference back to the QP.
	cmOwned io.Closer

	recorder Recorder
}

// Recorder observes queue-pair state transitions, e.g. *metrics.Recorder.
// Left nil, transitions are simply not instrumented.
type Recorder interface {
	ObserveQPTransition(variant, from, to string, err error)
}

// SetRecorder attaches an instrumentation sink. Must be called before any
// state transition to observe every hop.
func (q *QueuePair) SetRecorder(r Recorder) { q.recorder = r }

// QPN returns the local queue-pair number.
func (q *QueuePair) QPN() uint64 { return q.qpn }

// Variant returns the transport variant.
func (q *QueuePair) Variant() Variant { return q.variant }

// Status returns the current state. Satisfies spec.md §8's invariant that
// status(q) is always one of the five named states.
func (q *QueuePair) Status() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SendCQ exposes the exclusively-owned send completion queue.
func (q *QueuePair) SendCQ() *verbs.CompletionQueue { return q.sendCQ }

// RecvCQ exposes the (possibly shared) receive completion queue.
func (q *QueuePair) RecvCQ() *verbs.CompletionQueue { return q.recvCQ }

// PathMTU returns the negotiated path MTU in bytes.
func (q *QueuePair) PathMTU() int { return q.pathMTU }

// MaxSendWR returns the configured outstanding-send capacity; callers must
// signal at least one request every MaxSendWR requests (spec.md §4.3).
func (q *QueuePair) MaxSendWR() uint32 { return q.maxSendWR }

// QKey returns the local qkey (UD/DC).
func (q *QueuePair) QKey() uint32 { return q.qkey }

// PeerQPN returns the remote queue-pair number established during bringup.
func (q *QueuePair) PeerQPN() uint32 { return q.peerQPN }

// SetCMOwned attaches the owned ConnectionManager context; cm.Connect calls
// it for RC and DC queue pairs. Calling it twice replaces the previous owner without
// closing it (the caller is responsible for lifecycle ordering during
// re-handshake rejection, see cm.ErrAlreadyConnected).
func (q *QueuePair) SetCMOwned(c io.Closer) { q.cmOwned = c }

// CMOwned returns the queue pair's current owned ConnectionManager context,
// or nil if none has been attached yet. cm.Connect uses this to reject a
// second handshake attempt over an already-Established RC (spec.md §9,
// cm.ErrAlreadyConnected).
func (q *QueuePair) CMOwned() io.Closer { return q.cmOwned }

// setState transitions the in-memory state. Callers hold q.mu.
func (q *QueuePair) setState(s State) { q.state = s }

// Close tears the QP down: the owned CM context first (LIFO relative to
// the QP itself, spec.md §3), then the backend QP, then the CQs this
// builder created. Idempotent.
func (q *QueuePair) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == "" {
		return nil
	}

	if q.cmOwned != nil {
		_ = q.cmOwned.Close()
		q.cmOwned = nil
	}

	err := q.ctx.Device().DestroyQP(ctx, q.qpn)
	if q.sendCQ != nil {
		_ = q.sendCQ.Close(ctx)
	}
	if q.recvCQ != nil {
		_ = q.recvCQ.Close(ctx)
	}
	q.state = ""
	return err
}

// modifyQP is the shared helper every transition calls to invoke the
// backend and translate failure into spec.md §4.3's contract: "Each
// transition returns ControlpathError::CreationError{where, code} on
// rejection and leaves the QP in Error."
func (q *QueuePair) modifyQP(ctx context.Context, where string, attr backend.QPAttr, mask backend.QPAttrMask, target State) error {
	from := q.state
	if err := q.ctx.Device().ModifyQP(ctx, q.qpn, attr, mask|backend.MaskState); err != nil {
		q.state = StateError
		if q.recorder != nil {
			q.recorder.ObserveQPTransition(string(q.variant), string(from), string(target), err)
		}
		return verbs.NewCreationError(where, 0)
	}
	q.state = target
	if q.recorder != nil {
		q.recorder.ObserveQPTransition(string(q.variant), string(from), string(target), nil)
	}
	return nil
}
