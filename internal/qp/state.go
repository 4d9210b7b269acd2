package qp

import (
	"context"

	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// PeerInfo is the remote-side routing information a Reset→Init→RTR→RTS
// bringup needs once a connection manager (or SIDR exchange) has resolved
// the other endpoint (spec.md §4.3, §6).
type PeerInfo struct {
	QPN      uint32
	LID      uint16
	GID      backend.GID
	StartPSN uint32
}

// ToInit moves a freshly built QP from Reset to Init: it fixes the port,
// pkey index and, for RC/DC, the access flags the remote side will be
// allowed to exercise. UD/DC additionally program the local qkey.
//
// Calling ToInit on a QP that already reached Init is a no-op; calling it
// from any other state fails.
func (q *QueuePair) ToInit(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateInit {
		return nil
	}
	if q.state != StateReset {
		return verbs.NewInvalidArgError("to_init: qp not in reset")
	}

	attr := backend.QPAttr{
		PortNum:     q.port,
		PKeyIndex:   q.pkeyIndex,
		AccessFlags: q.accessFlags,
		QKey:        q.qkey,
		DCKey:       q.dcKey,
		TargetState: string(StateInit),
	}
	mask := backend.MaskPortNum | backend.MaskPKeyIndex
	switch q.variant {
	case RC:
		mask |= backend.MaskAccessFlags
	case UD:
		mask |= backend.MaskQKey
	case DC:
		mask |= backend.MaskAccessFlags | backend.MaskQKey | backend.MaskDCKey
	}

	return q.modifyQP(ctx, "to_init", attr, mask, StateInit)
}

// ToRTR moves Init→RTR. RC and DC require peer routing information
// (dest_qpn, rq_psn, lid/gid); UD carries no per-QP peer (destinations are
// supplied per-send via an AddressHandle) and peer may be the zero value.
//
// Calling ToRTR on a QP already in RTR is a no-op.
func (q *QueuePair) ToRTR(ctx context.Context, peer PeerInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateRTR {
		return nil
	}
	if q.state != StateInit {
		return verbs.NewInvalidArgError("to_rtr: qp not in init")
	}

	attr := backend.QPAttr{
		PathMTU:         q.pathMTU,
		MaxDestRDAtomic: q.maxRDAtomic,
		MinRNRTimer:     q.minRNRTimer,
		DestQPN:         peer.QPN,
		RQPSN:           peer.StartPSN,
		DestLID:         peer.LID,
		DestGID:         peer.GID,
		TargetState:     string(StateRTR),
	}
	mask := backend.MaskPathMTU | backend.MaskMaxDestRDAtomic | backend.MaskMinRNRTimer
	switch q.variant {
	case RC, DC:
		mask |= backend.MaskDestQPN | backend.MaskRQPSN | backend.MaskAH
	case UD:
		// No per-QP destination; datagrams carry their own AH.
	}

	if err := q.modifyQP(ctx, "to_rtr", attr, mask, StateRTR); err != nil {
		return err
	}
	q.peerQPN = peer.QPN
	return nil
}

// ToRTS moves RTR→RTS, after which the QP may post sends. startPSN seeds
// the send queue's initial packet sequence number.
//
// Calling ToRTS on a QP already in RTS is a no-op.
func (q *QueuePair) ToRTS(ctx context.Context, startPSN uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateRTS {
		return nil
	}
	if q.state != StateRTR {
		return verbs.NewInvalidArgError("to_rts: qp not in rtr")
	}

	attr := backend.QPAttr{
		Timeout:     q.timeout,
		RetryCnt:    q.retryCnt,
		RNRRetry:    q.rnrRetry,
		MaxRDAtomic: q.maxRDAtomic,
		SQPSN:       startPSN,
		TargetState: string(StateRTS),
	}
	mask := backend.MaskSQPSN
	switch q.variant {
	case RC, DC:
		mask |= backend.MaskTimeout | backend.MaskRetryCnt | backend.MaskRNRRetry | backend.MaskMaxRDAtomic
	case UD:
		// UD has no retry/timeout semantics at the QP level.
	}

	q.peerPSN = startPSN
	return q.modifyQP(ctx, "to_rts", attr, mask, StateRTS)
}

// ToError forces the QP into Error from any state, flushing is the
// backend's responsibility (outstanding WRs complete with a flush-error
// status, spec.md §4.3).
func (q *QueuePair) ToError(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateError {
		return nil
	}
	attr := backend.QPAttr{TargetState: string(StateError)}
	return q.modifyQP(ctx, "to_error", attr, 0, StateError)
}
