package cm

import (
	"context"
	"fmt"
	"time"

	"github.com/yuuki/rdmacore/internal/wire"
)

// DefaultSIDRTimeout is the default SIDR rendezvous wait (spec.md §4.4:
// "default one second for SIDR").
const DefaultSIDRTimeout = 1 * time.Second

// sidrRetries and sidrRetryTimeout implement spec.md §9's SIDR-under-
// packet-loss Open Question: 3 retries at a 20ms per-attempt timeout, the
// more conservative of the two source variants it presents (see DESIGN.md).
// This only bounds how long ResolveSIDR waits per attempt before retrying;
// the timeout argument callers pass still bounds the call as a whole.
const (
	sidrRetries      = 3
	sidrRetryTimeout = 20 * time.Millisecond
)

// ResolveSIDR performs the SIDR exchange: a short request carrying
// (serviceID, qdHint), retried up to sidrRetries times at sidrRetryTimeout
// per attempt to ride out a dropped request or reply, awaiting one reply
// carrying the server's datagram-meta record. There is no RTU step
// (spec.md §4.4: "a single-shot exchange with no RTU" — "single-shot"
// describes the absence of an RTU handshake, not a ban on retrying a lost
// attempt). The overall wait is also bounded by timeout (or
// DefaultSIDRTimeout).
func ResolveSIDR(parent context.Context, fabric *Fabric, serviceID, qdHint uint64, timeout time.Duration, rec Recorder) (wire.SIDRReplyInfo, error) {
	start := time.Now()
	observe := func(outcome string) {
		if rec != nil {
			rec.ObserveSIDRResolve(time.Since(start), outcome)
		}
	}

	if timeout <= 0 {
		timeout = DefaultSIDRTimeout
	}
	listener, ok := fabric.listenerFor(serviceID)
	if !ok {
		observe("no_listener")
		return wire.SIDRReplyInfo{}, fmt.Errorf("cm: no listener bound to service %d", serviceID)
	}

	overall, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	perAttempt := sidrRetryTimeout
	for attempt := 0; ; attempt++ {
		done := make(chan SIDRReply, 1)
		go func() {
			rep, _ := listener.handler.HandleSIDRReq(SIDRRequest{QDHint: qdHint})
			done <- rep
		}()

		select {
		case rep := <-done:
			if rep.Status != 0 {
				observe("rejected")
				return wire.SIDRReplyInfo{}, fmt.Errorf("cm: sidr status %d", rep.Status)
			}
			observe("established")
			return rep.Info, nil
		case <-time.After(perAttempt):
			if attempt+1 >= sidrRetries {
				observe("timeout")
				return wire.SIDRReplyInfo{}, ErrTimeout
			}
		case <-overall.Done():
			if parent.Err() != nil {
				observe("canceled")
				return wire.SIDRReplyInfo{}, parent.Err()
			}
			observe("timeout")
			return wire.SIDRReplyInfo{}, ErrTimeout
		}
	}
}
