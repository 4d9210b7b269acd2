package verbs

import (
	"context"

	"github.com/yuuki/rdmacore/internal/verbs/backend"
)

// Completion is a single work-completion record (spec.md §3).
type Completion struct {
	WRID     uint64
	Status   uint32
	ByteLen  uint32
	ImmData  uint32
	HasImm   bool
	SrcQPNum uint32
}

// CompletionQueue is a bounded, in-order completion ring bound to a
// Context (spec.md §4.2). It is single-consumer: two goroutines polling
// the same CQ concurrently is a caller error, not something this type
// guards against (spec.md §5).
type CompletionQueue struct {
	ctx     *Context
	handle  uint64
	poisoned bool
}

// CreateCompletionQueue creates a ring sized to at least n completions.
func CreateCompletionQueue(ctx context.Context, c *Context, n int) (*CompletionQueue, error) {
	if n <= 0 {
		return nil, NewInvalidArgError("n must be > 0")
	}
	handle, err := c.dev.CreateCQ(ctx, n)
	if err != nil {
		return nil, NewCreationError("create_cq", 0)
	}
	return &CompletionQueue{ctx: c, handle: handle}, nil
}

// Handle exposes the backend CQ handle for packages that must reference it
// when creating a QP.
func (q *CompletionQueue) Handle() uint64 { return q.handle }

// Poll dequeues at most len(out) completions into out and returns the
// filled prefix. It never blocks; an empty result is the expected
// poll-miss signal, not an error. Poll may fail only on backend error, at
// which point the CQ must be treated as poisoned.
func (q *CompletionQueue) Poll(ctx context.Context, out []Completion) ([]Completion, error) {
	if q.poisoned {
		return nil, NewPollFailureError("poll: cq poisoned", 0)
	}
	wcs, err := q.ctx.dev.PollCQ(ctx, q.handle, len(out))
	if err != nil {
		q.poisoned = true
		return nil, NewPollFailureError("poll", 0)
	}
	n := copy(out, translateWCs(wcs))
	return out[:n], nil
}

func translateWCs(wcs []backend.WC) []Completion {
	out := make([]Completion, len(wcs))
	for i, wc := range wcs {
		out[i] = Completion{
			WRID:     wc.WRID,
			Status:   wc.Status,
			ByteLen:  wc.ByteLen,
			ImmData:  wc.ImmData,
			HasImm:   wc.HasImm,
			SrcQPNum: wc.SrcQPNum,
		}
	}
	return out
}

// Close destroys the CQ. Idempotent.
func (q *CompletionQueue) Close(ctx context.Context) error {
	if q.handle == 0 {
		return nil
	}
	h := q.handle
	q.handle = 0
	return q.ctx.dev.DestroyCQ(ctx, h)
}

// SharedReceiveQueue is a recv ring multiple QPs may attach to at creation
// time (spec.md §4.2). Ordering between attached QPs is unspecified.
type SharedReceiveQueue struct {
	ctx    *Context
	handle uint64
}

// CreateSharedReceiveQueue creates an SRQ sized for n receive buffers with
// up to maxSGE scatter-gather entries each.
func CreateSharedReceiveQueue(ctx context.Context, c *Context, n, maxSGE int) (*SharedReceiveQueue, error) {
	if n <= 0 || maxSGE <= 0 {
		return nil, NewInvalidArgError("n and max_sge must be > 0")
	}
	handle, err := c.dev.CreateSRQ(ctx, c.pd, n, maxSGE)
	if err != nil {
		return nil, NewCreationError("create_srq", 0)
	}
	return &SharedReceiveQueue{ctx: c, handle: handle}, nil
}

// Handle exposes the backend SRQ handle.
func (s *SharedReceiveQueue) Handle() uint64 { return s.handle }

// Close destroys the SRQ. The caller must ensure every QP attached to it
// has already been destroyed (spec.md §4.3: "shared recv CQs must outlive
// every QP attached to them" applies identically to SRQs).
func (s *SharedReceiveQueue) Close(ctx context.Context) error {
	if s.handle == 0 {
		return nil
	}
	h := s.handle
	s.handle = 0
	return s.ctx.dev.DestroySRQ(ctx, h)
}
