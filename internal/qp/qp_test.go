package qp_test

import (
	"context"
	"testing"
	"time"

	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/verbs/simbackend"
)

func openTestContext(t *testing.T, fabric *simbackend.Fabric, lid uint16) *verbs.Context {
	t.Helper()
	var gid backend.GID
	gid[15] = byte(lid)
	dev := simbackend.NewDevice(fabric, lid, gid, "InfiniBand")
	vctx, err := verbs.Open(context.Background(), dev, 1, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = vctx.Close(context.Background()) })
	return vctx
}

func pollOne(t *testing.T, cq *verbs.CompletionQueue) verbs.Completion {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		out, err := cq.Poll(context.Background(), make([]verbs.Completion, 1))
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(out) == 1 {
			return out[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for completion")
	return verbs.Completion{}
}

func bringUpRC(t *testing.T, ctx context.Context, a, b *qp.QueuePair, aAttr, bAttr backend.PortAttr) {
	t.Helper()
	if err := a.ToInit(ctx); err != nil {
		t.Fatalf("a.ToInit: %v", err)
	}
	if err := b.ToInit(ctx); err != nil {
		t.Fatalf("b.ToInit: %v", err)
	}
	if err := a.ToRTR(ctx, qp.PeerInfo{QPN: uint32(b.QPN()), LID: bAttr.LID, GID: bAttr.GID, StartPSN: 0}); err != nil {
		t.Fatalf("a.ToRTR: %v", err)
	}
	if err := b.ToRTR(ctx, qp.PeerInfo{QPN: uint32(a.QPN()), LID: aAttr.LID, GID: aAttr.GID, StartPSN: 0}); err != nil {
		t.Fatalf("b.ToRTR: %v", err)
	}
	if err := a.ToRTS(ctx, 0); err != nil {
		t.Fatalf("a.ToRTS: %v", err)
	}
	if err := b.ToRTS(ctx, 0); err != nil {
		t.Fatalf("b.ToRTS: %v", err)
	}
}

func TestRCBringupAndOneSidedOps(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientQP, err := qp.NewBuilder(qp.RC).Build(ctx, clientCtx)
	if err != nil {
		t.Fatalf("build client qp: %v", err)
	}
	defer clientQP.Close(ctx)

	serverQP, err := qp.NewBuilder(qp.RC).SetAccessFlags(verbs.AccessRemoteRead | verbs.AccessRemoteWrite | verbs.AccessRemoteAtomic).Build(ctx, serverCtx)
	if err != nil {
		t.Fatalf("build server qp: %v", err)
	}
	defer serverQP.Close(ctx)

	if clientQP.Status() != qp.StateReset {
		t.Fatalf("fresh qp status = %v, want RESET", clientQP.Status())
	}

	bringUpRC(t, ctx, clientQP, serverQP, clientCtx.PortAttr(), serverCtx.PortAttr())

	if clientQP.Status() != qp.StateRTS {
		t.Fatalf("client status after bringup = %v, want RTS", clientQP.Status())
	}

	// ToInit is a no-op only while the QP is in Init; once past it, ToInit fails.
	if err := clientQP.ToInit(ctx); err == nil {
		t.Fatal("expected to_init to fail once past RTR (not idempotent past Init)")
	}

	serverMR, err := verbs.Allocate(ctx, serverCtx, 4096, verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead|verbs.AccessRemoteAtomic)
	if err != nil {
		t.Fatalf("Allocate server mr: %v", err)
	}
	defer serverMR.Close(ctx)
	copy(serverMR.Bytes(), []byte("hello-from-server"))

	clientMR, err := verbs.Allocate(ctx, clientCtx, 4096, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate client mr: %v", err)
	}
	defer clientMR.Close(ctx)

	// One-sided read.
	readSGE := backend.SGE{Addr: clientMR.VirtAddr(), Length: 32, LKey: clientMR.LKey()}
	if err := clientQP.PostSendRead(ctx, 1, readSGE, serverMR.VirtAddr(), serverMR.RKey(), true); err != nil {
		t.Fatalf("PostSendRead: %v", err)
	}
	wc := pollOne(t, clientQP.SendCQ())
	if wc.Status != 0 {
		t.Fatalf("read completion status = %d, want 0", wc.Status)
	}
	if string(clientMR.Bytes()[:17]) != "hello-from-server" {
		t.Fatalf("read did not deliver expected payload, got %q", clientMR.Bytes()[:17])
	}

	// One-sided write.
	copy(clientMR.Bytes()[32:], []byte("written-by-client"))
	writeSGE := backend.SGE{Addr: clientMR.VirtAddr() + 32, Length: 17, LKey: clientMR.LKey()}
	if err := clientQP.PostSendWrite(ctx, 2, writeSGE, serverMR.VirtAddr()+64, serverMR.RKey(), true); err != nil {
		t.Fatalf("PostSendWrite: %v", err)
	}
	wc = pollOne(t, clientQP.SendCQ())
	if wc.Status != 0 {
		t.Fatalf("write completion status = %d, want 0", wc.Status)
	}
	if string(serverMR.Bytes()[64:81]) != "written-by-client" {
		t.Fatalf("write did not land on server mr, got %q", serverMR.Bytes()[64:81])
	}

	// Atomics must fail against an unsupported variant.
	udQP, err := qp.NewBuilder(qp.UD).Build(ctx, clientCtx)
	if err != nil {
		t.Fatalf("build ud qp: %v", err)
	}
	defer udQP.Close(ctx)
	if err := udQP.ToInit(ctx); err != nil {
		t.Fatalf("ud ToInit: %v", err)
	}
	if err := udQP.ToRTR(ctx, qp.PeerInfo{}); err != nil {
		t.Fatalf("ud ToRTR: %v", err)
	}
	if err := udQP.ToRTS(ctx, 0); err != nil {
		t.Fatalf("ud ToRTS: %v", err)
	}
	if err := udQP.PostSendCAS(ctx, 3, serverMR.VirtAddr(), serverMR.RKey(), 0, 1, true); err == nil {
		t.Fatal("expected PostSendCAS on a UD qp to fail")
	}
}

func TestPostSendBeforeRTSFails(t *testing.T) {
	ctx := context.Background()
	vctx := openTestContext(t, simbackend.NewFabric(), 1)
	q, err := qp.NewBuilder(qp.RC).Build(ctx, vctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer q.Close(ctx)

	sge := backend.SGE{Addr: 0, Length: 8, LKey: 0}
	if err := q.PostSendWrite(ctx, 1, sge, 0, 0, true); err == nil {
		t.Fatal("expected PostSendWrite to fail before the qp reaches RTS")
	}
}

// TestPostRecvUndersizedUDBufferSilentlyDropsDelivery locks in spec.md
// §4.3's contract: post_recv never rejects an undersized UD/DC buffer up
// front, and a send that lands on one is dropped silently with no
// completion raised at all, rather than surfacing an error anywhere.
func TestPostRecvUndersizedUDBufferSilentlyDropsDelivery(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientQP, err := qp.NewBuilder(qp.UD).Build(ctx, clientCtx)
	if err != nil {
		t.Fatalf("build client qp: %v", err)
	}
	defer clientQP.Close(ctx)
	serverQP, err := qp.NewBuilder(qp.UD).Build(ctx, serverCtx)
	if err != nil {
		t.Fatalf("build server qp: %v", err)
	}
	defer serverQP.Close(ctx)

	for _, q := range []*qp.QueuePair{clientQP, serverQP} {
		if err := q.ToInit(ctx); err != nil {
			t.Fatalf("ToInit: %v", err)
		}
		if err := q.ToRTR(ctx, qp.PeerInfo{}); err != nil {
			t.Fatalf("ToRTR: %v", err)
		}
		if err := q.ToRTS(ctx, 0); err != nil {
			t.Fatalf("ToRTS: %v", err)
		}
	}

	smallMR, err := verbs.Allocate(ctx, serverCtx, 8, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate small mr: %v", err)
	}
	defer smallMR.Close(ctx)
	small := backend.SGE{Addr: smallMR.VirtAddr(), Length: uint32(smallMR.Capacity()), LKey: smallMR.LKey()}
	if err := serverQP.PostRecv(ctx, 1, small); err != nil {
		t.Fatalf("PostRecv must accept an undersized UD buffer without error, got: %v", err)
	}

	ah, err := clientCtx.CreateAddressHandle(ctx, 1, 0, serverCtx.PortAttr().LID, serverCtx.GID0())
	if err != nil {
		t.Fatalf("CreateAddressHandle: %v", err)
	}
	defer ah.Close(ctx)

	sendMR, err := verbs.Allocate(ctx, clientCtx, 64, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate send mr: %v", err)
	}
	defer sendMR.Close(ctx)
	copy(sendMR.Bytes(), []byte("dropped"))
	sendSGE := backend.SGE{Addr: sendMR.VirtAddr(), Length: 7, LKey: sendMR.LKey()}

	if err := clientQP.PostDatagram(ctx, 2, ah, uint32(serverQP.QPN()), serverQP.QKey(), sendSGE, true); err != nil {
		t.Fatalf("PostDatagram: %v", err)
	}

	// The send itself still completes locally: the fabric's drop happens
	// only on the receive side, invisible to the sender.
	sendWC := pollOne(t, clientQP.SendCQ())
	if sendWC.Status != 0 {
		t.Fatalf("send completion status = %d, want 0", sendWC.Status)
	}

	out, err := serverQP.RecvCQ().Poll(ctx, make([]verbs.Completion, 1))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no completion for an undersized recv buffer, got %+v", out)
	}
}

func TestUDDatagramRoundTrip(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientQP, err := qp.NewBuilder(qp.UD).Build(ctx, clientCtx)
	if err != nil {
		t.Fatalf("build client qp: %v", err)
	}
	defer clientQP.Close(ctx)
	serverQP, err := qp.NewBuilder(qp.UD).Build(ctx, serverCtx)
	if err != nil {
		t.Fatalf("build server qp: %v", err)
	}
	defer serverQP.Close(ctx)

	for _, q := range []*qp.QueuePair{clientQP, serverQP} {
		if err := q.ToInit(ctx); err != nil {
			t.Fatalf("ToInit: %v", err)
		}
		if err := q.ToRTR(ctx, qp.PeerInfo{}); err != nil {
			t.Fatalf("ToRTR: %v", err)
		}
		if err := q.ToRTS(ctx, 0); err != nil {
			t.Fatalf("ToRTS: %v", err)
		}
	}

	recvMR, err := verbs.Allocate(ctx, serverCtx, 4096, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate recv mr: %v", err)
	}
	defer recvMR.Close(ctx)
	recvSGE := backend.SGE{Addr: recvMR.VirtAddr(), Length: uint32(recvMR.Capacity()), LKey: recvMR.LKey()}
	if err := serverQP.PostRecv(ctx, 10, recvSGE); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	ah, err := clientCtx.CreateAddressHandle(ctx, 1, 0, serverCtx.PortAttr().LID, serverCtx.GID0())
	if err != nil {
		t.Fatalf("CreateAddressHandle: %v", err)
	}
	defer ah.Close(ctx)

	sendMR, err := verbs.Allocate(ctx, clientCtx, 64, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate send mr: %v", err)
	}
	defer sendMR.Close(ctx)
	copy(sendMR.Bytes(), []byte("ud-datagram-payload"))
	sendSGE := backend.SGE{Addr: sendMR.VirtAddr(), Length: 19, LKey: sendMR.LKey()}

	if err := clientQP.PostDatagram(ctx, 11, ah, uint32(serverQP.QPN()), serverQP.QKey(), sendSGE, true); err != nil {
		t.Fatalf("PostDatagram: %v", err)
	}

	sendWC := pollOne(t, clientQP.SendCQ())
	if sendWC.Status != 0 {
		t.Fatalf("send completion status = %d, want 0", sendWC.Status)
	}
	recvWC := pollOne(t, serverQP.RecvCQ())
	if recvWC.Status != 0 {
		t.Fatalf("recv completion status = %d, want 0", recvWC.Status)
	}
	// The delivered payload carries a 40-byte GRH prefix ahead of the sent bytes.
	if string(recvMR.Bytes()[40:59]) != "ud-datagram-payload" {
		t.Fatalf("unexpected delivered payload: %q", recvMR.Bytes()[40:59])
	}
}
