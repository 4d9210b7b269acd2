package qp_test

import (
	"context"
	"testing"

	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/verbs/simbackend"
)

func TestDoorbellHelperBatchesAndFlushes(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientQP, err := qp.NewBuilder(qp.RC).Build(ctx, clientCtx)
	if err != nil {
		t.Fatalf("build client qp: %v", err)
	}
	defer clientQP.Close(ctx)
	serverQP, err := qp.NewBuilder(qp.RC).SetAccessFlags(verbs.AccessRemoteWrite).Build(ctx, serverCtx)
	if err != nil {
		t.Fatalf("build server qp: %v", err)
	}
	defer serverQP.Close(ctx)

	bringUpRC(t, ctx, clientQP, serverQP, clientCtx.PortAttr(), serverCtx.PortAttr())

	serverMR, err := verbs.Allocate(ctx, serverCtx, 256, verbs.AccessLocalWrite|verbs.AccessRemoteWrite)
	if err != nil {
		t.Fatalf("Allocate server mr: %v", err)
	}
	defer serverMR.Close(ctx)

	clientMR, err := verbs.Allocate(ctx, clientCtx, 64, verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Allocate client mr: %v", err)
	}
	defer clientMR.Close(ctx)
	copy(clientMR.Bytes()[0:8], []byte("AAAAAAAA"))
	copy(clientMR.Bytes()[8:16], []byte("BBBBBBBB"))

	db := qp.NewDoorbellHelper(4)
	if !db.IsEmpty() {
		t.Fatal("fresh helper should be empty")
	}

	db.PushWrite(1, backend.SGE{Addr: clientMR.VirtAddr(), Length: 8, LKey: clientMR.LKey()}, serverMR.VirtAddr(), serverMR.RKey(), true)
	db.PushWrite(2, backend.SGE{Addr: clientMR.VirtAddr() + 8, Length: 8, LKey: clientMR.LKey()}, serverMR.VirtAddr()+8, serverMR.RKey(), true)
	if db.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", db.Size())
	}

	if err := db.Flush(ctx, clientQP); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !db.IsEmpty() {
		t.Fatal("helper should be empty after Flush")
	}

	deadline := 0
	for deadline < 1000 {
		out, err := clientQP.SendCQ().Poll(ctx, make([]verbs.Completion, 2))
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(out) == 2 {
			break
		}
		deadline++
	}

	if string(serverMR.Bytes()[0:8]) != "AAAAAAAA" || string(serverMR.Bytes()[8:16]) != "BBBBBBBB" {
		t.Fatalf("unexpected server mr contents: %q", serverMR.Bytes()[0:16])
	}
}

func TestDoorbellHelperCapacityCap(t *testing.T) {
	db := qp.NewDoorbellHelper(1)
	db.PushWrite(1, backend.SGE{}, 0, 0, true)
	if !db.IsFull() {
		t.Fatal("expected helper to report full at capacity")
	}
	db.PushWrite(2, backend.SGE{}, 0, 0, true)
	if db.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 (push beyond capacity must be a no-op)", db.Size())
	}
}

func TestDoorbellHelperFlushOnRejectedVariantFails(t *testing.T) {
	ctx := context.Background()
	vctx := openTestContext(t, simbackend.NewFabric(), 1)
	udQP, err := qp.NewBuilder(qp.UD).Build(ctx, vctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer udQP.Close(ctx)

	db := qp.NewDoorbellHelper(4)
	db.PushWrite(1, backend.SGE{}, 0, 0, true)
	if err := db.Flush(ctx, udQP); err == nil {
		t.Fatal("expected flush on a UD qp to fail")
	}
}
