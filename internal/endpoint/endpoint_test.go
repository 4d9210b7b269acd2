package endpoint

import (
	"context"
	"testing"

	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/verbs/simbackend"
)

func newTestContext(t *testing.T, fabric *simbackend.Fabric, lid uint16) *verbs.Context {
	t.Helper()
	var gid backend.GID
	gid[15] = byte(lid)
	dev := simbackend.NewDevice(fabric, lid, gid, "InfiniBand")
	vctx, err := verbs.Open(context.Background(), dev, 1, nil)
	if err != nil {
		t.Fatalf("verbs.Open: %v", err)
	}
	t.Cleanup(func() { _ = vctx.Close(context.Background()) })
	return vctx
}

func TestNewUDEndpoint(t *testing.T) {
	fabric := simbackend.NewFabric()
	local := newTestContext(t, fabric, 1)
	remote := newTestContext(t, fabric, 2)

	ah, err := local.CreateAddressHandle(context.Background(), 1, 0, remote.PortAttr().LID, remote.GID0())
	if err != nil {
		t.Fatalf("CreateAddressHandle: %v", err)
	}

	ep := New(ah, 0x55, 0x66)
	if ep.QPN() != 0x55 {
		t.Fatalf("QPN = %d, want 0x55", ep.QPN())
	}
	if ep.QKey() != 0x66 {
		t.Fatalf("QKey = %d, want 0x66", ep.QKey())
	}
	if ep.LID() != remote.PortAttr().LID {
		t.Fatalf("LID = %d, want %d", ep.LID(), remote.PortAttr().LID)
	}
	if ep.GID() != remote.GID0() {
		t.Fatalf("GID mismatch")
	}
	if ep.IsDC() {
		t.Fatal("UD endpoint reported IsDC() == true")
	}
	if ep.AddressHandle() != ah {
		t.Fatal("AddressHandle() did not return the constructing handle")
	}
}

func TestNewDCEndpoint(t *testing.T) {
	fabric := simbackend.NewFabric()
	local := newTestContext(t, fabric, 1)
	remote := newTestContext(t, fabric, 2)

	ah, err := local.CreateAddressHandle(context.Background(), 1, 0, remote.PortAttr().LID, remote.GID0())
	if err != nil {
		t.Fatalf("CreateAddressHandle: %v", err)
	}

	ep := NewDC(ah, 0x77, 0xdeadbeef)
	if !ep.IsDC() {
		t.Fatal("DC endpoint reported IsDC() == false")
	}
	if ep.DCTNum() != 0x77 {
		t.Fatalf("DCTNum = %d, want 0x77", ep.DCTNum())
	}
	if ep.DCKey() != 0xdeadbeef {
		t.Fatalf("DCKey = %#x, want 0xdeadbeef", ep.DCKey())
	}
	if ep.QPN() != 0 || ep.QKey() != 0 {
		t.Fatalf("expected zero-valued UD fields on a DC endpoint, got qpn=%d qkey=%d", ep.QPN(), ep.QKey())
	}
}
