package rpc_test

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/yuuki/rdmacore/internal/endpoint"
	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/rctrl"
	"github.com/yuuki/rdmacore/internal/rpc"
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/verbs/simbackend"
	"github.com/yuuki/rdmacore/internal/wire"
)

const testServiceID = 0x5254

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

// pollUntil runs every client's PollAll in a background loop until stop
// fires, modeling the demo binary's progress goroutine.
func pollUntil(stop <-chan struct{}, clients ...*rpc.RPCClient) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, c := range clients {
				_ = c.PollAll(context.Background())
			}
			time.Sleep(time.Millisecond)
		}
	}()
}

func buildClient(t *testing.T, ctx context.Context, vctx *verbs.Context) *rpc.RPCClient {
	t.Helper()
	ud, err := qp.NewBuilder(qp.UD).Build(ctx, vctx)
	if err != nil {
		t.Fatalf("build ud qp: %v", err)
	}
	c, err := rpc.New(ctx, vctx, ud, 16, 512)
	if err != nil {
		t.Fatalf("rpc.New: %v", err)
	}
	return c
}

func serverEndpoint(t *testing.T, local *verbs.Context, remote *verbs.Context, rec wire.EndpointRecord) *endpoint.DatagramEndpoint {
	t.Helper()
	ah, err := local.CreateAddressHandle(context.Background(), 1, 0, remote.PortAttr().LID, remote.GID0())
	if err != nil {
		t.Fatalf("CreateAddressHandle: %v", err)
	}
	return endpoint.New(ah, rec.QPN, rec.QKey)
}

func TestCallDummyRoundTrip(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientRPC := buildClient(t, ctx, clientCtx)
	serverRPC := buildClient(t, ctx, serverCtx)

	stop := make(chan struct{})
	defer close(stop)
	pollUntil(stop, clientRPC, serverRPC)

	serverEP := serverEndpoint(t, clientCtx, serverCtx, serverRPC.Endpoint())

	reply, err := clientRPC.Call(ctx, serverEP, wire.ReqDummy, nil, 500_000)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply) != 64 {
		t.Fatalf("reply len = %d, want 64", len(reply))
	}
}

func TestRunAllStopsOnContextCancel(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientRPC := buildClient(t, ctx, clientCtx)
	serverRPC := buildClient(t, ctx, serverCtx)

	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- rpc.RunAll(runCtx, time.Millisecond, clientRPC, serverRPC) }()

	serverEP := serverEndpoint(t, clientCtx, serverCtx, serverRPC.Endpoint())
	reply, err := clientRPC.Call(ctx, serverEP, wire.ReqDummy, nil, 500_000)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(reply) != 64 {
		t.Fatalf("reply len = %d, want 64", len(reply))
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("RunAll returned %v after cancel, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RunAll did not return after its context was canceled")
	}
}

func TestCallTimesOutWithNoPeer(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientRPC := buildClient(t, ctx, clientCtx)
	_ = buildClient(t, ctx, serverCtx) // built, but never polled

	serverEP := serverEndpoint(t, clientCtx, serverCtx, wire.EndpointRecord{QPN: 0xffffffff, QKey: 1})

	reply, err := clientRPC.Call(ctx, serverEP, wire.ReqDummy, nil, 50_000)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply != nil {
		t.Fatal("expected a nil reply on timeout")
	}
}

func TestStandardHandlersRegisterQueryAndConnectRC(t *testing.T) {
	ctx := context.Background()
	fabric := simbackend.NewFabric()
	clientCtx := openTestContext(t, fabric, 1)
	serverCtx := openTestContext(t, fabric, 2)

	clientRPC := buildClient(t, ctx, clientCtx)
	serverRPC := buildClient(t, ctx, serverCtx)

	registry := rctrl.New()
	handlers := rpc.NewStandardHandlers(serverCtx, registry, testServiceID)
	handlers.Install(serverRPC)

	stop := make(chan struct{})
	defer close(stop)
	pollUntil(stop, clientRPC, serverRPC)

	serverEP := serverEndpoint(t, clientCtx, serverCtx, serverRPC.Endpoint())

	// register_meta
	localEP := clientRPC.Endpoint()
	gid := clientCtx.GID0()
	req := make([]byte, 16+8+wire.EndpointRecordSize)
	copy(req[0:16], gid[:])
	binary.LittleEndian.PutUint64(req[16:24], 0xabc)
	copy(req[24:], localEP.Encode())

	regReply, err := clientRPC.Call(ctx, serverEP, wire.ReqRegisterMeta, req, 500_000)
	if err != nil {
		t.Fatalf("register_meta Call: %v", err)
	}
	if len(regReply) != 64 {
		t.Fatalf("register_meta reply len = %d, want 64", len(regReply))
	}
	if binary.LittleEndian.Uint64(regReply[0:8]) != localEP.MRAddr {
		t.Fatal("register_meta reply did not echo the advertised mr addr")
	}

	// query_meta
	queryReq := make([]byte, 16)
	copy(queryReq, gid[:])
	queryReply, err := clientRPC.Call(ctx, serverEP, wire.ReqQueryMeta, queryReq, 500_000)
	if err != nil {
		t.Fatalf("query_meta Call: %v", err)
	}
	gotEP, err := wire.DecodeEndpointRecord(queryReply[:wire.EndpointRecordSize])
	if err != nil {
		t.Fatalf("DecodeEndpointRecord: %v", err)
	}
	if gotEP.QPN != localEP.QPN {
		t.Fatalf("queried endpoint QPN = %d, want %d", gotEP.QPN, localEP.QPN)
	}

	// connect_rc
	clientRC, err := qp.NewBuilder(qp.RC).Build(ctx, clientCtx)
	if err != nil {
		t.Fatalf("build client rc qp: %v", err)
	}
	defer clientRC.Close(ctx)

	connReq := make([]byte, 16+2+4)
	copy(connReq[0:16], gid[:])
	binary.LittleEndian.PutUint16(connReq[16:18], clientCtx.PortAttr().LID)
	binary.LittleEndian.PutUint32(connReq[18:22], uint32(clientRC.QPN()))

	connReply, err := clientRPC.Call(ctx, serverEP, wire.ReqConnectRC, connReq, 500_000)
	if err != nil {
		t.Fatalf("connect_rc Call: %v", err)
	}
	if len(connReply) != 64 {
		t.Fatalf("connect_rc reply len = %d, want 64", len(connReply))
	}
	qd := binary.LittleEndian.Uint64(connReply[22:30])
	if qd == 0 {
		t.Fatal("expected a non-zero qd from connect_rc")
	}

	// disconnect_rc
	discReq := make([]byte, 8)
	binary.LittleEndian.PutUint64(discReq, qd)
	if _, err := clientRPC.Call(ctx, serverEP, wire.ReqDisconnectRC, discReq, 500_000); err != nil {
		t.Fatalf("disconnect_rc Call: %v", err)
	}
}
