// Command rdmacore-demo wires every package of this module together into
// one runnable process: two simulated HCA ports on a loopback fabric carry
// out an RC rendezvous plus one-sided read/write/atomics, a UD/SIDR
// rendezvous, and an RPC round trip through the five standard handlers,
// while Prometheus metrics and a health check are served over HTTP until
// the process receives a termination signal.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuuki/rdmacore/internal/cm"
	"github.com/yuuki/rdmacore/internal/config"
	"github.com/yuuki/rdmacore/internal/endpoint"
	"github.com/yuuki/rdmacore/internal/explorer"
	"github.com/yuuki/rdmacore/internal/metrics"
	"github.com/yuuki/rdmacore/internal/netdev"
	"github.com/yuuki/rdmacore/internal/qp"
	"github.com/yuuki/rdmacore/internal/rctrl"
	"github.com/yuuki/rdmacore/internal/rpc"
	"github.com/yuuki/rdmacore/internal/server"
	"github.com/yuuki/rdmacore/internal/sysfsdevice"
	"github.com/yuuki/rdmacore/internal/verbs"
	"github.com/yuuki/rdmacore/internal/verbs/backend"
	"github.com/yuuki/rdmacore/internal/verbs/simbackend"
	"github.com/yuuki/rdmacore/internal/wire"
)

const demoServiceID = 0x5254

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println("rdmacore-demo (development build)")
		os.Exit(0)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting rdmacore demo",
		"listen_address", cfg.ListenAddress,
		"metrics_path", cfg.MetricsPath,
		"sysfs_root", cfg.SysfsRoot,
	)

	recorder := metrics.NewRecorder()
	registry := prometheus.NewRegistry()
	registerCollectors(registry, recorder, cfg, logger)

	srv := server.New(server.Options{
		ListenAddress: cfg.ListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runDemo(ctx, recorder, logger); err != nil {
		logger.Error("demo scenario failed", "err", err)
	} else {
		logger.Info("demo scenario completed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("server exited with error", "err", serveErr)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// registerCollectors wires the topology scrape path: sysfsdevice.Provider
// feeds metrics.PortCollector, optionally enriched with ethtool counters
// for Ethernet (RoCE) ports, alongside the Recorder's push-style
// collectors and the standard process/Go runtime collectors.
func registerCollectors(registry *prometheus.Registry, recorder *metrics.Recorder, cfg config.Config, logger *slog.Logger) {
	provider := sysfsdevice.NewSysfsProvider()
	if cfg.SysfsRoot != "" {
		provider.SetSysfsRoot(cfg.SysfsRoot)
	}

	var portOpts []metrics.PortCollectorOption
	if ethtoolProvider, err := netdev.NewEthtoolStatsProvider(); err != nil {
		logger.Warn("ethtool stats unavailable, netdev counters disabled", "err", err)
	} else {
		portOpts = append(portOpts, metrics.WithNetDevStats(ethtoolProvider))
	}
	portCollector := metrics.NewPortCollector(provider, logger, portOpts...)

	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(portCollector)
	for _, c := range recorder.Collectors() {
		registry.MustRegister(c)
	}
}

// node bundles one simulated fabric participant's opened context, so the
// RC and UD/SIDR/RPC scenarios below can address either side uniformly.
type node struct {
	dev  *simbackend.Device
	vctx *verbs.Context
}

func openNode(ctx context.Context, fabric *simbackend.Fabric, lid uint16, logger *slog.Logger) (*node, error) {
	var gid backend.GID
	binary.BigEndian.PutUint16(gid[14:16], lid)
	dev := simbackend.NewDevice(fabric, lid, gid, "InfiniBand")
	vctx, err := verbs.Open(ctx, dev, 1, logger)
	if err != nil {
		return nil, err
	}
	return &node{dev: dev, vctx: vctx}, nil
}

// runDemo exercises the RC one-sided path, the UD/SIDR rendezvous, and an
// RPC round trip over the five standard handlers, all against one
// in-process loopback fabric (there is no real hardware to target here,
// spec.md §1).
func runDemo(ctx context.Context, recorder *metrics.Recorder, logger *slog.Logger) error {
	fabric := simbackend.NewFabric()

	client, err := openNode(ctx, fabric, 1, logger.With("role", "client"))
	if err != nil {
		return fmt.Errorf("open client node: %w", err)
	}
	serverNode, err := openNode(ctx, fabric, 2, logger.With("role", "server"))
	if err != nil {
		return fmt.Errorf("open server node: %w", err)
	}

	if err := runRCDemo(ctx, client, serverNode, recorder, logger); err != nil {
		return fmt.Errorf("rc demo: %w", err)
	}
	if err := runSIDRDemo(ctx, client, serverNode, recorder, logger); err != nil {
		return fmt.Errorf("sidr demo: %w", err)
	}
	if err := runRPCDemo(ctx, client, serverNode, recorder, logger); err != nil {
		return fmt.Errorf("rpc demo: %w", err)
	}
	return nil
}

// runRCDemo rendezvouses an RC queue pair on each side through cm.Connect,
// registers a memory region on the server, and exercises read, write, cas
// and faa from the client (spec.md §4.2, §4.3, §4.4, §8 scenario 1-3).
func runRCDemo(ctx context.Context, client, serverNode *node, recorder *metrics.Recorder, logger *slog.Logger) error {
	fabric := cm.NewFabric()

	serverMR, err := verbs.Allocate(ctx, serverNode.vctx, 4096, backend.AccessRemoteRead|backend.AccessRemoteWrite|backend.AccessRemoteAtomic|backend.AccessLocalWrite)
	if err != nil {
		return err
	}
	serverQP, err := qp.NewBuilder(qp.RC).
		SetAccessFlags(backend.AccessRemoteRead | backend.AccessRemoteWrite | backend.AccessRemoteAtomic).
		Build(ctx, serverNode.vctx)
	if err != nil {
		return err
	}
	serverQP.SetRecorder(recorder)

	handler := &rcListener{vctx: serverNode.vctx, qp: serverQP, mr: serverMR}
	listener, err := cm.Listen(fabric, demoServiceID, handler)
	if err != nil {
		return err
	}
	defer listener.Unbind()

	clientQP, err := qp.NewBuilder(qp.RC).Build(ctx, client.vctx)
	if err != nil {
		return err
	}
	clientQP.SetRecorder(recorder)

	cmCtx, reply, err := cm.Connect(ctx, fabric, clientQP, client.vctx.PortAttr(), demoServiceID, 0, nil, 0, recorder)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer cm.Disconnect(cmCtx)

	localMR, err := verbs.Allocate(ctx, client.vctx, 4096, backend.AccessLocalWrite)
	if err != nil {
		return err
	}
	copy(localMR.Bytes(), []byte("rdmacore one-sided write payload"))

	cq := clientQP.SendCQ()

	if err := clientQP.PostSendWrite(ctx, 1, backend.SGE{Addr: localMR.RdmaAddr(), Length: 64, LKey: localMR.LKey()}, reply.MRAddr, reply.MRRKey, true); err != nil {
		return fmt.Errorf("post write: %w", err)
	}
	if err := pollOne(ctx, cq); err != nil {
		return fmt.Errorf("write completion: %w", err)
	}

	if err := clientQP.PostSendRead(ctx, 2, backend.SGE{Addr: localMR.RdmaAddr(), Length: 64, LKey: localMR.LKey()}, reply.MRAddr, reply.MRRKey, true); err != nil {
		return fmt.Errorf("post read: %w", err)
	}
	if err := pollOne(ctx, cq); err != nil {
		return fmt.Errorf("read completion: %w", err)
	}

	if err := clientQP.PostSendCAS(ctx, 3, reply.MRAddr, reply.MRRKey, 0, 0xdeadbeef, true); err != nil {
		return fmt.Errorf("post cas: %w", err)
	}
	if err := pollOne(ctx, cq); err != nil {
		return fmt.Errorf("cas completion: %w", err)
	}

	if err := clientQP.PostSendFAA(ctx, 4, reply.MRAddr, reply.MRRKey, 1, true); err != nil {
		return fmt.Errorf("post faa: %w", err)
	}
	if err := pollOne(ctx, cq); err != nil {
		return fmt.Errorf("faa completion: %w", err)
	}

	logger.Info("rc scenario complete", "peer_mr_addr", reply.MRAddr, "peer_mr_rkey", reply.MRRKey)
	return nil
}

// pollOne busy-polls cq until a completion arrives or ctx is done,
// matching how a userspace caller is expected to drive progress (spec.md
// §4.2: "Poll never blocks; an empty result is the expected poll-miss
// signal").
func pollOne(ctx context.Context, cq *verbs.CompletionQueue) error {
	out := make([]verbs.Completion, 1)
	for {
		completions, err := cq.Poll(ctx, out)
		if err != nil {
			return err
		}
		if len(completions) > 0 {
			if completions[0].Status != 0 {
				return fmt.Errorf("completion failed with status %d", completions[0].Status)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// rcListener implements cm.Handler for the RC rendezvous demo: it walks a
// pre-built server-side QP to RTR/RTS against the requester's coordinates
// and advertises its registered memory region in the Reply.
type rcListener struct {
	vctx *verbs.Context
	qp   *qp.QueuePair
	mr   *verbs.MemoryRegion
}

func (l *rcListener) HandleReq(req cm.Request) (cm.Reply, error) {
	ctx := context.Background()
	if err := l.qp.ToInit(ctx); err != nil {
		return cm.Reply{}, err
	}
	peer := qp.PeerInfo{QPN: req.PeerQPN, LID: req.PeerLID, GID: req.PeerGID, StartPSN: req.PeerStartPSN}
	if err := l.qp.ToRTR(ctx, peer); err != nil {
		return cm.Reply{}, err
	}
	if err := l.qp.ToRTS(ctx, uint32(l.qp.QPN())); err != nil {
		return cm.Reply{}, err
	}
	local := l.vctx.PortAttr()
	return cm.Reply{
		MRAddr: l.mr.RdmaAddr(), MRRKey: l.mr.RKey(),
		QPN: uint32(l.qp.QPN()), StartPSN: uint32(l.qp.QPN()),
		LID: local.LID, GID: local.GID,
	}, nil
}

func (l *rcListener) HandleSIDRReq(cm.SIDRRequest) (cm.SIDRReply, error) {
	return cm.SIDRReply{Status: cm.NotExist}, nil
}

func (l *rcListener) HandleDisconnect(uint32) {}

// runSIDRDemo rendezvouses a pair of UD queue pairs through a one-shot
// SIDR exchange, then exercises an explorer-resolved address handle for
// the datagram send itself (spec.md §4.4, §4.5).
func runSIDRDemo(ctx context.Context, client, serverNode *node, recorder *metrics.Recorder, logger *slog.Logger) error {
	fabric := cm.NewFabric()

	serverUD, err := qp.NewBuilder(qp.UD).Build(ctx, serverNode.vctx)
	if err != nil {
		return err
	}
	if err := serverUD.ToInit(ctx); err != nil {
		return err
	}
	if err := serverUD.ToRTR(ctx, qp.PeerInfo{}); err != nil {
		return err
	}
	if err := serverUD.ToRTS(ctx, uint32(serverUD.QPN())); err != nil {
		return err
	}

	handler := &sidrListener{attr: serverNode.vctx.PortAttr()}
	listener, err := cm.Listen(fabric, demoServiceID, handler)
	if err != nil {
		return err
	}
	defer listener.Unbind()

	exp, err := explorer.New(func(_ context.Context, _ uint8, gid backend.GID) (explorer.PathRecord, error) {
		if gid == serverNode.vctx.GID0() {
			return explorer.PathRecord{LID: serverNode.vctx.PortAttr().LID, MTU: 1024}, nil
		}
		return explorer.PathRecord{}, fmt.Errorf("no path to gid %x", gid)
	}, 64)
	if err != nil {
		return err
	}

	path, err := exp.Resolve(ctx, client.vctx.PortNum(), serverNode.vctx.GID0(), demoServiceID)
	if err != nil {
		return fmt.Errorf("explorer resolve: %w", err)
	}

	info, err := cm.ResolveSIDR(ctx, fabric, demoServiceID, 0, 0, recorder)
	if err != nil {
		return fmt.Errorf("resolve sidr: %w", err)
	}

	logger.Info("sidr scenario complete", "resolved_lid", path.LID, "peer_lid", info.LID, "peer_gid", info.GID)
	return nil
}

// sidrListener implements cm.Handler for the SIDR demo; it has no RC
// service to offer, only a datagram-meta reply.
type sidrListener struct {
	attr backend.PortAttr
}

func (l *sidrListener) HandleReq(cm.Request) (cm.Reply, error) {
	return cm.Reply{Status: cm.NotExist}, fmt.Errorf("sidr listener does not serve RC rendezvous")
}

func (l *sidrListener) HandleSIDRReq(cm.SIDRRequest) (cm.SIDRReply, error) {
	return cm.SIDRReply{Info: wire.SIDRReplyInfo{LID: l.attr.LID, GID: l.attr.GID}}, nil
}

func (l *sidrListener) HandleDisconnect(uint32) {}

const rpcSlots = 16
const rpcSlotSize = 512
const rpcTimeoutUs = 200_000

// runRPCDemo binds an RPCClient to a fresh UD queue pair on each side,
// installs the five standard handlers on the server, and round-trips a
// dummy call plus the full register/query/connect_rc/disconnect_rc
// sequence spec.md §4.6 defines (the RC queue pair connect_rc brings up is
// opened, walked to RTS and torn down purely through RPC-carried
// coordinates, with no ConnectionManager rendezvous involved).
func runRPCDemo(ctx context.Context, client, serverNode *node, recorder *metrics.Recorder, logger *slog.Logger) error {
	clientUD, err := qp.NewBuilder(qp.UD).Build(ctx, client.vctx)
	if err != nil {
		return err
	}
	serverUD, err := qp.NewBuilder(qp.UD).Build(ctx, serverNode.vctx)
	if err != nil {
		return err
	}

	clientRPC, err := rpc.New(ctx, client.vctx, clientUD, rpcSlots, rpcSlotSize)
	if err != nil {
		return err
	}
	clientRPC.SetRecorder(recorder)

	serverRPC, err := rpc.New(ctx, serverNode.vctx, serverUD, rpcSlots, rpcSlotSize)
	if err != nil {
		return err
	}
	serverRPC.SetRecorder(recorder)

	registry := rctrl.New()
	handlers := rpc.NewStandardHandlers(serverNode.vctx, registry, demoServiceID)
	handlers.Install(serverRPC)

	pollCtx, stopPolling := context.WithCancel(ctx)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		_ = rpc.RunAll(pollCtx, time.Millisecond, clientRPC, serverRPC)
	}()
	defer func() { stopPolling(); <-pollDone }()

	serverAH, err := client.vctx.CreateAddressHandle(ctx, client.vctx.PortNum(), 0, serverNode.vctx.PortAttr().LID, serverNode.vctx.GID0())
	if err != nil {
		return err
	}
	serverEP := endpoint.New(serverAH, uint32(serverUD.QPN()), serverUD.QKey())

	if _, err := clientRPC.Call(ctx, serverEP, wire.ReqDummy, nil, rpcTimeoutUs); err != nil {
		return fmt.Errorf("dummy call: %w", err)
	}

	localMR, err := verbs.Allocate(ctx, client.vctx, 256, backend.AccessLocalWrite)
	if err != nil {
		return err
	}
	clientGID := client.vctx.GID0()

	registerReq := make([]byte, 16+8+wire.EndpointRecordSize)
	copy(registerReq[0:16], clientGID[:])
	binary.LittleEndian.PutUint64(registerReq[16:24], 0xfeed)
	ep := wire.EndpointRecord{
		QPN: uint32(clientUD.QPN()), QKey: clientUD.QKey(),
		LID: client.vctx.PortAttr().LID, GID: clientGID,
		MRAddr: localMR.RdmaAddr(), MRRKey: localMR.RKey(),
	}
	copy(registerReq[24:24+wire.EndpointRecordSize], ep.Encode())
	if _, err := clientRPC.Call(ctx, serverEP, wire.ReqRegisterMeta, registerReq, rpcTimeoutUs); err != nil {
		return fmt.Errorf("register_meta call: %w", err)
	}

	queryReq := append([]byte(nil), clientGID[:]...)
	queryReply, err := clientRPC.Call(ctx, serverEP, wire.ReqQueryMeta, queryReq, rpcTimeoutUs)
	if err != nil {
		return fmt.Errorf("query_meta call: %w", err)
	}
	if queryReply == nil {
		return fmt.Errorf("query_meta: no entry found for registered gid")
	}

	clientRC, err := qp.NewBuilder(qp.RC).Build(ctx, client.vctx)
	if err != nil {
		return fmt.Errorf("build client rc qp: %w", err)
	}
	defer func() { _ = clientRC.Close(ctx) }()

	connectReq := make([]byte, 16+2+4)
	copy(connectReq[0:16], clientGID[:])
	binary.LittleEndian.PutUint16(connectReq[16:18], client.vctx.PortAttr().LID)
	binary.LittleEndian.PutUint32(connectReq[18:22], uint32(clientRC.QPN()))
	connectReply, err := clientRPC.Call(ctx, serverEP, wire.ReqConnectRC, connectReq, rpcTimeoutUs)
	if err != nil {
		return fmt.Errorf("connect_rc call: %w", err)
	}
	if connectReply == nil {
		return fmt.Errorf("connect_rc: no reply")
	}
	qd := binary.LittleEndian.Uint64(connectReply[22:30])

	disconnectReq := make([]byte, 8)
	binary.LittleEndian.PutUint64(disconnectReq[0:8], qd)
	if _, err := clientRPC.Call(ctx, serverEP, wire.ReqDisconnectRC, disconnectReq, rpcTimeoutUs); err != nil {
		return fmt.Errorf("disconnect_rc call: %w", err)
	}

	logger.Info("rpc scenario complete", "qd", qd)
	return nil
}
