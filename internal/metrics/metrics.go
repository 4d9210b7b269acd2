// Package metrics instruments the core with Prometheus collectors: queue
// pair state transitions, completion-queue poll outcomes, connection
// manager rendezvous duration, RPC call latency, and (via PortCollector)
// the sysfs-sourced port topology a deployment scrapes alongside them.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuuki/rdmacore/internal/sysfsdevice"
)

// Recorder accumulates the core's event counters and latency histograms.
// qp, cm and rpc each accept a small local interface satisfied by
// *Recorder (qp.Recorder, cm.Recorder, rpc.Recorder) so those packages
// never import metrics directly.
type Recorder struct {
	qpTransitions *prometheus.CounterVec
	qpErrors      *prometheus.CounterVec

	cqPolls *prometheus.CounterVec

	cmRendezvous *prometheus.HistogramVec
	sidrResolve  *prometheus.HistogramVec

	rpcCallDuration *prometheus.HistogramVec
	rpcCallTimeouts prometheus.Counter
}

// NewRecorder constructs a Recorder with its collectors unregistered;
// call Collectors to obtain the set to pass to registry.MustRegister.
func NewRecorder() *Recorder {
	return &Recorder{
		qpTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdmacore_qp_transitions_total",
			Help: "Queue pair state transitions, by variant, source state and target state.",
		}, []string{"variant", "from", "to"}),
		qpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdmacore_qp_transition_errors_total",
			Help: "Queue pair state transitions that failed, by variant and attempted target state.",
		}, []string{"variant", "to"}),
		cqPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdmacore_cq_polls_total",
			Help: "Completion queue poll attempts, by outcome (hit or miss).",
		}, []string{"outcome"}),
		cmRendezvous: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rdmacore_cm_rendezvous_duration_seconds",
			Help:    "Duration of a ConnectionManager Request/Reply rendezvous, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		sidrResolve: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rdmacore_sidr_resolve_duration_seconds",
			Help:    "Duration of a SIDR one-shot resolve, by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		rpcCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rdmacore_rpc_call_duration_seconds",
			Help:    "RPCClient.Call round-trip latency, by request type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"req_type"}),
		rpcCallTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdmacore_rpc_call_timeouts_total",
			Help: "RPCClient.Call invocations that timed out waiting for a reply.",
		}),
	}
}

// Collectors returns every collector this Recorder owns, for registration.
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.qpTransitions, r.qpErrors, r.cqPolls,
		r.cmRendezvous, r.sidrResolve,
		r.rpcCallDuration, r.rpcCallTimeouts,
	}
}

// ObserveQPTransition satisfies qp.Recorder.
func (r *Recorder) ObserveQPTransition(variant, from, to string, err error) {
	if err != nil {
		r.qpErrors.WithLabelValues(variant, to).Inc()
		return
	}
	r.qpTransitions.WithLabelValues(variant, from, to).Inc()
}

// ObserveCQPoll counts one completion-queue poll as a hit or a miss. It is
// not part of qp.Recorder or rpc.Recorder; no package in this module calls it.
func (r *Recorder) ObserveCQPoll(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	r.cqPolls.WithLabelValues(outcome).Inc()
}

// ObserveRendezvous satisfies cm.Recorder.
func (r *Recorder) ObserveRendezvous(d time.Duration, outcome string) {
	r.cmRendezvous.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveSIDRResolve satisfies cm.Recorder.
func (r *Recorder) ObserveSIDRResolve(d time.Duration, outcome string) {
	r.sidrResolve.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveRPCCall satisfies rpc.Recorder.
func (r *Recorder) ObserveRPCCall(reqType uint8, d time.Duration, timedOut bool) {
	if timedOut {
		r.rpcCallTimeouts.Inc()
		return
	}
	r.rpcCallDuration.WithLabelValues(reqTypeLabel(reqType)).Observe(d.Seconds())
}

func reqTypeLabel(reqType uint8) string {
	switch reqType {
	case 0:
		return "dummy"
	case 1:
		return "register_meta"
	case 2:
		return "deregister_meta"
	case 3:
		return "query_meta"
	case 4:
		return "connect_rc"
	case 5:
		return "disconnect_rc"
	default:
		return "unknown"
	}
}

// PortCollector implements prometheus.Collector over a sysfsdevice
// Provider, exporting per-port counters, hardware counters and a
// metadata gauge. Grounded on the same scrape shape every collector in
// this lineage uses: a cached Desc table keyed by stat name, with
// Collect walking the provider fresh on every scrape.
type PortCollector struct {
	provider sysfsdevice.Provider
	logger   *slog.Logger
	netDev   NetDevStatsProvider

	portInfoDesc *prometheus.Desc
	statDesc     *prometheus.Desc
	hwStatDesc   *prometheus.Desc
	netDevDesc   *prometheus.Desc
	scrapeErrors prometheus.Counter
}

// NetDevStatsProvider fetches ethtool-sourced counters for the network
// device backing an Ethernet (RoCE) port, e.g. *netdev.EthtoolStatsProvider.
type NetDevStatsProvider interface {
	Stats(ctx context.Context, netDev string) (map[string]uint64, error)
}

// PortCollectorOption configures optional PortCollector behavior.
type PortCollectorOption func(*PortCollector)

// WithNetDevStats attaches a netdev stats source; RoCE (Ethernet link
// layer) ports with a resolved netdev are scraped through it too.
func WithNetDevStats(provider NetDevStatsProvider) PortCollectorOption {
	return func(c *PortCollector) { c.netDev = provider }
}

// NewPortCollector returns a PortCollector reading from provider.
func NewPortCollector(provider sysfsdevice.Provider, logger *slog.Logger, opts ...PortCollectorOption) *PortCollector {
	if logger == nil {
		logger = slog.Default()
	}
	c := &PortCollector{
		provider: provider,
		logger:   logger,
		portInfoDesc: prometheus.NewDesc(
			"rdmacore_port_info",
			"RDMA port metadata exported as labels.",
			[]string{"device", "port", "link_layer", "state", "netdev"},
			nil,
		),
		statDesc: prometheus.NewDesc(
			"rdmacore_port_stat_total",
			"RDMA port counter sourced from sysfs counters.",
			[]string{"device", "port", "stat"},
			nil,
		),
		hwStatDesc: prometheus.NewDesc(
			"rdmacore_port_hw_stat_total",
			"RDMA port hardware counter sourced from sysfs hw_counters.",
			[]string{"device", "port", "stat"},
			nil,
		),
		netDevDesc: prometheus.NewDesc(
			"rdmacore_port_netdev_stat_total",
			"Ethtool counter for the network device backing an Ethernet RDMA port.",
			[]string{"device", "port", "netdev", "stat"},
			nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdmacore_port_scrape_errors_total",
			Help: "Total number of errors encountered while scraping RDMA port topology.",
		}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *PortCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.portInfoDesc
	ch <- c.statDesc
	ch <- c.hwStatDesc
	ch <- c.netDevDesc
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *PortCollector) Collect(ch chan<- prometheus.Metric) {
	devices, err := c.provider.Devices(context.Background())
	if err != nil {
		c.logger.Warn("port topology scrape failed", "err", err)
		c.scrapeErrors.Inc()
		c.scrapeErrors.Collect(ch)
		return
	}

	for _, device := range devices {
		for _, port := range device.Ports {
			portID := portIDString(port.ID)

			for name, value := range port.Stats {
				ch <- prometheus.MustNewConstMetric(c.statDesc, prometheus.CounterValue, float64(value), device.Name, portID, name)
			}
			for name, value := range port.HwStats {
				ch <- prometheus.MustNewConstMetric(c.hwStatDesc, prometheus.CounterValue, float64(value), device.Name, portID, name)
			}

			ch <- prometheus.MustNewConstMetric(
				c.portInfoDesc, prometheus.GaugeValue, 1,
				device.Name, portID, port.Attributes.LinkLayer, port.Attributes.State, port.Attributes.NetDev,
			)

			c.collectNetDevStats(ch, device.Name, portID, port.Attributes)
		}
	}
	c.scrapeErrors.Collect(ch)
}

func (c *PortCollector) collectNetDevStats(ch chan<- prometheus.Metric, device, portID string, attr sysfsdevice.PortAttributes) {
	if c.netDev == nil || attr.LinkLayer != "Ethernet" || attr.NetDev == "" {
		return
	}
	stats, err := c.netDev.Stats(context.Background(), attr.NetDev)
	if err != nil {
		c.logger.Warn("netdev stat scrape failed", "device", device, "port", portID, "netdev", attr.NetDev, "err", err)
		return
	}
	for name, value := range stats {
		ch <- prometheus.MustNewConstMetric(c.netDevDesc, prometheus.CounterValue, float64(value), device, portID, attr.NetDev, name)
	}
}

func portIDString(id int) string {
	const digits = "0123456789"
	if id == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	n := id
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
