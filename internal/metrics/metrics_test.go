package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmacore/internal/sysfsdevice"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecorderObserveQPTransition(t *testing.T) {
	r := NewRecorder()
	r.ObserveQPTransition("RC", "INIT", "RTR", nil)
	r.ObserveQPTransition("RC", "INIT", "RTR", assertErr{})

	require.Equal(t, float64(1), counterValue(t, r.qpTransitions.WithLabelValues("RC", "INIT", "RTR")))
	require.Equal(t, float64(1), counterValue(t, r.qpErrors.WithLabelValues("RC", "RTR")))
}

func TestRecorderObserveCQPoll(t *testing.T) {
	r := NewRecorder()
	r.ObserveCQPoll(true)
	r.ObserveCQPoll(false)
	r.ObserveCQPoll(false)

	require.Equal(t, float64(1), counterValue(t, r.cqPolls.WithLabelValues("hit")))
	require.Equal(t, float64(2), counterValue(t, r.cqPolls.WithLabelValues("miss")))
}

func TestRecorderObserveRendezvousAndSIDR(t *testing.T) {
	r := NewRecorder()
	r.ObserveRendezvous(10*time.Millisecond, "established")
	r.ObserveSIDRResolve(5*time.Millisecond, "established")

	var m dto.Metric
	require.NoError(t, r.cmRendezvous.WithLabelValues("established").(prometheus.Histogram).Write(&m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())

	require.NoError(t, r.sidrResolve.WithLabelValues("established").(prometheus.Histogram).Write(&m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}

func TestRecorderObserveRPCCall(t *testing.T) {
	r := NewRecorder()
	r.ObserveRPCCall(1, 2*time.Millisecond, false)
	r.ObserveRPCCall(4, 0, true)

	var m dto.Metric
	require.NoError(t, r.rpcCallDuration.WithLabelValues("register_meta").(prometheus.Histogram).Write(&m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
	require.Equal(t, float64(1), counterValue(t, r.rpcCallTimeouts))
}

func TestRecorderCollectorsRegisterCleanly(t *testing.T) {
	r := NewRecorder()
	registry := prometheus.NewRegistry()
	for _, c := range r.Collectors() {
		require.NoError(t, registry.Register(c))
	}
}

type fakeProvider struct {
	devices []sysfsdevice.Device
	err     error
}

func (f fakeProvider) Devices(context.Context) ([]sysfsdevice.Device, error) { return f.devices, f.err }

func TestPortCollectorCollect(t *testing.T) {
	provider := fakeProvider{devices: []sysfsdevice.Device{
		{
			Name: "mlx5_0",
			Ports: []sysfsdevice.Port{
				{
					ID:      1,
					Stats:   map[string]uint64{"port_xmit_data": 42},
					HwStats: map[string]uint64{"rx_write_requests": 7},
					Attributes: sysfsdevice.PortAttributes{
						LinkLayer: "InfiniBand",
						State:     "ACTIVE",
					},
				},
			},
		},
	}}

	c := NewPortCollector(provider, nil)
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	families, err := registry.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["rdmacore_port_stat_total"])
	require.True(t, names["rdmacore_port_hw_stat_total"])
	require.True(t, names["rdmacore_port_info"])
}

func TestPortCollectorScrapeErrorIncrementsCounter(t *testing.T) {
	provider := fakeProvider{err: assertErr{}}
	c := NewPortCollector(provider, nil)
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	_, err := registry.Gather()
	require.NoError(t, err)
	require.Equal(t, float64(1), counterValue(t, c.scrapeErrors))
}

func TestPortCollectorNetDevStats(t *testing.T) {
	provider := fakeProvider{devices: []sysfsdevice.Device{
		{
			Name: "mlx5_1",
			Ports: []sysfsdevice.Port{
				{
					ID: 1,
					Attributes: sysfsdevice.PortAttributes{
						LinkLayer: "Ethernet",
						NetDev:    "eth0",
					},
				},
			},
		},
	}}

	c := NewPortCollector(provider, nil, WithNetDevStats(fakeNetDev{stats: map[string]uint64{"rx_crc_errors": 3}}))
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(c))

	families, err := registry.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "rdmacore_port_netdev_stat_total" {
			found = true
		}
	}
	require.True(t, found)
}

type fakeNetDev struct {
	stats map[string]uint64
	err   error
}

func (f fakeNetDev) Stats(context.Context, string) (map[string]uint64, error) { return f.stats, f.err }

type assertErr struct{}

func (assertErr) Error() string { return "metrics: simulated failure" }
