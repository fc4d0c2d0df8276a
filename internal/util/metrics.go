package util

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics exposes Stats through reg under the rudp_ namespace.
func RegisterMetrics(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		v    *atomic.Int64
	}{
		{"connections_opened_total", "Connections established since process start.", &Stats.TotalConns},
		{"connections_closed_total", "Connections closed since process start.", &Stats.ClosedConns},
		{"sent_bytes_total", "Bytes written to the UDP socket.", &Stats.BytesSent},
		{"received_bytes_total", "Bytes read from the UDP socket.", &Stats.BytesRecv},
		{"sent_packets_total", "Datagrams written to the UDP socket.", &Stats.PacketsSent},
		{"received_packets_total", "Datagrams read from the UDP socket.", &Stats.PacketsRecv},
		{"retransmits_total", "Data packets retransmitted.", &Stats.Retransmits},
		{"naks_sent_total", "Negative acknowledgements sent.", &Stats.NaksSent},
		{"dropped_packets_total", "Datagrams dropped before reaching a socket.", &Stats.Dropped},
	}

	for _, c := range counters {
		v := c.v
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "rudp",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(v.Load()) })
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	open := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "rudp",
		Name:      "connections_open",
		Help:      "Connections currently open.",
	}, func() float64 { return float64(Stats.TotalConns.Load() - Stats.ClosedConns.Load()) })
	return reg.Register(open)
}
