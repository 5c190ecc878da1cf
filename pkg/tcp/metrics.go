package tcp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors a Server and its Connections
// report through. It replaces a hand-rolled atomic-counter dashboard with
// the same collector-then-register idiom the wider ecosystem uses for
// per-connection instrumentation: callers construct one Metrics, register
// it once with prometheus.MustRegister (or their own registry), and pass it
// to NewServer.
type Metrics struct {
	SegmentsSent          prometheus.Counter
	SegmentsReceived      prometheus.Counter
	SegmentsDropped       *prometheus.CounterVec
	SegmentsRetransmitted prometheus.Counter
	LiveConnections       prometheus.Gauge
	RTTSamples            prometheus.Histogram
}

// NewMetrics creates a Metrics instance with all of its collectors
// constructed and labeled under the given namespace, ready to be passed to
// prometheus.MustRegister.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_sent_total",
			Help:      "Total number of segments transmitted.",
		}),
		SegmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_received_total",
			Help:      "Total number of segments received off the network.",
		}),
		SegmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Total number of segments dropped by the demultiplexer or a connection.",
		}, []string{"reason"}),
		SegmentsRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_retransmitted_total",
			Help:      "Total number of segments retransmitted, either by timeout or fast retransmit.",
		}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of connections currently past the handshake and not yet closed.",
		}),
		RTTSamples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Measured round-trip-time samples used to update the RTT estimator.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
}

// Collectors returns every collector so a caller can register them all in
// one prometheus.MustRegister(m.Collectors()...) call.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SegmentsSent,
		m.SegmentsReceived,
		m.SegmentsDropped,
		m.SegmentsRetransmitted,
		m.LiveConnections,
		m.RTTSamples,
	}
}
