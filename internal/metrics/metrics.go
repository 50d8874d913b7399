// Package metrics exposes GhostDrop's observability surface: frame
// counters, byte counters, and handshake latency, reported through
// github.com/prometheus/client_golang for a host process to scrape.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles the counters and histograms a Session reports to.
type Collectors struct {
	FramesSent          *prometheus.CounterVec
	FramesRetransmitted prometheus.Counter
	BytesTransferred    prometheus.Counter
	HandshakeDuration   prometheus.Histogram
}

// NewCollectors constructs a fresh, unregistered set of collectors.
func NewCollectors() *Collectors {
	return &Collectors{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ghostdrop",
			Name:      "frames_sent_total",
			Help:      "Number of frames sent, labeled by frame kind.",
		}, []string{"kind"}),
		FramesRetransmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ghostdrop",
			Name:      "frames_retransmitted_total",
			Help:      "Number of bulk data frames retransmitted by the GATT transport.",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ghostdrop",
			Name:      "bytes_transferred_total",
			Help:      "Total plaintext bytes successfully transferred.",
		}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ghostdrop",
			Name:      "handshake_duration_seconds",
			Help:      "Time from Hello send to VerifyAck receipt.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// MustRegister registers all collectors against reg. It panics on a
// duplicate registration, matching prometheus.MustRegister's own
// contract; callers register once per process.
func (c *Collectors) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.FramesSent, c.FramesRetransmitted, c.BytesTransferred, c.HandshakeDuration)
}
