// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to the datagram receive pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//   - things coming into or going out of the system: datagrams, bytes, sessions.
//   - the success or error status of any of the above.
//   - the distribution of batch sizes and paced delays.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecvPacketsTotal counts datagrams delivered by limited receive paths.
	RecvPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udplimit_recv_packets_total",
			Help: "Number of datagrams received through limited receive paths.",
		},
	)

	// RecvBytesTotal counts payload bytes delivered by limited receive paths.
	RecvBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udplimit_recv_bytes_total",
			Help: "Number of payload bytes received through limited receive paths.",
		},
	)

	// PacedTotal counts receive attempts that were delayed because the
	// current window's packet or byte budget was exhausted.
	PacedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udplimit_paced_total",
			Help: "Number of receive attempts delayed by the rate window.",
		},
	)

	// PacedDelayHistogram tracks the distribution of delays imposed by the
	// rate window.  The maximum window is 4096 ms, which bounds every delay.
	PacedDelayHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "udplimit_paced_delay_seconds_histogram",
			Help: "paced delay distribution (seconds)",
			Buckets: []float64{
				0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064,
				0.128, 0.256, 0.512, 1.024, 2.048, 4.096,
			},
		},
	)

	// BatchSizeHistogram tracks how many datagrams each batched receive
	// returned.  Small values suggest the batch path is not paying off.
	BatchSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "udplimit_batch_size_histogram",
			Help:    "batched receive fill count histogram",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24, 32, 48, 64},
		},
	)

	// SessionsTotal counts relay sessions ever created.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "udplimit_sessions_total",
			Help: "Number of relay sessions created.",
		},
	)

	// OpenSessions tracks currently live relay sessions.
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "udplimit_open_sessions",
			Help: "Number of currently open relay sessions.",
		},
	)

	// SessionEventsCounter counts events published by the eventsocket
	// server, whether or not any subscriber received them.
	SessionEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udplimit_session_events_total",
			Help: "Number of session events announced, by type.",
		}, []string{"type"})

	// ErrorCount measures the number of errors.
	// Provides metrics:
	//    udplimit_error_total
	// Example usage:
	//    metrics.ErrorCount.With(prometheus.Labels{"type": "recv"}).Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udplimit_error_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"})
)

// RecvStats feeds the package counters.  It satisfies stats.RecvStats, so a
// receive path can export straight to prometheus, usually fanned out next to
// an in-process aggregate via stats.Multi.
type RecvStats struct{}

// AddRecvPacket implements stats.RecvStats.
func (RecvStats) AddRecvPacket() {
	RecvPacketsTotal.Inc()
}

// AddRecvPackets implements stats.RecvStats.
func (RecvStats) AddRecvPackets(n int) {
	RecvPacketsTotal.Add(float64(n))
}

// AddRecvBytes implements stats.RecvStats.
func (RecvStats) AddRecvBytes(n int) {
	RecvBytesTotal.Add(float64(n))
}

// init() prints a log message to let the user know that the package has been
// loaded and the metrics registered. The metrics are auto-registered, which
// means they are registered as soon as this package is loaded, and the exact
// time this occurs (and whether this occurs at all in a given context) can be
// opaque.
func init() {
	log.Println("Prometheus metrics in udp-limit.metrics are registered.")
}
