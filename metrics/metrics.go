package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardrpc",
			Subsystem: "handshake",
			Name:      "total",
			Help:      "Handshakes by role and result.",
		},
		[]string{"role", "result"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardrpc",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames moved by role, direction and frame type.",
		},
		[]string{"role", "direction", "type"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardrpc",
			Subsystem: "wire",
			Name:      "bytes_total",
			Help:      "Framed bytes moved by role and direction.",
		},
		[]string{"role", "direction"},
	)
	calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardrpc",
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Outbound calls by role and outcome.",
		},
		[]string{"role", "outcome"},
	)
	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardrpc",
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Outbound call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
	closures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardrpc",
			Subsystem: "conn",
			Name:      "closed_total",
			Help:      "Connection closures by role and terminal error kind.",
		},
		[]string{"role", "kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(handshakes, frames, frameBytes, calls, callDuration, closures)
	})
}

func RecordHandshake(role, result string) {
	RegisterMetrics()
	handshakes.WithLabelValues(role, result).Inc()
}

func RecordFrame(role, direction, frameType string, size int) {
	RegisterMetrics()
	frames.WithLabelValues(role, direction, frameType).Inc()
	frameBytes.WithLabelValues(role, direction).Add(float64(size))
}

func RecordCall(role, outcome string, duration time.Duration) {
	RegisterMetrics()
	calls.WithLabelValues(role, outcome).Inc()
	callDuration.WithLabelValues(role).Observe(duration.Seconds())
}

func RecordClose(role, kind string) {
	RegisterMetrics()
	closures.WithLabelValues(role, kind).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
