package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const livelookNamespace string = "livelook"

var (
	promConnectionsTotal prometheus.Gauge
	promRoomsTotal       prometheus.Gauge
	promPeersTotal       prometheus.Gauge

	SignalingRequestCounter  *prometheus.CounterVec
	SignalingRequestDuration *prometheus.HistogramVec
)

func init() {
	promConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "signaling",
		Name:      "connections",
	})

	promRoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "room",
		Name:      "total",
	})

	promPeersTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livelookNamespace,
		Subsystem: "peer",
		Name:      "total",
	})

	SignalingRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: livelookNamespace,
			Subsystem: "signaling",
			Name:      "requests_total",
		},
		[]string{"method", "status", "error_type"},
	)

	SignalingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: livelookNamespace,
			Subsystem: "signaling",
			Name:      "request_duration_seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	prometheus.MustRegister(promConnectionsTotal)
	prometheus.MustRegister(promRoomsTotal)
	prometheus.MustRegister(promPeersTotal)
	prometheus.MustRegister(SignalingRequestCounter)
	prometheus.MustRegister(SignalingRequestDuration)
}

func ConnectionOpened() {
	promConnectionsTotal.Inc()
}

func ConnectionClosed() {
	promConnectionsTotal.Dec()
}

// SetRoomStats records the current room and peer totals.
func SetRoomStats(rooms, peers int) {
	promRoomsTotal.Set(float64(rooms))
	promPeersTotal.Set(float64(peers))
}

// RequestHandled counts a signaling request. errorType is empty on success.
func RequestHandled(method, errorType string, elapsed time.Duration) {
	status := "success"
	if errorType != "" {
		status = "error"
	}
	SignalingRequestCounter.WithLabelValues(method, status, errorType).Inc()
	SignalingRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
