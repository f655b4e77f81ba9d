// Package metrics exposes relay traffic counters to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

const namespace = "camera_relay"

var (
	sessionsCurrent atomic.Int32

	promSessionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "current",
	})
	promSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "total",
	}, []string{"result"})
	promRTPForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "forwarded_total",
	})
	promRTPRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtp",
		Name:      "rejected_total",
	})
	promSenderReports = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "sender_reports_total",
	})
	promReceiverReports = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "receiver_reports_total",
	})
	promMalformedRTCP = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "malformed_total",
	})
	promPunches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "udp",
		Name:      "punches_total",
	})

	initOnce sync.Once
)

// Init registers the relay collectors with the default registry. Safe to call again.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(promSessionsCurrent)
		prometheus.MustRegister(promSessionsTotal)
		prometheus.MustRegister(promRTPForwarded)
		prometheus.MustRegister(promRTPRejected)
		prometheus.MustRegister(promSenderReports)
		prometheus.MustRegister(promReceiverReports)
		prometheus.MustRegister(promMalformedRTCP)
		prometheus.MustRegister(promPunches)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SessionStarted() {
	sessionsCurrent.Inc()
	promSessionsCurrent.Inc()
}

// SessionEnded records how a session finished: "ok", "aborted" or "error".
func SessionEnded(result string) {
	sessionsCurrent.Dec()
	promSessionsCurrent.Dec()
	promSessionsTotal.WithLabelValues(result).Inc()
}

// SessionsCurrent is the number of live relay sessions.
func SessionsCurrent() int32 {
	return sessionsCurrent.Load()
}

func RTPForwarded() {
	promRTPForwarded.Inc()
}

func RTPRejected() {
	promRTPRejected.Inc()
}

func SenderReportReceived() {
	promSenderReports.Inc()
}

func ReceiverReportSent() {
	promReceiverReports.Inc()
}

func MalformedRTCP() {
	promMalformedRTCP.Inc()
}

func PunchSent() {
	promPunches.Inc()
}
