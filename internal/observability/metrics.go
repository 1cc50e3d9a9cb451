package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchbridge",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP bridge requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "watchbridge",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP bridge request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchbridge",
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Session frames by direction and message type.",
		},
		[]string{"node", "direction", "type"},
	)
	linkSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchbridge",
			Subsystem: "link",
			Name:      "sessions_total",
			Help:      "Session handshakes by outcome.",
		},
		[]string{"node", "outcome"},
	)
	pendingReplies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchbridge",
			Subsystem: "correlator",
			Name:      "pending_replies",
			Help:      "Inbound requests awaiting a reply.",
		},
		[]string{"node"},
	)
	replyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watchbridge",
			Subsystem: "correlator",
			Name:      "replies_total",
			Help:      "Reply submissions by outcome.",
		},
		[]string{"node", "outcome"},
	)
	queuedTransfers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watchbridge",
			Subsystem: "transfer",
			Name:      "queued",
			Help:      "Transfers waiting for acknowledgement.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			linkFrames,
			linkSessions,
			pendingReplies,
			replyOutcomes,
			queuedTransfers,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame; direction is "in" or "out".
func RecordFrame(node, direction, messageType string) {
	RegisterMetrics()
	linkFrames.WithLabelValues(node, direction, messageType).Inc()
}

func RecordSession(node, outcome string) {
	RegisterMetrics()
	linkSessions.WithLabelValues(node, outcome).Inc()
}

func SetPendingReplies(node string, n int) {
	RegisterMetrics()
	pendingReplies.WithLabelValues(node).Set(float64(n))
}

// RecordReply counts a reply attempt: delivered, unknown, expired or dropped.
func RecordReply(node, outcome string) {
	RegisterMetrics()
	replyOutcomes.WithLabelValues(node, outcome).Inc()
}

func SetQueuedTransfers(node string, n int) {
	RegisterMetrics()
	queuedTransfers.WithLabelValues(node).Set(float64(n))
}
