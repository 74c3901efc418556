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
			Namespace: "handshake",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "handshake",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "driver",
			Name:      "completed_total",
			Help:      "Handshakes that reached a terminal state.",
		},
		[]string{"role", "outcome", "resumed"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "handshake",
			Subsystem: "driver",
			Name:      "duration_seconds",
			Help:      "Wall time from first step to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		},
		[]string{"role", "outcome"},
	)
	resumeFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "driver",
			Name:      "resume_fallbacks_total",
			Help:      "Offered sessions dropped to a full handshake because the store failed.",
		},
		[]string{"role", "reason"},
	)
	steps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "driver",
			Name:      "steps_total",
			Help:      "Step calls by returned status.",
		},
		[]string{"role", "status"},
	)
	storePuts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Session store writes.",
		},
		[]string{"evicted", "degraded"},
	)
	storeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "store",
			Name:      "lookups_total",
			Help:      "Session store lookups by table and result.",
		},
		[]string{"table", "result"},
	)
	storeLockFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "store",
			Name:      "lock_failures_total",
			Help:      "Store lock acquisitions that failed or timed out.",
		},
	)
	storeTornReads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "store",
			Name:      "torn_reads_total",
			Help:      "Resume copies abandoned because the slot changed while unlocked.",
		},
	)
	snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "handshake",
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Snapshot save and restore operations per sink.",
		},
		[]string{"sink", "op", "success"},
	)
	snapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "handshake",
			Subsystem: "snapshot",
			Name:      "duration_seconds",
			Help:      "Snapshot operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"sink", "op"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			handshakes, handshakeDuration, steps, resumeFallbacks,
			storePuts, storeLookups, storeLockFailures, storeTornReads,
			snapshots, snapshotDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordHandshake counts a handshake that finished with outcome "ok" or "fatal".
func RecordHandshake(role, outcome string, resumed bool, duration time.Duration) {
	RegisterMetrics()
	handshakes.WithLabelValues(role, outcome, strconv.FormatBool(resumed)).Inc()
	handshakeDuration.WithLabelValues(role, outcome).Observe(duration.Seconds())
}

// RecordResumeFallback counts a resumption abandoned because the store
// failed, not because the session was missing or stale.
func RecordResumeFallback(role, reason string) {
	RegisterMetrics()
	resumeFallbacks.WithLabelValues(role, reason).Inc()
}

func RecordStep(role, status string) {
	RegisterMetrics()
	steps.WithLabelValues(role, status).Inc()
}

func RecordStorePut(evicted, degraded bool) {
	RegisterMetrics()
	storePuts.WithLabelValues(strconv.FormatBool(evicted), strconv.FormatBool(degraded)).Inc()
}

func RecordStoreLookup(table, result string) {
	RegisterMetrics()
	storeLookups.WithLabelValues(table, result).Inc()
}

func RecordStoreLockFailure() {
	RegisterMetrics()
	storeLockFailures.Inc()
}

func RecordStoreTornRead() {
	RegisterMetrics()
	storeTornReads.Inc()
}

func RecordSnapshot(sink, op string, success bool, duration time.Duration) {
	RegisterMetrics()
	snapshots.WithLabelValues(sink, op, strconv.FormatBool(success)).Inc()
	snapshotDuration.WithLabelValues(sink, op).Observe(duration.Seconds())
}
