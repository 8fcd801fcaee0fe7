// Package metrics holds the Prometheus collectors shared by ledgerd and the
// validator daemon.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bridge_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_operations_total",
		Help: "Ledger B state transitions by operation and result.",
	}, []string{"op", "result"})

	watcherHeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_watcher_cursor_height",
		Help: "Last height processed by each chain watcher.",
	}, []string{"chain"})

	watcherEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_watcher_events_total",
		Help: "Events observed by chain watchers, by outcome.",
	}, []string{"chain", "outcome"})

	watcherErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_watcher_tick_errors_total",
		Help: "Watcher ticks that failed and left the cursor untouched.",
	}, []string{"chain"})

	attestationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_attestations_total",
		Help: "Attestations submitted to the aggregator, by result.",
	}, []string{"result"})

	quorumsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_quorums_reached_total",
		Help: "Digests that reached the validator threshold.",
	})

	pendingDigests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_aggregator_pending_digests",
		Help: "Digests currently tracked by the aggregator.",
	})

	relaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_relays_total",
		Help: "Relay attempts by direction and submission status.",
	}, []string{"direction", "status"})

	peerChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_peer_health_checks_total",
		Help: "Peer liveness probes by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordOperation counts a Ledger B state transition. Its signature matches
// bridge.MetricsRecorder.
func RecordOperation(op, result string) {
	operationsTotal.WithLabelValues(op, result).Inc()
}

// SetWatcherHeight records the cursor of a chain watcher after it advanced.
func SetWatcherHeight(chain string, height uint64) {
	watcherHeight.WithLabelValues(chain).Set(float64(height))
}

// RecordWatcherEvent counts an observed event; outcome is "handled" or "skipped".
func RecordWatcherEvent(chain, outcome string) {
	watcherEventsTotal.WithLabelValues(chain, outcome).Inc()
}

// RecordWatcherError counts a failed watcher tick.
func RecordWatcherError(chain string) {
	watcherErrorsTotal.WithLabelValues(chain).Inc()
}

// RecordAttestation counts an aggregator submission by result label.
func RecordAttestation(result string) {
	attestationsTotal.WithLabelValues(result).Inc()
}

// RecordQuorum counts a digest reaching quorum.
func RecordQuorum() {
	quorumsTotal.Inc()
}

// SetPendingDigests sets the aggregator's tracked digest gauge.
func SetPendingDigests(n int) {
	pendingDigests.Set(float64(n))
}

// RecordRelay counts a submission attempt.
func RecordRelay(direction, status string) {
	relaysTotal.WithLabelValues(direction, status).Inc()
}

// RecordPeerCheck records a peer liveness probe result.
func RecordPeerCheck(success bool) {
	if success {
		peerChecksTotal.WithLabelValues("success").Inc()
	} else {
		peerChecksTotal.WithLabelValues("failure").Inc()
	}
}
