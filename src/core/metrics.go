package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Item metrics
	itemsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forge_items",
		Help: "Current number of stored items by validity level",
	}, []string{"level"})

	itemIntakeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_item_intake_total",
		Help: "Total number of items received from peers by intake result",
	}, []string{"result"})

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_validations_total",
		Help: "Total number of deep validations by outcome",
	}, []string{"outcome"})

	penaltiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_penalties_total",
		Help: "Total number of invalid score penalties by reason and result",
	}, []string{"reason", "result"})

	smeltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_smelts_total",
		Help: "Total number of smelt assertions processed",
	}, []string{"status"})

	// Queue metrics
	queueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_validation_queue_items",
		Help: "Current number of items waiting for validation",
	})

	queueRoundSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_validation_round_items",
		Help:    "Number of items validated per queue round",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// Peer metrics
	connectedPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_connected_peers",
		Help: "Current number of connected peers",
	})

	peerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_peer_requests_total",
		Help: "Total number of outbound peer requests",
	}, []string{"path", "status"})

	syncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_sync_total",
		Help: "Total number of peer sync exchanges",
	}, []string{"kind", "status"})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_messages_total",
		Help: "Total number of mailbox messages processed",
	}, []string{"header"})

	// Chain RPC metrics
	rpcCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_rpc_calls_total",
		Help: "Total number of chain RPC calls",
	}, []string{"operation", "status"})

	rpcCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_rpc_call_duration_seconds",
		Help:    "Duration of chain RPC calls",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	// Daemon metrics
	janitorRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forge_janitor_runs_total",
		Help: "Total number of janitor ticks",
	})

	safeModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forge_safe_mode",
		Help: "1 while the forge is in safe mode",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forge_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// UpdateItemGauges sets the per-level item gauges
func UpdateItemGauges(counts map[ValidityLevel]int) {
	for _, level := range []ValidityLevel{ValidityUnsigned, ValidityPending, ValidityValid} {
		itemsGauge.WithLabelValues(level.String()).Set(float64(counts[level]))
	}
}

// RecordItemIntake records the intake result of a received item
func RecordItemIntake(result IntakeResult) {
	itemIntakeTotal.WithLabelValues(result.String()).Inc()
}

// RecordValidation records a deep validation outcome
func RecordValidation(outcome string) {
	validationsTotal.WithLabelValues(outcome).Inc()
}

// RecordPenalty records an invalid score penalty
func RecordPenalty(reason string, result DisproveResult) {
	penaltiesTotal.WithLabelValues(reason, result.String()).Inc()
}

// RecordSmelt records a processed smelt assertion
func RecordSmelt(status string) {
	smeltsTotal.WithLabelValues(status).Inc()
}

// UpdateQueueGauge updates the validation queue gauge
func UpdateQueueGauge(count int) {
	queueGauge.Set(float64(count))
}

// RecordQueueRound records the size of a drained queue round
func RecordQueueRound(count int) {
	queueRoundSize.Observe(float64(count))
}

// UpdateConnectedPeersGauge updates the connected peers gauge
func UpdateConnectedPeersGauge(count int) {
	connectedPeersGauge.Set(float64(count))
}

// RecordPeerRequest records an outbound peer request
func RecordPeerRequest(path string, ok bool) {
	peerRequestsTotal.WithLabelValues(path, statusLabel(ok)).Inc()
}

// RecordSync records a sync exchange with a peer
func RecordSync(kind string, ok bool) {
	syncTotal.WithLabelValues(kind, statusLabel(ok)).Inc()
}

// RecordMessage records a processed mailbox message
func RecordMessage(header string) {
	messagesTotal.WithLabelValues(header).Inc()
}

// RecordJanitorRun records a janitor tick
func RecordJanitorRun() {
	janitorRunsTotal.Inc()
}

// UpdateSafeModeGauge updates the safe mode gauge
func UpdateSafeModeGauge(safe bool) {
	if safe {
		safeModeGauge.Set(1)
		return
	}
	safeModeGauge.Set(0)
}

func statusLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// rpcMetrics records chain RPC calls in Prometheus
type rpcMetrics struct{}

// Observe records one RPC call
func (rpcMetrics) Observe(operation string, err error, started time.Time) {
	rpcCallsTotal.WithLabelValues(operation, statusLabel(err == nil)).Inc()
	rpcCallDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
