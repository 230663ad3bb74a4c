package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики движка исполнения
var (
	metricOrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_orders_submitted_total",
		Help: "Orders submitted to venues, by venue and resulting status",
	}, []string{"venue", "status"})

	metricDedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_idempotency_dedup_hits_total",
		Help: "Submissions answered from an existing order without touching the venue",
	}, []string{"venue"})

	metricVenueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_venue_retries_total",
		Help: "Venue call retries, by venue and fault kind",
	}, []string{"venue", "kind"})

	metricLeverageRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_leverage_rejections_total",
		Help: "Leverage requests rejected by the safety validator",
	}, []string{"venue"})

	metricOrdersInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "execution_orders_inflight",
		Help: "Orders currently between reservation and venue response",
	})

	metricVenueCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execution_venue_call_duration_seconds",
		Help:    "Venue call latency, by venue and operation",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"venue", "operation"})

	metricRateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execution_rate_limit_wait_seconds",
		Help:    "Time spent waiting for rate limiter admission, by venue",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"venue"})
)
