// Package observability holds the service's Prometheus collectors.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream", "outcome"},
	)

	selectorQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selector_queries_total",
			Help: "Feature selection queries by outcome (ok, empty, error).",
		},
		[]string{"outcome"},
	)

	staleSketches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sketch_stale_total",
			Help: "Sketch results discarded because a newer sketch started.",
		},
	)

	promotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promotions_total",
			Help: "Promotion attempts by outcome.",
		},
		[]string{"outcome"},
	)

	promotedFeatures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promoted_features_total",
			Help: "Features inserted into the production dataset.",
		},
	)

	jurisdictionCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jurisdiction_cache_total",
			Help: "Jurisdiction boundary lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	cacheOps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_op_duration_seconds",
			Help:    "Redis operation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "outcome"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "map_sessions_active",
			Help: "Open map sessions.",
		},
	)

	kafkaEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_events_total",
			Help: "Kafka events by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
)

// Init registers the collectors with reg. Collectors work unregistered, so
// callers that disable metrics simply skip Init. Registering with the same
// registry twice is a no-op.
func Init(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		httpRequestsTotal,
		httpRequestDurationSeconds,
		upstreamLatencySeconds,
		selectorQueries,
		staleSketches,
		promotions,
		promotedFeatures,
		jurisdictionCache,
		cacheOps,
		activeSessions,
		kafkaEvents,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstream(upstream string, err error, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream, outcome(err)).Observe(durationSeconds)
}

func IncSelectorQuery(outcome string) {
	selectorQueries.WithLabelValues(outcome).Inc()
}

func IncStaleSketch() { staleSketches.Inc() }

func IncPromotion(outcome string, inserted int) {
	promotions.WithLabelValues(outcome).Inc()
	if inserted > 0 {
		promotedFeatures.Add(float64(inserted))
	}
}

func IncJurisdictionCache(tier, result string) {
	jurisdictionCache.WithLabelValues(tier, result).Inc()
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOps.WithLabelValues(op, outcome(err)).Observe(durationSeconds)
}

func SessionOpened() { activeSessions.Inc() }
func SessionClosed() { activeSessions.Dec() }

func IncKafka(direction string, err error) {
	kafkaEvents.WithLabelValues(direction, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
