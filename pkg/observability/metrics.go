package observability

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Verification metrics
	VerificationsTotal   *prometheus.CounterVec
	VerificationDuration prometheus.Histogram

	// Issuance metrics
	TokensIssuedTotal  *prometheus.CounterVec
	TokensRevokedTotal prometheus.Counter

	// Rate limiter metrics
	RateLimitCacheHitsTotal   prometheus.Counter
	RateLimitCacheMissesTotal prometheus.Counter
	RateLimitRejectionsTotal  prometheus.Counter

	// Usage/audit pipeline metrics
	UsageRecordsDroppedTotal prometheus.Counter
	AuditEventsDroppedTotal  prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		VerificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_verifications_total",
				Help: "Total number of token verifications by outcome",
			},
			[]string{"outcome"},
		),
		VerificationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keygate_verification_duration_seconds",
				Help:    "Token verification duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keygate_tokens_issued_total",
				Help: "Total number of tokens issued by class",
			},
			[]string{"class"},
		),
		TokensRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_tokens_revoked_total",
				Help: "Total number of tokens revoked",
			},
		),
		RateLimitCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_cache_hits_total",
				Help: "Rate limit checks answered from the in-memory cache",
			},
		),
		RateLimitCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_cache_misses_total",
				Help: "Rate limit checks that required a store round trip",
			},
		),
		RateLimitRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_ratelimit_rejections_total",
				Help: "Requests rejected for exceeding a token rate limit",
			},
		),
		UsageRecordsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_usage_records_dropped_total",
				Help: "Usage records dropped due to backpressure or store failure",
			},
		),
		AuditEventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keygate_audit_events_dropped_total",
				Help: "Audit events dropped due to backpressure or sink failure",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keygate_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keygate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.VerificationsTotal,
		m.VerificationDuration,
		m.TokensIssuedTotal,
		m.TokensRevokedTotal,
		m.RateLimitCacheHitsTotal,
		m.RateLimitCacheMissesTotal,
		m.RateLimitRejectionsTotal,
		m.UsageRecordsDroppedTotal,
		m.AuditEventsDroppedTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CollectDBStats copies sql.DB pool statistics into the gauges
func (m *Metrics) CollectDBStats(db *sql.DB) {
	if db == nil {
		return
	}
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}
