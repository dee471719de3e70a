package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	ProxiesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marchproxy_proxies_total",
			Help: "Total number of registered proxies by cluster and status",
		},
		[]string{"cluster", "status"},
	)

	ClustersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marchproxy_clusters_total",
			Help: "Total number of clusters",
		},
	)

	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marchproxy_services_total",
			Help: "Total number of services by cluster",
		},
		[]string{"cluster"},
	)

	MappingsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marchproxy_mappings_total",
			Help: "Total number of mappings by cluster",
		},
		[]string{"cluster"},
	)

	CertificatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marchproxy_certificates_total",
			Help: "Total number of tracked certificates",
		},
	)

	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_registrations_total",
			Help: "Total number of proxy registration attempts by result",
		},
		[]string{"result"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marchproxy_heartbeats_total",
			Help: "Total number of accepted proxy heartbeats",
		},
	)

	ProxiesReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_proxies_reaped_total",
			Help: "Total number of proxies marked stale or retired by the reaper",
		},
		[]string{"transition"},
	)

	// Config distribution metrics
	ConfigRendersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marchproxy_config_renders_total",
			Help: "Total number of config snapshot renders",
		},
	)

	ConfigPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_config_polls_total",
			Help: "Total number of config change polls by outcome",
		},
		[]string{"outcome"},
	)

	ConfigRenderWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marchproxy_config_render_warnings_total",
			Help: "Total number of dangling references elided during rendering",
		},
	)

	// License metrics
	LicenseValid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marchproxy_license_valid",
			Help: "Whether the cached license is valid (1) or not (0)",
		},
	)

	LicenseKeepaliveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marchproxy_license_keepalive_failures_total",
			Help: "Total number of failed license keepalive attempts",
		},
	)

	// Circuit breaker metrics (data plane)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_breaker_transitions_total",
			Help: "Total number of breaker state transitions by backend",
		},
		[]string{"backend", "from", "to"},
	)

	BreakerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_breaker_rejections_total",
			Help: "Total number of breaker rejections by backend and kind",
		},
		[]string{"backend", "kind"},
	)

	BreakerTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_breaker_timeouts_total",
			Help: "Total number of breaker-guarded call timeouts by backend",
		},
		[]string{"backend"},
	)

	// mTLS validator metrics (data plane)
	MTLSValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_mtls_validations_total",
			Help: "Total number of mTLS peer validations by result",
		},
		[]string{"result"},
	)

	MTLSHandshakeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marchproxy_mtls_handshake_duration_seconds",
			Help:    "mTLS validation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marchproxy_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marchproxy_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ProxiesTotal)
	prometheus.MustRegister(ClustersTotal)
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(MappingsTotal)
	prometheus.MustRegister(CertificatesTotal)
	prometheus.MustRegister(RegistrationsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(ProxiesReaped)
	prometheus.MustRegister(ConfigRendersTotal)
	prometheus.MustRegister(ConfigPollsTotal)
	prometheus.MustRegister(ConfigRenderWarnings)
	prometheus.MustRegister(LicenseValid)
	prometheus.MustRegister(LicenseKeepaliveFailures)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(BreakerRejectionsTotal)
	prometheus.MustRegister(BreakerTimeoutsTotal)
	prometheus.MustRegister(MTLSValidationsTotal)
	prometheus.MustRegister(MTLSHandshakeDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for observation into a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
