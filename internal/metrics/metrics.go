package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// MetricsCollector holds all Prometheus metrics for the authorization server.
// A nil collector is valid and records nothing.
type MetricsCollector struct {
	// HTTP request metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Protocol metrics
	authorizeOutcomes  *prometheus.CounterVec
	tokenRequestsTotal *prometheus.CounterVec
	tokensIssuedTotal  *prometheus.CounterVec
	redeemFailures     *prometheus.CounterVec
	securityViolations *prometheus.CounterVec
	userinfoRequests   *prometheus.CounterVec

	// Sessions and keys
	sessionsStarted *prometheus.CounterVec
	keyRotations    prometheus.Counter

	// Upstream and housekeeping
	discoveryFetches *prometheus.CounterVec
	sweptTotal       *prometheus.CounterVec

	registeredClients prometheus.Gauge
}

// NewMetricsCollector creates a collector registered with reg
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)

	return &MetricsCollector{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oidc_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		authorizeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_authorize_requests_total",
				Help: "Authorization requests by the state they ended in",
			},
			[]string{"client_id", "state"},
		),

		tokenRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_token_requests_total",
				Help: "Total number of token requests",
			},
			[]string{"grant_type", "status"},
		),

		tokensIssuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_tokens_issued_total",
				Help: "Total number of tokens issued",
			},
			[]string{"token_type", "grant_type"},
		),

		redeemFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_grant_redemption_failures_total",
				Help: "Failed grant redemptions by grant kind and reason",
			},
			[]string{"kind", "reason"},
		),

		securityViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_security_violations_total",
				Help: "Detected security violations such as code or refresh token replay",
			},
			[]string{"reason"},
		),

		userinfoRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_userinfo_requests_total",
				Help: "Total number of userinfo requests",
			},
			[]string{"status"},
		),

		sessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_sessions_started_total",
				Help: "Sessions started by identity provider",
			},
			[]string{"idp"},
		),

		keyRotations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "oidc_signing_key_rotations_total",
				Help: "Number of signing key rotations",
			},
		),

		discoveryFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_upstream_discovery_fetches_total",
				Help: "Upstream discovery document fetches by result",
			},
			[]string{"provider", "status"},
		),

		sweptTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oidc_swept_entries_total",
				Help: "Expired entries removed by the background sweeper",
			},
			[]string{"kind"},
		),

		registeredClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "oidc_registered_clients",
				Help: "Number of registered clients",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (mc *MetricsCollector) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	mc.httpRequestDuration.With(prometheus.Labels{
		"method":   method,
		"endpoint": endpoint,
	}).Observe(duration.Seconds())
}

// RecordAuthorizeOutcome records the state an authorize request ended in
func (mc *MetricsCollector) RecordAuthorizeOutcome(clientID, state string) {
	if mc == nil {
		return
	}
	mc.authorizeOutcomes.WithLabelValues(clientID, state).Inc()
}

// RecordTokenRequest records a token request
func (mc *MetricsCollector) RecordTokenRequest(grantType, status string) {
	if mc == nil {
		return
	}
	mc.tokenRequestsTotal.WithLabelValues(grantType, status).Inc()
}

// RecordTokenIssued records when a token is issued
func (mc *MetricsCollector) RecordTokenIssued(tokenType, grantType string) {
	if mc == nil {
		return
	}
	mc.tokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

// RecordRedeemFailure records a failed code or refresh token redemption
func (mc *MetricsCollector) RecordRedeemFailure(kind, reason string) {
	if mc == nil {
		return
	}
	mc.redeemFailures.WithLabelValues(kind, reason).Inc()
}

// RecordSecurityViolation records a security violation
func (mc *MetricsCollector) RecordSecurityViolation(reason string) {
	if mc == nil {
		return
	}
	mc.securityViolations.WithLabelValues(reason).Inc()
}

// RecordUserinfoRequest records a userinfo request
func (mc *MetricsCollector) RecordUserinfoRequest(status string) {
	if mc == nil {
		return
	}
	mc.userinfoRequests.WithLabelValues(status).Inc()
}

// RecordSessionStarted records a new login session
func (mc *MetricsCollector) RecordSessionStarted(idp string) {
	if mc == nil {
		return
	}
	mc.sessionsStarted.WithLabelValues(idp).Inc()
}

// RecordKeyRotation records a signing key rotation
func (mc *MetricsCollector) RecordKeyRotation() {
	if mc == nil {
		return
	}
	mc.keyRotations.Inc()
}

// RecordDiscoveryFetch records an upstream discovery fetch
func (mc *MetricsCollector) RecordDiscoveryFetch(provider, status string) {
	if mc == nil {
		return
	}
	mc.discoveryFetches.WithLabelValues(provider, status).Inc()
}

// RecordSweep records entries removed by the sweeper
func (mc *MetricsCollector) RecordSweep(grants, entries int) {
	if mc == nil {
		return
	}
	mc.sweptTotal.WithLabelValues("grant").Add(float64(grants))
	mc.sweptTotal.WithLabelValues("kv").Add(float64(entries))
}

// UpdateRegisteredClients updates the gauge for registered clients
func (mc *MetricsCollector) UpdateRegisteredClients(count int) {
	if mc == nil {
		return
	}
	mc.registeredClients.Set(float64(count))
}

// Middleware creates an HTTP middleware for recording metrics
func (mc *MetricsCollector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		mc.RecordHTTPRequest(r.Method, getEndpointFromPath(r.URL.Path), rw.statusCode, duration)

		// Log slow requests
		if duration > time.Second {
			logrus.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": duration,
				"status":   rw.statusCode,
			}).Warn("Slow request detected")
		}
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getEndpointFromPath extracts a simplified endpoint name from the path
func getEndpointFromPath(path string) string {
	switch {
	case path == "/":
		return "root"
	case path == "/health":
		return "health"
	case path == "/metrics":
		return "metrics"
	case path == "/connect/authorize":
		return "authorize"
	case path == "/connect/token":
		return "token"
	case path == "/connect/userinfo":
		return "userinfo"
	case path == "/connect/endsession":
		return "endsession"
	case path == "/connect/revocation":
		return "revocation"
	case path == "/connect/introspect":
		return "introspect"
	case path == "/.well-known/openid-configuration":
		return "discovery"
	case path == "/.well-known/openid-configuration/jwks":
		return "jwks"
	case path == "/account/login":
		return "login"
	case path == "/consent":
		return "consent"
	case strings.HasPrefix(path, "/login/upstream/"):
		return "upstream_login"
	case strings.HasPrefix(path, "/callback/"):
		return "upstream_callback"
	case path == "/error":
		return "error"
	default:
		return "other"
	}
}
