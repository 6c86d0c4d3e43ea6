package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and tools free of registries.
type Metrics struct {
	authOutcomes *prometheus.CounterVec
	lockouts     *prometheus.CounterVec
	otpIssued    *prometheus.CounterVec
	otpPurged    prometheus.Counter
	auditDropped prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockauth",
			Name:      "auth_operations_total",
			Help:      "Authentication operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockauth",
			Name:      "lockouts_total",
			Help:      "Identifiers locked out, by endpoint.",
		}, []string{"endpoint"}),
		otpIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockauth",
			Name:      "otp_issued_total",
			Help:      "One-time codes issued, by purpose.",
		}, []string{"purpose"}),
		otpPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockauth",
			Name:      "otp_purged_total",
			Help:      "Expired one-time codes deleted by the sweeper.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stockauth",
			Name:      "audit_dropped_total",
			Help:      "Login audit records dropped because the queue was full.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockauth",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockauth",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.authOutcomes,
			m.lockouts,
			m.otpIssued,
			m.otpPurged,
			m.auditDropped,
			m.httpRequests,
			m.httpDuration,
		)
	}

	return m
}

func (m *Metrics) AuthOutcome(operation, outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) Lockout(endpoint string) {
	if m == nil {
		return
	}
	m.lockouts.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) OTPIssued(purpose string) {
	if m == nil {
		return
	}
	m.otpIssued.WithLabelValues(purpose).Inc()
}

func (m *Metrics) OTPPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.otpPurged.Add(float64(n))
}

func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
