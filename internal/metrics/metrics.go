// Package metrics exposes Prometheus counters and gauges for the session
// lifecycle. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pairlink"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated  prometheus.Counter
	sessionsDeleted  prometheus.Counter
	sessionsExpired  prometheus.Counter
	codeConflicts    prometheus.Counter
	devicesAttached  prometheus.Counter
	sessionsByStatus *prometheus.GaugeVec
	backendRequests  *prometheus.CounterVec
	codeValidations  *prometheus.CounterVec
	tokenValidations *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Pairing sessions created.",
		}),
		sessionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_deleted_total",
			Help:      "Pairing sessions deleted by request.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Pairing sessions removed by the expiry sweep.",
		}),
		codeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_create_conflicts_total",
			Help:      "Pairing code collisions retried during session creation.",
		}),
		devicesAttached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_attached_total",
			Help:      "Devices attached to sessions.",
		}),
		sessionsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions by status as of the last stats computation.",
		}, []string{"status"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Requests to the pairing backend.",
		}, []string{"operation", "outcome"}),
		codeValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_validations_total",
			Help:      "Pairing code validations by result.",
		}, []string{"result"}),
		tokenValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validations_total",
			Help:      "Session token validations by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsCreated,
		m.sessionsDeleted,
		m.sessionsExpired,
		m.codeConflicts,
		m.devicesAttached,
		m.sessionsByStatus,
		m.backendRequests,
		m.codeValidations,
		m.tokenValidations,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) SessionDeleted() {
	if m != nil {
		m.sessionsDeleted.Inc()
	}
}

func (m *Metrics) SessionsExpired(n int) {
	if m != nil && n > 0 {
		m.sessionsExpired.Add(float64(n))
	}
}

func (m *Metrics) CodeConflict() {
	if m != nil {
		m.codeConflicts.Inc()
	}
}

func (m *Metrics) DeviceAttached() {
	if m != nil {
		m.devicesAttached.Inc()
	}
}

func (m *Metrics) SetSessionCount(status string, n int) {
	if m != nil {
		m.sessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) BackendRequest(operation string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.backendRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) CodeValidation(result string) {
	if m != nil {
		m.codeValidations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) TokenValidation(result string) {
	if m != nil {
		m.tokenValidations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
