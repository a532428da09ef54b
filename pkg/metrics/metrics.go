// Package metrics exposes replication and failover metrics on a dedicated
// Prometheus registry.
//
// Every method is safe to call on a nil *Registry, which records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Migration outcomes.
const (
	OutcomeGraceful = "graceful"
	OutcomeForced   = "forced"
	OutcomeFailback = "failback"
)

// Registry holds all kiosksync metrics.
type Registry struct {
	SessionsActive     *prometheus.GaugeVec
	FailoverEvents     *prometheus.CounterVec
	FailoverConfidence prometheus.Gauge
	Migrations         *prometheus.CounterVec
	DocumentsPulled    *prometheus.CounterVec
	DocumentsPushed    *prometheus.CounterVec
	TransportCloses    *prometheus.CounterVec
	CurrentEndpoint    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates a registry with every metric registered.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	factory := promauto.With(r.registry)

	r.SessionsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiosksync_sessions_active",
			Help: "Whether the replication session of a collection is active",
		},
		[]string{"collection"},
	)
	r.FailoverEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosksync_failover_events_total",
			Help: "Total number of failover events emitted",
		},
		[]string{"type", "severity"},
	)
	r.FailoverConfidence = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiosksync_failover_confidence",
			Help: "Confidence of the latest failover decision",
		},
	)
	r.Migrations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosksync_migrations_total",
			Help: "Total number of completed endpoint migrations",
		},
		[]string{"outcome"}, // graceful, forced, failback
	)
	r.DocumentsPulled = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosksync_documents_pulled_total",
			Help: "Total number of documents received from the backend",
		},
		[]string{"collection"},
	)
	r.DocumentsPushed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosksync_documents_pushed_total",
			Help: "Total number of documents sent to the backend",
		},
		[]string{"collection"},
	)
	r.TransportCloses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiosksync_transport_closes_total",
			Help: "Total number of live channel closes by close code",
		},
		[]string{"collection", "code"},
	)
	r.CurrentEndpoint = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiosksync_current_endpoint",
			Help: "Set to 1 for the endpoint replication currently targets",
		},
		[]string{"endpoint"},
	)
	return r
}

// PrometheusRegistry returns the underlying registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Registry) SetSessionActive(collection string, active bool) {
	if r == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	r.SessionsActive.WithLabelValues(collection).Set(v)
}

func (r *Registry) RecordFailoverEvent(eventType, severity string) {
	if r == nil {
		return
	}
	r.FailoverEvents.WithLabelValues(eventType, severity).Inc()
}

func (r *Registry) SetConfidence(confidence float64) {
	if r == nil {
		return
	}
	r.FailoverConfidence.Set(confidence)
}

func (r *Registry) RecordMigration(outcome string) {
	if r == nil {
		return
	}
	r.Migrations.WithLabelValues(outcome).Inc()
}

func (r *Registry) AddPulled(collection string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.DocumentsPulled.WithLabelValues(collection).Add(float64(n))
}

func (r *Registry) AddPushed(collection string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.DocumentsPushed.WithLabelValues(collection).Add(float64(n))
}

func (r *Registry) RecordClose(collection string, code int) {
	if r == nil {
		return
	}
	r.TransportCloses.WithLabelValues(collection, strconv.Itoa(code)).Inc()
}

// SetCurrentEndpoint marks current as the active endpoint among all.
func (r *Registry) SetCurrentEndpoint(current string, all ...string) {
	if r == nil {
		return
	}
	for _, name := range all {
		r.CurrentEndpoint.WithLabelValues(name).Set(0)
	}
	r.CurrentEndpoint.WithLabelValues(current).Set(1)
}
