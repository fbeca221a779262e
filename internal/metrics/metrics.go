package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localpg",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service spawns.",
		}, []string{"id"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localpg",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of observed service exits by exit code.",
		}, []string{"id", "code"},
	)
	serviceSpawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localpg",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of start attempts that could not spawn the executable.",
		}, []string{"id"},
	)
	servicesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "localpg",
			Subsystem: "service",
			Name:      "running",
			Help:      "Number of services currently tracked by the supervisor.",
		},
	)
	auditResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localpg",
			Subsystem: "cluster",
			Name:      "audits_total",
			Help:      "Cluster directory classifications.",
		}, []string{"state"},
	)
	readinessWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localpg",
			Subsystem: "readiness",
			Name:      "wait_seconds",
			Help:      "Time until the server accepted a TCP connection, or until the deadline.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"result"},
	)
	extensionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localpg",
			Subsystem: "extension",
			Name:      "reconcile_total",
			Help:      "Per-extension reconciliation outcomes.",
		}, []string{"name", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceExits, serviceSpawnFailures, servicesRunning, auditResults, readinessWait, extensionResults}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(id string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(id).Inc()
	}
}

func IncExit(id string, code int) {
	if regOK.Load() {
		serviceExits.WithLabelValues(id, strconv.Itoa(code)).Inc()
	}
}

func IncSpawnFailure(id string) {
	if regOK.Load() {
		serviceSpawnFailures.WithLabelValues(id).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		servicesRunning.Set(float64(n))
	}
}

func IncAudit(state string) {
	if regOK.Load() {
		auditResults.WithLabelValues(state).Inc()
	}
}

// ObserveReadiness records a wait; result is "ready", "timeout" or "canceled".
func ObserveReadiness(result string, seconds float64) {
	if regOK.Load() {
		readinessWait.WithLabelValues(result).Observe(seconds)
	}
}

// IncExtension records a reconciliation outcome such as "enabled", "already_enabled",
// "unavailable" or "failed".
func IncExtension(name, result string) {
	if regOK.Load() {
		extensionResults.WithLabelValues(name, result).Inc()
	}
}
