package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of requested stops (graceful or kill).",
		}, []string{"service"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of restarts (watch, operator or crash recovery).",
		}, []string{"service", "reason"},
	)
	serviceCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "crashes_total",
			Help:      "Number of unexpected exits while running.",
		}, []string{"service"},
	)
	serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "up",
			Help:      "Whether the service process is currently running.",
		}, []string{"service"},
	)
	serviceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "healthy",
			Help:      "Whether the last health verdict for the service was healthy.",
		}, []string{"service"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devmux",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Duration of individual health probes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"service", "from", "to"},
	)
	logDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "loghub",
			Name:      "dropped_total",
			Help:      "Log entries dropped across all lagging subscribers.",
		},
	)
	ipcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devmux",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Control protocol requests by kind.",
		}, []string{"kind"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceRestarts, serviceCrashes, serviceUp, serviceHealthy, probeDuration, stateTransitions, logDropped, ipcRequests}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler serving the DefaultGatherer. The caller
// wires it into a route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func IncRestart(service, reason string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(service, reason).Inc()
	}
}

func IncCrash(service string) {
	if regOK.Load() {
		serviceCrashes.WithLabelValues(service).Inc()
	}
}

func SetUp(service string, up bool) {
	if regOK.Load() {
		serviceUp.WithLabelValues(service).Set(boolGauge(up))
	}
}

func SetHealthy(service string, healthy bool) {
	if regOK.Load() {
		serviceHealthy.WithLabelValues(service).Set(boolGauge(healthy))
	}
}

func ObserveProbe(service, result string, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(service, result).Observe(seconds)
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func AddLogDropped(n uint64) {
	if regOK.Load() {
		logDropped.Add(float64(n))
	}
}

func IncIPCRequest(kind string) {
	if regOK.Load() {
		ipcRequests.WithLabelValues(kind).Inc()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
