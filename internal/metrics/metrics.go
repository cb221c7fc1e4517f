package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyward",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	workerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyward",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of worker stops (graceful or kill).",
		}, []string{"name"},
	)
	workerCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyward",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Number of unexpected worker exits observed while running.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyward",
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Number of subsystem state transitions.",
		}, []string{"name", "from", "to"},
	)
	streamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyward",
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "Number of reconnect attempts per feed.",
		}, []string{"feed"},
	)
	ipcRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxyward",
			Subsystem: "ipc",
			Name:      "rejected_callers_total",
			Help:      "Number of IPC connections rejected at accept time.",
		}, []string{"identity"},
	)
)

// Register registers all collectors with r. It is safe to call multiple
// times; calls after the first success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{workerStarts, workerStops, workerCrashes, stateTransitions, streamReconnects, ipcRejections}
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

// Handler serves the DefaultGatherer; the caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Recording helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		workerStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		workerStops.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		workerCrashes.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func IncStreamReconnect(feed string) {
	if regOK.Load() {
		streamReconnects.WithLabelValues(feed).Inc()
	}
}

func IncRejectedCaller(identity string) {
	if regOK.Load() {
		ipcRejections.WithLabelValues(identity).Inc()
	}
}
