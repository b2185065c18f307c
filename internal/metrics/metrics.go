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

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "state_transitions_total",
			Help:      "Number of slot state transitions.",
		}, []string{"slot", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "current_state",
			Help:      "Current state of each slot (1 = in state, 0 = not).",
		}, []string{"slot", "state"},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "launches_total",
			Help:      "Launch attempts by outcome (active or failed).",
		}, []string{"slot", "result"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "failures_total",
			Help:      "Slot transition failures by kind.",
		}, []string{"slot", "kind"},
	)
	retirements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "retirements_total",
			Help:      "Retirements by reason (uptime or session_lost).",
		}, []string{"slot", "reason"},
	)
	maintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "maintenance_runs_total",
			Help:      "Maintenance actions by outcome.",
		}, []string{"slot", "result"},
	)
	residentBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "joinkeeper",
			Subsystem: "slot",
			Name:      "resident_bytes",
			Help:      "Resident memory of the tracked client processes.",
		}, []string{"slot", "role"},
	)
	scriptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "joinkeeper",
			Subsystem: "script",
			Name:      "duration_seconds",
			Help:      "Wall-clock time of automation script runs.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"script", "result"},
	)
	transientFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Name:      "transient_failures_total",
			Help:      "Retried transient failures per component.",
		}, []string{"component"},
	)
	killRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "joinkeeper",
			Subsystem: "terminator",
			Name:      "kill_retries_total",
			Help:      "Kill requests re-issued because the process was still alive.",
		},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "joinkeeper",
			Subsystem: "loop",
			Name:      "tick_duration_seconds",
			Help:      "Duration of reconciliation ticks, including occupying transitions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		stateTransitions, currentStates, launches, failures, retirements, maintenanceRuns,
		residentBytes, scriptDuration, transientFailures, killRetries, tickDuration,
	}
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(slot, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(slot, from, to).Inc()
	}
}

func SetCurrentState(slot, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(slot, state).Set(value)
	}
}

func IncLaunch(slot, result string) {
	if regOK.Load() {
		launches.WithLabelValues(slot, result).Inc()
	}
}

func IncFailure(slot, kind string) {
	if regOK.Load() {
		failures.WithLabelValues(slot, kind).Inc()
	}
}

func IncRetirement(slot, reason string) {
	if regOK.Load() {
		retirements.WithLabelValues(slot, reason).Inc()
	}
}

func IncMaintenance(slot, result string) {
	if regOK.Load() {
		maintenanceRuns.WithLabelValues(slot, result).Inc()
	}
}

func SetResidentBytes(slot, role string, n uint64) {
	if regOK.Load() {
		residentBytes.WithLabelValues(slot, role).Set(float64(n))
	}
}

func ObserveScript(script, result string, seconds float64) {
	if regOK.Load() {
		scriptDuration.WithLabelValues(script, result).Observe(seconds)
	}
}

func IncTransientFailure(component string) {
	if regOK.Load() {
		transientFailures.WithLabelValues(component).Inc()
	}
}

func IncKillRetry() {
	if regOK.Load() {
		killRetries.Inc()
	}
}

func ObserveTick(seconds float64) {
	if regOK.Load() {
		tickDuration.Observe(seconds)
	}
}
