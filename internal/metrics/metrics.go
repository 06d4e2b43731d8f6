package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cs150"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of subordinate processes that survived their start grace period.",
		}, []string{"name"},
	)
	processStartupFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "startup_failures_total",
			Help:      "Number of subordinate processes that failed to spawn or exited during the grace period.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of subordinate shutdowns by mode (graceful or killed).",
		}, []string{"name", "mode"},
	)

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "commands_total",
			Help:      "Number of protocol round trips by command verb and result.",
		}, []string{"command", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "command_duration_seconds",
			Help:      "Time from writing a command to reading its response line.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"command"},
	)

	connected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instrument",
			Name:      "connected",
			Help:      "1 while the instrument connection is established.",
		},
	)
	lastMeasurement = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instrument",
			Name:      "last_measurement",
			Help:      "Most recent measurement by component (luminance, x, y).",
		}, []string{"component"},
	)
	measurementTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "instrument",
			Name:      "last_measurement_timestamp_seconds",
			Help:      "Unix time of the most recent successful measurement.",
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
		processStarts, processStartupFailures, processStops,
		commands, commandDuration,
		connected, lastMeasurement, measurementTimestamp,
	}
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStartupFailure(name string) {
	if regOK.Load() {
		processStartupFailures.WithLabelValues(name).Inc()
	}
}

func IncStop(name, mode string) {
	if regOK.Load() {
		processStops.WithLabelValues(name, mode).Inc()
	}
}

// ObserveCommand records one round trip. result is "ok", "fail" or an error class.
func ObserveCommand(verb, result string, d time.Duration) {
	if regOK.Load() {
		commands.WithLabelValues(verb, result).Inc()
		commandDuration.WithLabelValues(verb).Observe(d.Seconds())
	}
}

func SetConnected(v bool) {
	if regOK.Load() {
		if v {
			connected.Set(1)
		} else {
			connected.Set(0)
		}
	}
}

func SetMeasurement(luminance, x, y float64) {
	if regOK.Load() {
		lastMeasurement.WithLabelValues("luminance").Set(luminance)
		lastMeasurement.WithLabelValues("x").Set(x)
		lastMeasurement.WithLabelValues("y").Set(y)
		measurementTimestamp.SetToCurrentTime()
	}
}
