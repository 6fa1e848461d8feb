// Package metrics exposes Prometheus series for ledger movements and
// production runs on a private registry.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/stockroom/inventory"
	"github.com/warp/stockroom/production"
)

const namespace = "stockroom"

// Outcome labels.
const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient"
	OutcomeConflict     = "conflict"
	OutcomeInvalid      = "invalid"
	OutcomeNotFound     = "not_found"
	OutcomeError        = "error"
)

var (
	_ inventory.Recorder     = (*Registry)(nil)
	_ production.RunRecorder = (*Registry)(nil)
)

// Registry holds the service's collectors.
type Registry struct {
	reg       *prometheus.Registry
	Movements *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
	Conflicts prometheus.Counter
	Runs      *prometheus.CounterVec
	OpenRuns  *prometheus.GaugeVec
}

// NewRegistry creates a registry with the service series plus Go runtime
// and process collectors.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "movements_total",
		Help:      "Ledger mutations by kind and outcome.",
	}, []string{"kind", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "movement_duration_seconds",
		Help:      "Time spent in a ledger mutation, lock wait included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "concurrent_modifications_total",
		Help:      "Appends rejected because another writer got there first.",
	})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "production_runs_total",
		Help:      "Production run starts and completions by formula kind and outcome.",
	}, []string{"event", "kind", "outcome"})

	openRuns := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_runs",
		Help:      "In-progress production runs at the last check; stale ones are past the age limit.",
	}, []string{"state"})

	r.MustRegister(
		movements, latency, conflicts, runs, openRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		reg:       r,
		Movements: movements,
		Latency:   latency,
		Conflicts: conflicts,
		Runs:      runs,
		OpenRuns:  openRuns,
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) ObserveMovement(kind inventory.MovementKind, store string, took time.Duration, err error) {
	outcome := outcomeOf(err)
	r.Movements.WithLabelValues(string(kind), outcome).Inc()
	r.Latency.WithLabelValues(string(kind)).Observe(took.Seconds())
	if outcome == OutcomeConflict {
		r.Conflicts.Inc()
	}
}

func (r *Registry) ObserveRun(event string, kind production.Kind, err error) {
	k := string(kind)
	if k == "" {
		k = "unknown"
	}
	r.Runs.WithLabelValues(event, k, outcomeOf(err)).Inc()
}

// SetOpenRuns records the result of a stale-run check.
func (r *Registry) SetOpenRuns(open, stale int) {
	r.OpenRuns.WithLabelValues("open").Set(float64(open))
	r.OpenRuns.WithLabelValues("stale").Set(float64(stale))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, inventory.ErrInsufficientStock):
		return OutcomeInsufficient
	case inventory.IsRetryable(err):
		return OutcomeConflict
	case production.IsClientError(err):
		return OutcomeInvalid
	case production.IsNotFound(err):
		return OutcomeNotFound
	default:
		return OutcomeError
	}
}
