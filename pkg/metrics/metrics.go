// Package metrics exposes policy engine counters and latencies in the
// Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"applylens/pkg/models"
)

const namespace = "applylens"

// Registry owns a private prometheus.Registry so tests and multiple servers
// in one process never collide on the global default.
type Registry struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	evaluations   *prometheus.CounterVec
	riskScore     prometheus.Histogram
	actions       *prometheus.CounterVec
	lintFindings  *prometheus.CounterVec
	bundleOps     *prometheus.CounterVec
	killSwitch    prometheus.Gauge
	canaryPercent prometheus.Gauge
	activeBundle  prometheus.Gauge
	subscribers   prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"route"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "policy", Name: "evaluations_total",
			Help: "Rule engine evaluations by bundle cohort",
		}, []string{"cohort"}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "risk", Name: "score",
			Help:    "Distribution of computed risk scores",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "actions", Name: "transitions_total",
			Help: "Proposed action transitions by kind and resulting status",
		}, []string{"kind", "status"}),
		lintFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lint", Name: "findings_total",
			Help: "Lint annotations by severity and code",
		}, []string{"severity", "code"}),
		bundleOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bundle", Name: "operations_total",
			Help: "Bundle lifecycle operations by name and outcome",
		}, []string{"op", "outcome"}),
		killSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "kill_switch",
			Help: "1 while the kill switch is engaged",
		}),
		canaryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runtime", Name: "canary_percent",
			Help: "Runtime canary traffic ceiling",
		}),
		activeBundle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bundle", Name: "active_version",
			Help: "Version of the active bundle, 0 when none",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "subscribers",
			Help: "Connected live stream subscribers",
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.latency, r.evaluations, r.riskScore, r.actions,
		r.lintFindings, r.bundleOps, r.killSwitch, r.canaryPercent,
		r.activeBundle, r.subscribers,
	)
	return r
}

func (r *Registry) Observe(route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.latency.WithLabelValues(route).Observe(d.Seconds())
}

func (r *Registry) ObserveEvaluation(score float64, canary bool) {
	cohort := "active"
	if canary {
		cohort = "canary"
	}
	r.evaluations.WithLabelValues(cohort).Inc()
	r.riskScore.Observe(score)
}

func (r *Registry) ObserveLint(res models.LintResult) {
	for _, group := range [][]models.LintAnnotation{res.Errors, res.Warnings, res.Info} {
		for _, a := range group {
			r.lintFindings.WithLabelValues(string(a.Severity), a.Code).Inc()
		}
	}
}

func (r *Registry) ObserveBundleOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = models.CodeOf(err)
		if outcome == "" {
			outcome = "error"
		}
	}
	r.bundleOps.WithLabelValues(op, outcome).Inc()
}

func (r *Registry) SetActiveBundle(version int64) {
	r.activeBundle.Set(float64(version))
}

func (r *Registry) SetSubscribers(n int) {
	r.subscribers.Set(float64(n))
}

func (r *Registry) SettingsChanged(c models.SettingsChange) {
	r.SetRuntime(c.After)
}

func (r *Registry) SetRuntime(s models.RuntimeSettings) {
	if s.KillSwitch {
		r.killSwitch.Set(1)
	} else {
		r.killSwitch.Set(0)
	}
	r.canaryPercent.Set(float64(s.CanaryPercent))
}

func (r *Registry) ActionChanged(_ context.Context, a models.ProposedAction) error {
	r.actions.WithLabelValues(string(a.Kind), string(a.Status)).Inc()
	return nil
}

func (r *Registry) StatsChanged(context.Context, models.PolicyStats) error {
	return nil
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
