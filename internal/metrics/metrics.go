// Package metrics groups the Prometheus instruments exported by the task
// queue and the dispatch engine.
//
// A nil *Metrics is valid and records nothing, so the core packages work
// without a registry.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Unit status label values.
const (
	StatusSucceeded = "succeeded"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Metrics groups all Prometheus instruments used by reshape.
type Metrics struct {
	QueueDepth         *prometheus.GaugeVec
	Units              *prometheus.CounterVec
	UnitDuration       *prometheus.HistogramVec
	Passes             prometheus.Counter
	Notifications      prometheus.Counter
	ContractViolations prometheus.Counter
}

// New registers the instruments with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Units waiting in the task queue.",
		}, []string{"queue"}),
		Units: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Settled queue units by queue and status.",
		}, []string{"queue", "status"}),
		UnitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time spent executing a queue unit.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"queue"}),
		Passes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_passes_total",
			Help:      "Handler passes run by the dispatch engine, settle passes included.",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Dispatch calls that changed state and notified observers.",
		}),
		ContractViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contract_violations_total",
			Help:      "Dispatch calls failed by a malformed task or handler.",
		}),
	}
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) ObserveUnit(queue, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Units.WithLabelValues(queue, status).Inc()
	if status != StatusCancelled {
		m.UnitDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

func (m *Metrics) IncPasses() {
	if m == nil {
		return
	}
	m.Passes.Inc()
}

func (m *Metrics) IncNotifications() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

func (m *Metrics) IncContractViolations() {
	if m == nil {
		return
	}
	m.ContractViolations.Inc()
}

// HandlerFor serves a specific gatherer, typically a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteText dumps everything g gathers in the Prometheus text format, for
// one-shot commands that exit before anything could scrape them.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
