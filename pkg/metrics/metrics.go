// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps a private registry with the coordinator's instruments.
type Recorder struct {
	registry *prometheus.Registry

	ticksTotal              *prometheus.CounterVec
	tickDuration            prometheus.Histogram
	promotionsTotal         prometheus.Counter
	nodesTracked            prometheus.Gauge
	proxyPublishErrorsTotal prometheus.Counter
}

// NewRecorder builds a Recorder and registers its instruments on a fresh
// registry.
func NewRecorder() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.ticksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_ticks_total",
		Help: "Total reconciliation ticks, labeled by result.",
	}, []string{"result"})

	r.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_tick_duration_seconds",
		Help:    "Duration of each reconciliation tick.",
		Buckets: prometheus.DefBuckets,
	})

	r.promotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_promotions_total",
		Help: "Total number of master promotions performed.",
	})

	r.nodesTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_nodes_tracked",
		Help: "Number of node records observed at the start of the most recent tick.",
	})

	r.proxyPublishErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_proxy_publish_errors_total",
		Help: "Total number of failed proxy routing publishes.",
	})

	r.registry.MustRegister(
		r.ticksTotal,
		r.tickDuration,
		r.promotionsTotal,
		r.nodesTracked,
		r.proxyPublishErrorsTotal,
	)

	return r
}

// TicksTotal increments the tick counter for the given result, "ok" or
// "error".
func (r *Recorder) TicksTotal(result string) {
	r.ticksTotal.WithLabelValues(result).Inc()
}

// ObserveTickDuration records one tick's wall-clock duration in seconds.
func (r *Recorder) ObserveTickDuration(seconds float64) {
	r.tickDuration.Observe(seconds)
}

// PromotionsTotal increments the promotion counter.
func (r *Recorder) PromotionsTotal() {
	r.promotionsTotal.Inc()
}

// SetNodesTracked sets the gauge of node records observed this tick.
func (r *Recorder) SetNodesTracked(n int) {
	r.nodesTracked.Set(float64(n))
}

// ProxyPublishErrorsTotal increments the proxy-publish-error counter.
func (r *Recorder) ProxyPublishErrorsTotal() {
	r.proxyPublishErrorsTotal.Inc()
}

// Handler exposes the registry over the Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
