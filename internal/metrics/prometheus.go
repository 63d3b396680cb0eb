package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/monitor"
	"github.com/rickgao/courier/internal/router"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "courier"

// WorkerSource returns worker counters keyed by subscriber ID.
type WorkerSource func() map[string]dispatch.Stats

// RouterSource returns router counters.
type RouterSource func() router.Stats

// Collector exports health transitions and engine counters. It implements
// monitor.Broker.
type Collector struct {
	reg       *prometheus.Registry
	namespace string

	transitions *prometheus.CounterVec
	unhealthy   *prometheus.GaugeVec
}

var _ monitor.Broker = (*Collector)(nil)

// NewPrometheus creates a Collector on its own registry. Go runtime and
// process metrics are included.
func NewPrometheus(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		reg:       prometheus.NewRegistry(),
		namespace: namespace,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "transitions_total",
			Help:      "Health transitions by kind (delivery, queue) and resulting state.",
		}, []string{"kind", "state"}),
		unhealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "unhealthy",
			Help:      "1 while a destination is in the error state for kind.",
		}, []string{"source", "kind"}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c.unhealthy,
	)
	return c
}

// Notify records a health transition.
func (c *Collector) Notify(source string, event monitor.Event) {
	state, value := "ok", 0.0
	if event.Error {
		state, value = "error", 1.0
	}
	c.transitions.WithLabelValues(string(event.Kind), state).Inc()
	c.unhealthy.WithLabelValues(source, string(event.Kind)).Set(value)
}

// WatchWorkers exports per-subscriber worker counters read from src at
// scrape time.
func (c *Collector) WatchWorkers(src WorkerSource) {
	c.reg.MustRegister(newWorkerCollector(c.namespace, src))
}

// WatchRouter exports router counters read from src at scrape time.
func (c *Collector) WatchRouter(src RouterSource) {
	c.reg.MustRegister(newRouterCollector(c.namespace, src))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

type workerCollector struct {
	src WorkerSource

	submitted   *prometheus.Desc
	delivered   *prometheus.Desc
	failed      *prometheus.Desc
	discarded   *prometheus.Desc
	escalations *prometheus.Desc
	pending     *prometheus.Desc
}

func newWorkerCollector(namespace string, src WorkerSource) *workerCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "worker", name), help, []string{"subscriber"}, nil)
	}
	return &workerCollector{
		src:         src,
		submitted:   desc("submitted_total", "Messages accepted for delivery."),
		delivered:   desc("delivered_total", "Messages delivered."),
		failed:      desc("failed_total", "Messages completed with an error."),
		discarded:   desc("discarded_total", "Messages shed because the queue was full."),
		escalations: desc("escalations_total", "Times the destination stayed unreachable past the escalation threshold."),
		pending:     desc("pending", "Accepted sends not yet finished, including the one in flight."),
	}
}

func (w *workerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- w.submitted
	ch <- w.delivered
	ch <- w.failed
	ch <- w.discarded
	ch <- w.escalations
	ch <- w.pending
}

func (w *workerCollector) Collect(ch chan<- prometheus.Metric) {
	for id, st := range w.src() {
		ch <- prometheus.MustNewConstMetric(w.submitted, prometheus.CounterValue, float64(st.Submitted), id)
		ch <- prometheus.MustNewConstMetric(w.delivered, prometheus.CounterValue, float64(st.Delivered), id)
		ch <- prometheus.MustNewConstMetric(w.failed, prometheus.CounterValue, float64(st.Failed), id)
		ch <- prometheus.MustNewConstMetric(w.discarded, prometheus.CounterValue, float64(st.Discarded), id)
		ch <- prometheus.MustNewConstMetric(w.escalations, prometheus.CounterValue, float64(st.Escalations), id)
		ch <- prometheus.MustNewConstMetric(w.pending, prometheus.GaugeValue, float64(st.Pending), id)
	}
}

type routerCollector struct {
	src RouterSource

	subscriptors *prometheus.Desc
	enabled      *prometheus.Desc
	sent         *prometheus.Desc
	skipped      *prometheus.Desc
}

func newRouterCollector(namespace string, src RouterSource) *routerCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "router", name), help, nil, nil)
	}
	return &routerCollector{
		src:          src,
		subscriptors: desc("subscriptors", "Registered subscriptors."),
		enabled:      desc("subscriptors_enabled", "Enabled subscriptors."),
		sent:         desc("sent_total", "Sends submitted along subscriptors."),
		skipped:      desc("skipped_total", "Sends skipped because the subscriber had no active worker."),
	}
}

func (r *routerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.subscriptors
	ch <- r.enabled
	ch <- r.sent
	ch <- r.skipped
}

func (r *routerCollector) Collect(ch chan<- prometheus.Metric) {
	st := r.src()
	ch <- prometheus.MustNewConstMetric(r.subscriptors, prometheus.GaugeValue, float64(st.Subscriptors))
	ch <- prometheus.MustNewConstMetric(r.enabled, prometheus.GaugeValue, float64(st.Enabled))
	ch <- prometheus.MustNewConstMetric(r.sent, prometheus.CounterValue, float64(st.Sent))
	ch <- prometheus.MustNewConstMetric(r.skipped, prometheus.CounterValue, float64(st.Skipped))
}
