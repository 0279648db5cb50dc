package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pickline"

// Collector implements port.Metrics on its own Prometheus registry.
type Collector struct {
	registry         *prometheus.Registry
	connections      *prometheus.GaugeVec
	completions      *prometheus.CounterVec
	lockConflicts    prometheus.Counter
	deliveryFailures *prometheus.CounterVec
	staleLineItems   prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered connections by role.",
		}, []string{"role"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "line_item_completions_total",
			Help:      "Line item completion reports by outcome.",
		}, []string{"outcome"}),
		lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_lock_conflicts_total",
			Help:      "Start attempts rejected because another request holds the order lock.",
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Messages that could not be queued to a connection.",
		}, []string{"target"}),
		staleLineItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_line_items",
			Help:      "In-progress line items older than the stale threshold at the last sweep.",
		}),
	}
	c.registry.MustRegister(
		c.connections,
		c.completions,
		c.lockConflicts,
		c.deliveryFailures,
		c.staleLineItems,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) SetConnections(devices, tablets int) {
	c.connections.WithLabelValues("iot-device").Set(float64(devices))
	c.connections.WithLabelValues("tablet").Set(float64(tablets))
}

func (c *Collector) ObserveCompletion(outcome string) {
	c.completions.WithLabelValues(outcome).Inc()
}

func (c *Collector) IncLockConflict() {
	c.lockConflicts.Inc()
}

func (c *Collector) IncDeliveryFailure(target string) {
	c.deliveryFailures.WithLabelValues(target).Inc()
}

func (c *Collector) SetStaleLineItems(n int) {
	c.staleLineItems.Set(float64(n))
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
