package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()

	// EventsPublished counts published events by type and dispatch lane.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_published_total", Help: "Published webhook events by type and lane."},
		[]string{"event_type", "lane"},
	)
	// Deliveries counts delivery attempts by event type and outcome.
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by event type and status."},
		[]string{"event_type", "status"},
	)
	// DeliveryLatency tracks HTTP delivery latencies in milliseconds.
	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
		[]string{"event_type", "status"},
	)
	// TaskRequeues counts dispatch-task requeues by lane.
	TaskRequeues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_task_requeues_total", Help: "Dispatch task requeues by lane."},
		[]string{"lane"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(EventsPublished)
		Registry.MustRegister(Deliveries)
		Registry.MustRegister(DeliveryLatency)
		Registry.MustRegister(TaskRequeues)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
