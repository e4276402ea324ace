// Package server exposes operational metrics for the service over the
// prometheus client.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's prometheus collectors behind a private
// registry, so nothing leaks into the global default registerer. A nil
// *Metrics is valid and records nothing, which keeps the hot paths free of
// conditionals at call sites.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	rooms             prometheus.Gauge
	eventsDispatched  *prometheus.CounterVec
	deliveries        prometheus.Counter
	deliveryFailures  prometheus.Counter
	broadcastDuration prometheus.Histogram
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_connections",
			Help: "Number of currently registered connections.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_rooms",
			Help: "Number of rooms currently held by the room manager.",
		}),
		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_events_dispatched_total",
			Help: "Inbound events processed by the dispatcher, by request type.",
		}, []string{"type"}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_deliveries_total",
			Help: "Successful per-connection message deliveries.",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_delivery_failures_total",
			Help: "Per-connection deliveries that failed and triggered a reap.",
		}),
		broadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "huddle_broadcast_duration_seconds",
			Help:    "Wall time of a single broadcast fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler serves the /metrics endpoint for this collector set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordConnections(count int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
}

func (m *Metrics) recordRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

func (m *Metrics) recordEvent(requestType string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(requestType).Inc()
}

func (m *Metrics) recordDeliveries(delivered, failed int) {
	if m == nil {
		return
	}
	m.deliveries.Add(float64(delivered))
	m.deliveryFailures.Add(float64(failed))
}

func (m *Metrics) recordBroadcast(recipients int, elapsed time.Duration) {
	if m == nil || recipients == 0 {
		return
	}
	m.broadcastDuration.Observe(elapsed.Seconds())
}
