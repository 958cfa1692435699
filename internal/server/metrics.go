package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "stepbus"

type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsConnections   prometheus.Gauge
	sseClients      prometheus.Gauge
	wsErrors        *prometheus.CounterVec
	wsRejected      prometheus.Counter
}

// newMetrics registers the HTTP instruments plus func-backed gauges for
// the service and hub counters.
func newMetrics(reg prometheus.Registerer, svc StepService, hub Hub) *metrics {
	factory := promauto.With(reg)

	m := &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections",
		}),

		sseClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sse_clients",
			Help:      "Open server-sent event streams",
		}),

		wsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_errors_total",
			Help:      "WebSocket errors by type",
		}, []string{"type"}),

		wsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_rejected_messages_total",
			Help:      "Inbound WebSocket messages that were not a driving step",
		}),
	}

	if svc != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_ingested_total",
			Help:      "Steps encoded and stored",
		}, func() float64 { return float64(svc.Stats().Ingested) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_reconstructed_total",
			Help:      "Frame groups decoded to a step",
		}, func() float64 { return float64(svc.Stats().Reconstructed) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_not_yet_available_total",
			Help:      "Reconstructions attempted before every frame arrived",
		}, func() float64 { return float64(svc.Stats().NotYet) })
	}

	if hub != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "hub_subscribers",
			Help:      "Live broadcast subscribers",
		}, func() float64 { return float64(hub.Subscribers()) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hub_dropped_total",
			Help:      "Messages dropped for lagging subscribers",
		}, func() float64 {
			_, dropped := hub.Stats()
			return float64(dropped)
		})
	}

	return m
}

// instrument records request count and latency by route pattern.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
