// Package metrics exposes Prometheus instrumentation for the gateway's
// three moving parts: the HTTP frontend, the channel layer, and the
// reply pump. It promotes prometheus/client_golang from an indirect
// dependency (pulled in transitively) to something this gateway
// exercises directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter, gauge, and histogram this gateway
// reports. Fields are exported so handlers in other packages can
// record against them directly without going through an interface.
type Metrics struct {
	RequestsHandled prometheus.Counter
	RequestsFailed  prometheus.Counter

	ChannelSends    *prometheus.CounterVec
	ChannelReceives *prometheus.CounterVec

	ReplyPumpPending prometheus.Gauge

	PipelineStageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers every metric against a fresh registry and returns the
// handle used to record them.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		RequestsHandled: factory.NewCounter(prometheus.CounterOpts{
			Name: "asgibridge_requests_handled_total",
			Help: "HTTP requests that received a response from the application.",
		}),
		RequestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "asgibridge_requests_failed_total",
			Help: "HTTP requests that failed before or while awaiting a response.",
		}),
		ChannelSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asgibridge_channel_sends_total",
			Help: "Messages sent to the channel layer, by outcome.",
		}, []string{"outcome"}),
		ChannelReceives: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "asgibridge_channel_receives_total",
			Help: "Messages popped from the channel layer, by outcome.",
		}, []string{"outcome"}),
		ReplyPumpPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "asgibridge_reply_pump_pending",
			Help: "Reply channels currently registered with the reply pump.",
		}),
		PipelineStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asgibridge_pipeline_stage_duration_seconds",
			Help:    "Time spent in each request-pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
