package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BridgeMetrics are the adapter bridge counters. A nil *BridgeMetrics is
// valid and records nothing.
type BridgeMetrics struct {
	FramesTotal      *prometheus.CounterVec   // labels: outcome=ok|timeout|lost
	FrameDuration    prometheus.Histogram     // seconds per exchange
	RequestsTotal    *prometheus.CounterVec   // labels: path=at|isotp, result=ok|nonhex|timeout|disconnected|error
	QueueDepth       prometheus.Gauge         // pending requests
	ConnectionState  *prometheus.GaugeVec     // labels: state, 1 for the current state
	ConnectAttempts  *prometheus.CounterVec   // labels: result=ok|error
	EventsDropped    prometheus.Counter       // websocket frames dropped for slow clients
	requestLatencies *prometheus.HistogramVec // labels: path
}

// NewBridgeMetrics registers and returns the bridge metrics.
func NewBridgeMetrics(reg prometheus.Registerer) *BridgeMetrics {
	m := &BridgeMetrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm_frames_total",
			Help: "Command/response exchanges with the adapter by outcome.",
		}, []string{"outcome"}),
		FrameDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "elm_frame_duration_seconds",
			Help:    "Round trip time of one adapter exchange.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2},
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm_requests_total",
			Help: "Completed logical requests by path and result.",
		}, []string{"path", "result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "elm_queue_depth",
			Help: "Requests waiting in the dispatch queue.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "elm_connection_state",
			Help: "Current connection state (1 for the active state).",
		}, []string{"state"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "elm_connect_attempts_total",
			Help: "Adapter dial attempts by result.",
		}, []string{"result"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "elm_ws_dropped_total",
			Help: "Event frames dropped because a websocket client was too slow.",
		}),
		requestLatencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "elm_request_duration_seconds",
			Help:    "Time from dequeue to result for one logical request.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
	reg.MustRegister(m.FramesTotal, m.FrameDuration, m.RequestsTotal, m.QueueDepth,
		m.ConnectionState, m.ConnectAttempts, m.EventsDropped, m.requestLatencies)
	return m
}

// ObserveFrame records one exchange.
func (m *BridgeMetrics) ObserveFrame(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(outcome).Inc()
	m.FrameDuration.Observe(elapsed.Seconds())
}

// ObserveRequest records one completed request.
func (m *BridgeMetrics) ObserveRequest(path, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(path, result).Inc()
	m.requestLatencies.WithLabelValues(path).Observe(elapsed.Seconds())
}

// SetQueueDepth publishes the current queue length.
func (m *BridgeMetrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetState marks current as the active state among all.
func (m *BridgeMetrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// ObserveConnect records one dial attempt.
func (m *BridgeMetrics) ObserveConnect(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ConnectAttempts.WithLabelValues("error").Inc()
		return
	}
	m.ConnectAttempts.WithLabelValues("ok").Inc()
}

// DroppedEvent counts one event frame not delivered to a client.
func (m *BridgeMetrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}
