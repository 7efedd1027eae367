package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics は配信コアのPrometheusメトリクス。
// nilのMetricsに対するメソッド呼び出しは何もしない。
type Metrics struct {
	connections   prometheus.Gauge
	evictions     prometheus.Counter
	dispatched    *prometheus.CounterVec
	live          *prometheus.CounterVec
	storeRetries  prometheus.Counter
	deadLetters   *prometheus.CounterVec
	broadcastSent *prometheus.CounterVec
	ingress       *prometheus.CounterVec
}

// NewMetrics はregに登録したMetricsを生成する。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "notification",
			Name:      "live_connections",
			Help:      "Number of registered live connections.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "connection_evictions_total",
			Help:      "Connections closed because the same user opened a newer session.",
		}),
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "dispatched_total",
			Help:      "Dispatched notifications by event type and durable outcome.",
		}, []string{"type", "outcome"}),
		live: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "live_deliveries_total",
			Help:      "Live delivery attempts by outcome.",
		}, []string{"outcome"}),
		storeRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "store_retries_total",
			Help:      "Retried notification store inserts.",
		}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "dead_letters_total",
			Help:      "Dead letter records by action.",
		}, []string{"action"}),
		broadcastSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "broadcast_frames_total",
			Help:      "Broadcast frames by outcome.",
		}, []string{"outcome"}),
		ingress: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "notification",
			Name:      "ingress_messages_total",
			Help:      "Event envelopes received from the message bus by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) dispatchedOutcome(typ, outcome string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) liveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.live.WithLabelValues(outcome).Inc()
}

func (m *Metrics) storeRetried() {
	if m == nil {
		return
	}
	m.storeRetries.Inc()
}

func (m *Metrics) deadLetter(action string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(action).Inc()
}

func (m *Metrics) broadcastOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.broadcastSent.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ingressOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ingress.WithLabelValues(outcome).Inc()
}
