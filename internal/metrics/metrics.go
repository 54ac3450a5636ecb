package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts chat traffic. A nil *Metrics is a valid no-op.
type Metrics struct {
	sent     prometheus.Counter
	received prometheus.Counter
	dropped  prometheus.Counter
	presence *prometheus.CounterVec
	users    prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_sent_total",
			Help:      "Chat messages published by this node.",
		}),
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_received_total",
			Help:      "Chat messages delivered to the local handler.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "samples_dropped_total",
			Help:      "Samples that could not be decoded or validated.",
		}),
		presence: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "presence_events_total",
			Help:      "Presence transitions observed, by kind.",
		}, []string{"kind"}),
		users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "users_alive",
			Help:      "Users listed as alive by the last presence listing.",
		}),
	}
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

func (m *Metrics) SampleDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Presence(kind string) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(kind).Inc()
}

func (m *Metrics) UsersAlive(n int) {
	if m == nil {
		return
	}
	m.users.Set(float64(n))
}

// Handler exposes the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
