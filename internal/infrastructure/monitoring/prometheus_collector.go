package monitoring

import (
	"time"

	"huddle/pkg/protocol"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector holds the relay metrics. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
type PrometheusCollector struct {
	connections      prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	participants     prometheus.Gauge
	roomsActive      prometheus.Gauge

	messagesReceived  *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	messagesDelivered *prometheus.CounterVec
	messageSize       prometheus.Histogram

	sweptTotal     prometheus.Counter
	sweepDuration  prometheus.Histogram
	breakerChanges *prometheus.CounterVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_signal_connections",
			Help: "Open signaling websocket connections on this instance",
		}),

		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_connections_total",
			Help: "Signaling connections accepted, by whether they resumed a participant",
		}, []string{"resumed"}),

		participants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_participants",
			Help: "Participants currently in a room",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_rooms_active",
			Help: "Rooms with at least one participant",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_messages_received_total",
			Help: "Inbound signaling messages by type",
		}, []string{"type"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_messages_dropped_total",
			Help: "Inbound signaling messages that were not handled, by reason",
		}, []string{"reason"}),

		messagesDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_messages_delivered_total",
			Help: "Outbound signaling messages by route",
		}, []string{"route"}),

		messageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "huddle_signal_message_size_bytes",
			Help:    "Size of inbound signaling messages",
			Buckets: prometheus.ExponentialBuckets(64, 4, 7),
		}),

		sweptTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_signal_swept_participants_total",
			Help: "Participants removed for missing heartbeats or an expired resume grace",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "huddle_signal_sweep_duration_seconds",
			Help:    "Duration of heartbeat sweeps",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "huddle_signal_breaker_transitions_total",
			Help: "Cross-instance delivery circuit breaker transitions, by new state",
		}, []string{"state"}),
	}
}

func (p *PrometheusCollector) ConnectionOpened(resumed bool) {
	p.connections.Inc()
	label := "false"
	if resumed {
		label = "true"
	}
	p.connectionsTotal.WithLabelValues(label).Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.connections.Dec()
}

func (p *PrometheusCollector) MessageReceived(t protocol.Type, size int) {
	p.messagesReceived.WithLabelValues(string(t)).Inc()
	p.messageSize.Observe(float64(size))
}

func (p *PrometheusCollector) MessageDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) MessageDelivered(remote bool) {
	route := "local"
	if remote {
		route = "remote"
	}
	p.messagesDelivered.WithLabelValues(route).Inc()
}

func (p *PrometheusCollector) SweepCompleted(removed int, took time.Duration) {
	p.sweptTotal.Add(float64(removed))
	p.sweepDuration.Observe(took.Seconds())
}

func (p *PrometheusCollector) Occupancy(participants, rooms int) {
	p.participants.Set(float64(participants))
	p.roomsActive.Set(float64(rooms))
}

func (p *PrometheusCollector) BreakerStateChanged(state string) {
	p.breakerChanges.WithLabelValues(state).Inc()
}
