// Package metrics provides Prometheus metrics for HL7 message delivery.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes recorded on MessagesSent.
const (
	OutcomeAccepted    = "accepted"
	OutcomeRetry       = "retry"
	OutcomeRejected    = "rejected"
	OutcomeUnsupported = "unsupported"
	OutcomeTransport   = "transport_error"
)

// Metrics holds all application metrics
type Metrics struct {
	MessagesEnqueued      *prometheus.CounterVec
	MessagesSent          *prometheus.CounterVec
	MessagesResubmitted   *prometheus.CounterVec
	MessagesReceived      *prometheus.CounterVec
	SendDuration          *prometheus.HistogramVec
	QueuedMessages        *prometheus.GaugeVec
	ErrorMessages         *prometheus.GaugeVec
	ListenerDropped       prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		MessagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_enqueued_total",
			Help: "Total messages queued for delivery",
		}, []string{"connector"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_sent_total",
			Help: "Total delivery attempts by outcome",
		}, []string{"connector", "outcome"}),
		MessagesResubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_resubmitted_total",
			Help: "Total messages resubmitted after an error",
		}, []string{"connector"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hl7_messages_received_total",
			Help: "Total inbound messages by acknowledgment code",
		}, []string{"connector", "ack"}),
		SendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hl7_send_duration_seconds",
			Help:    "Send-and-receive round trip duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"connector"}),
		QueuedMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hl7_queued_messages",
			Help: "Pending messages per connector",
		}, []string{"connector"}),
		ErrorMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hl7_error_messages",
			Help: "Messages in error per connector",
		}, []string{"connector"}),
		ListenerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hl7_listener_notifications_dropped_total",
			Help: "Message-sent notifications dropped because the listener queue was full",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.MessagesEnqueued,
		m.MessagesSent,
		m.MessagesResubmitted,
		m.MessagesReceived,
		m.SendDuration,
		m.QueuedMessages,
		m.ErrorMessages,
		m.ListenerDropped,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
	)

	return m
}

// RemoveConnector drops the per-connector series of a removed connector.
func (m *Metrics) RemoveConnector(id string) {
	m.QueuedMessages.DeleteLabelValues(id)
	m.ErrorMessages.DeleteLabelValues(id)
	m.MessagesEnqueued.DeleteLabelValues(id)
	m.MessagesResubmitted.DeleteLabelValues(id)
	m.SendDuration.DeleteLabelValues(id)
	m.MessagesSent.DeletePartialMatch(prometheus.Labels{"connector": id})
	m.MessagesReceived.DeletePartialMatch(prometheus.Labels{"connector": id})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
