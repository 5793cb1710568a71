// Package metrics provides Prometheus instrumentation for the CoAP engine.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"github.com/backkem/coap/pkg/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "coap"

// Metrics holds all Prometheus metrics of one endpoint.
type Metrics struct {
	// Datagram metrics
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	FormatErrors     prometheus.Counter
	ResetsSent       *prometheus.CounterVec

	// Reliability metrics
	Retransmissions prometheus.Counter
	Timeouts        prometheus.Counter
	Duplicates      prometheus.Counter

	// Exchange metrics
	ActiveExchanges prometheus.Gauge
	Exchanges       *prometheus.CounterVec

	// Blockwise metrics
	BlockTransfers *prometheus.CounterVec

	// Observe metrics
	ActiveRelations prometheus.Gauge
	Notifications   *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of datagrams sent",
			},
			[]string{"type"},
		),
		MessagesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of well-formed datagrams received",
			},
			[]string{"type"},
		),
		FormatErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "format_errors_total",
				Help:      "Total number of malformed datagrams received",
			},
		),
		ResetsSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resets_sent_total",
				Help:      "Total number of resets sent",
			},
			[]string{"reason"},
		),
		Retransmissions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of confirmable retransmissions",
			},
		),
		Timeouts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transmission_timeouts_total",
				Help:      "Total number of confirmable messages that exhausted their retransmissions",
			},
		),
		Duplicates: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicates_total",
				Help:      "Total number of duplicate datagrams received",
			},
		),
		ActiveExchanges: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_exchanges",
				Help:      "Number of exchanges not yet complete",
			},
		),
		Exchanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Total number of completed exchanges",
			},
			[]string{"origin", "result"},
		),
		BlockTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfers_total",
				Help:      "Total number of blockwise transfers",
			},
			[]string{"option", "result"},
		),
		ActiveRelations: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "observe_relations",
				Help:      "Number of established observe relations",
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of observe notifications sent",
			},
			[]string{"type"},
		),
	}
}

// MessageSent counts an outgoing datagram.
func (m *Metrics) MessageSent(t message.Type) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(t.String()).Inc()
}

// MessageReceived counts an incoming datagram.
func (m *Metrics) MessageReceived(t message.Type) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(t.String()).Inc()
}

// FormatError counts a malformed datagram.
func (m *Metrics) FormatError() {
	if m == nil {
		return
	}
	m.FormatErrors.Inc()
}

// ResetSent counts a reset sent for reason.
func (m *Metrics) ResetSent(reason string) {
	if m == nil {
		return
	}
	m.ResetsSent.WithLabelValues(reason).Inc()
}

// Retransmission counts a retransmitted confirmable message.
func (m *Metrics) Retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

// Timeout counts a confirmable message that exhausted its retransmissions.
func (m *Metrics) Timeout() {
	if m == nil {
		return
	}
	m.Timeouts.Inc()
}

// Duplicate counts a duplicate datagram.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.Duplicates.Inc()
}

// ExchangeStarted records a new exchange.
func (m *Metrics) ExchangeStarted() {
	if m == nil {
		return
	}
	m.ActiveExchanges.Inc()
}

// ExchangeCompleted records the outcome of an exchange. result is "ok" or
// the failure reason.
func (m *Metrics) ExchangeCompleted(origin, result string) {
	if m == nil {
		return
	}
	m.ActiveExchanges.Dec()
	m.Exchanges.WithLabelValues(origin, result).Inc()
}

// BlockTransfer records a finished blockwise transfer of option ("block1"
// or "block2") with result "ok" or "incomplete".
func (m *Metrics) BlockTransfer(option, result string) {
	if m == nil {
		return
	}
	m.BlockTransfers.WithLabelValues(option, result).Inc()
}

// RelationEstablished records a new observe relation.
func (m *Metrics) RelationEstablished() {
	if m == nil {
		return
	}
	m.ActiveRelations.Inc()
}

// RelationEnded records the end of an observe relation.
func (m *Metrics) RelationEnded() {
	if m == nil {
		return
	}
	m.ActiveRelations.Dec()
}

// NotificationSent counts a notification of type t.
func (m *Metrics) NotificationSent(t message.Type) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(t.String()).Inc()
}
