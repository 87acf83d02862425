package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used by the router.
const (
	ReasonMalformed    = "malformed"
	ReasonUnknownType  = "unknown_type"
	ReasonUnregistered = "unregistered"
	ReasonPanic        = "handler_panic"
)

// Metrics groups the client's counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Dispatched   *prometheus.CounterVec
	Dropped      *prometheus.CounterVec
	Sent         *prometheus.CounterVec
	SendFailures *prometheus.CounterVec
}

// New registers the counters on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Name:      "messages_dispatched_total",
			Help:      "Inbound messages handed to a handler.",
		}, []string{"type"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded before or during dispatch.",
		}, []string{"reason"}),
		Sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Name:      "messages_sent_total",
			Help:      "Outbound messages written to the relay.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lobby",
			Name:      "send_failures_total",
			Help:      "Outbound messages dropped because the write failed or the channel was closed.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatched, m.Dropped, m.Sent, m.SendFailures)
	}
	return m
}

func (m *Metrics) IncDispatched(typ string) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSent(typ string) {
	if m == nil {
		return
	}
	m.Sent.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncSendFailure(typ string) {
	if m == nil {
		return
	}
	m.SendFailures.WithLabelValues(typ).Inc()
}
