package bridge

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects bridge statistics. A nil *Metrics records nothing.
type Metrics struct {
	Calls       *prometheus.CounterVec
	Invocations *prometheus.CounterVec
	Pending     prometheus.Gauge
	Dropped     prometheus.Counter
}

// NewMetrics creates bridge metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wvbridge",
			Name:      "calls_total",
			Help:      "Host to embedded calls by outcome.",
		}, []string{"outcome"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wvbridge",
			Name:      "invocations_total",
			Help:      "Embedded to host invocations by outcome.",
		}, []string{"outcome"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wvbridge",
			Name:      "pending_calls",
			Help:      "Host to embedded calls awaiting a response.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wvbridge",
			Name:      "dropped_messages_total",
			Help:      "Inbound messages that were not bridge messages.",
		}),
	}

	for _, c := range []prometheus.Collector{m.Calls, m.Invocations, m.Pending, m.Dropped} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// outcome classifies the result of a call or invocation
func outcome(err error) string {
	var re *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrFunctionNotFound):
		return "not_found"
	case errors.Is(err, ErrChannelUnavailable):
		return "unavailable"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &re):
		return "rejected"
	}
	return "error"
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.Pending.Inc()
}

func (m *Metrics) callFinished(err error) {
	if m == nil {
		return
	}
	m.Pending.Dec()
	m.Calls.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) invocation(err error) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
