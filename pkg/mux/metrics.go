package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	_namespace = "omnistreams"
	_subsystem = "mux"
)

// Metrics are the Prometheus collectors shared by multiplexers.
// A nil *Metrics records nothing.
type Metrics struct {
	sessions        prometheus.Gauge
	messagesIn      *prometheus.CounterVec
	messagesOut     *prometheus.CounterVec
	openReceivers   prometheus.Gauge
	openSenders     prometheus.Gauge
	protocolFaults  *prometheus.CounterVec
	streamsAccepted prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "sessions",
			Help:      "Number of multiplexer sessions not yet closed.",
		}),
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "messages_received_total",
			Help:      "Wire messages received, by type.",
		}, []string{"type"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "messages_sent_total",
			Help:      "Wire messages sent, by type.",
		}, []string{"type"}),
		openReceivers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "open_receivers",
			Help:      "Inbound streams currently open.",
		}),
		openSenders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "open_senders",
			Help:      "Outbound streams currently open.",
		}),
		protocolFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "protocol_faults_total",
			Help:      "Protocol violations, by kind.",
		}, []string{"kind"}),
		streamsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: _namespace,
			Subsystem: _subsystem,
			Name:      "streams_accepted_total",
			Help:      "Inbound streams created by the peer.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	err := multierr.Combine(
		reg.Register(m.sessions),
		reg.Register(m.messagesIn),
		reg.Register(m.messagesOut),
		reg.Register(m.openReceivers),
		reg.Register(m.openSenders),
		reg.Register(m.protocolFaults),
		reg.Register(m.streamsAccepted),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) sessionOpened(delta float64) {
	if m == nil {
		return
	}
	m.sessions.Add(delta)
}

func (m *Metrics) received(typ string) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(typ).Inc()
}

func (m *Metrics) sent(typ string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(typ).Inc()
}

func (m *Metrics) receivers(delta float64) {
	if m == nil {
		return
	}
	m.openReceivers.Add(delta)
}

func (m *Metrics) senders(delta float64) {
	if m == nil {
		return
	}
	m.openSenders.Add(delta)
}

func (m *Metrics) fault(kind string) {
	if m == nil {
		return
	}
	m.protocolFaults.WithLabelValues(kind).Inc()
}

func (m *Metrics) accepted() {
	if m == nil {
		return
	}
	m.streamsAccepted.Inc()
}
