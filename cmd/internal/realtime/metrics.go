package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the feed and gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	subscriptions prometheus.Gauge
	delivered     prometheus.Counter
	dropped       prometheus.Counter
	connections   prometheus.Gauge
	relayErrors   prometheus.Counter
}

// NewMetrics registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bazaar", Subsystem: "feed",
			Name: "subscriptions",
			Help: "Open conversation feed subscriptions on this instance.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "feed",
			Name: "deliveries_total",
			Help: "Feed notifications queued to subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "feed",
			Name: "drops_total",
			Help: "Feed notifications dropped because a subscriber queue was full.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bazaar", Subsystem: "ws",
			Name: "active_connections",
			Help: "Active websocket connections.",
		}),
		relayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "feed",
			Name: "relay_errors_total",
			Help: "Redis relay payloads that could not be decoded.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.subscriptions, m.delivered, m.dropped, m.connections, m.relayErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incSubscriptions() {
	if m != nil {
		m.subscriptions.Inc()
	}
}

func (m *Metrics) decSubscriptions() {
	if m != nil {
		m.subscriptions.Dec()
	}
}

func (m *Metrics) addDelivered(n int) {
	if m != nil && n > 0 {
		m.delivered.Add(float64(n))
	}
}

func (m *Metrics) addDropped(n int) {
	if m != nil && n > 0 {
		m.dropped.Add(float64(n))
	}
}

func (m *Metrics) incConnections() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) decConnections() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) incRelayErrors() {
	if m != nil {
		m.relayErrors.Inc()
	}
}
