package messaging

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the messaging counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	conversationsCreated prometheus.Counter
	conversationsReused  prometheus.Counter
	createConflicts      prometheus.Counter
	messagesAppended     prometheus.Counter
	messagesMarkedRead   prometheus.Counter
	publishFailures      prometheus.Counter
	storeErrors          *prometheus.CounterVec
}

// NewMetrics registers the messaging collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		conversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "conversations_created_total",
			Help: "Conversations created.",
		}),
		conversationsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "conversations_reused_total",
			Help: "Get-or-create calls that returned an existing conversation.",
		}),
		createConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "conversation_create_conflicts_total",
			Help: "Concurrent conversation creations resolved by re-reading the winner.",
		}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "messages_appended_total",
			Help: "Messages persisted.",
		}),
		messagesMarkedRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "messages_marked_read_total",
			Help: "Messages flipped to read.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "publish_failures_total",
			Help: "Persisted messages that could not be published to the live feed.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bazaar", Subsystem: "messaging",
			Name: "store_errors_total",
			Help: "Transient store failures by operation.",
		}, []string{"op"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.conversationsCreated,
		m.conversationsReused,
		m.createConflicts,
		m.messagesAppended,
		m.messagesMarkedRead,
		m.publishFailures,
		m.storeErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) incCreated() {
	if m != nil {
		m.conversationsCreated.Inc()
	}
}

func (m *Metrics) incReused() {
	if m != nil {
		m.conversationsReused.Inc()
	}
}

func (m *Metrics) incConflict() {
	if m != nil {
		m.createConflicts.Inc()
	}
}

func (m *Metrics) incAppended() {
	if m != nil {
		m.messagesAppended.Inc()
	}
}

func (m *Metrics) addMarkedRead(n int64) {
	if m != nil && n > 0 {
		m.messagesMarkedRead.Add(float64(n))
	}
}

func (m *Metrics) incPublishFailure() {
	if m != nil {
		m.publishFailures.Inc()
	}
}

func (m *Metrics) incStoreError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}
