package bridge

import "github.com/prometheus/client_golang/prometheus"

// Directions used as metric labels.
const (
	DirectionCANToMQTT = "can_to_mqtt"
	DirectionMQTTToCAN = "mqtt_to_can"
)

// Metrics are the dispatcher's Prometheus counters. A nil *Metrics records
// nothing.
type Metrics struct {
	framesReceived   prometheus.Counter
	messagesReceived prometheus.Counter
	translations     *prometheus.CounterVec
	rulesRemoved     *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "can2mqtt",
			Name:      "frames_received_total",
			Help:      "CAN frames handed to the dispatcher.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "can2mqtt",
			Name:      "messages_received_total",
			Help:      "MQTT messages handed to the dispatcher.",
		}),
		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "can2mqtt",
			Name:      "translations_total",
			Help:      "Rule translations by direction and result.",
		}, []string{"direction", "result"}),
		rulesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "can2mqtt",
			Name:      "rules_removed_total",
			Help:      "Rules removed after exhausting their error budget.",
		}, []string{"direction"}),
		transportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "can2mqtt",
			Name:      "transport_errors_total",
			Help:      "Failed sends and publishes by transport.",
		}, []string{"transport"}),
	}
	reg.MustRegister(m.framesReceived, m.messagesReceived, m.translations, m.rulesRemoved, m.transportErrors)
	return m
}

func (m *Metrics) frame() {
	if m != nil {
		m.framesReceived.Inc()
	}
}

func (m *Metrics) message() {
	if m != nil {
		m.messagesReceived.Inc()
	}
}

func (m *Metrics) translation(direction string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.translations.WithLabelValues(direction, result).Inc()
}

func (m *Metrics) removed(direction string) {
	if m != nil {
		m.rulesRemoved.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) transportError(transport string) {
	if m != nil {
		m.transportErrors.WithLabelValues(transport).Inc()
	}
}
