package metrics

import (
	"strings"
	"time"

	"drone-overwatch/pkg/shared"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionStates lists every value the connection state gauge can take.
var ConnectionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "RECONNECTING", "FAILED"}

// Prometheus implements Collector with client_golang metrics.
type Prometheus struct {
	messages       *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	consumerErrors *prometheus.CounterVec
	dataRequests   *prometheus.CounterVec
	state          *prometheus.GaugeVec
	reconnects     prometheus.Counter
	backoff        prometheus.Histogram
	drones         prometheus.Gauge
	offline        prometheus.Counter
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus registers the collectors on reg (prometheus.DefaultRegisterer
// when nil) under namespace ("overwatch" when empty).
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "overwatch"
	}

	p := &Prometheus{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Inbound messages by topic.",
		}, []string{"topic"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages or records rejected by the decoder.",
		}, []string{"topic"}),
		consumerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "consumer_failures_total",
			Help:      "Consumer callbacks that returned an error or panicked.",
		}, []string{"topic"}),
		dataRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "data_requests_total",
			Help:      "Outbound request-latest-data messages by result.",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_backoff_seconds",
			Help:      "Delay before each scheduled reconnect attempt.",
			Buckets:   prometheus.ExponentialBuckets(1, 1.5, 10),
		}),
		drones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "drones",
			Help:      "Drones currently tracked.",
		}),
		offline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "offline_detected_total",
			Help:      "Drones marked offline by the staleness sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{
		p.messages, p.malformed, p.consumerErrors, p.dataRequests,
		p.state, p.reconnects, p.backoff, p.drones, p.offline,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// topicLabel collapses per-drone feeds into one label value.
func topicLabel(topic string) string {
	if topic == shared.SubjectDronePositions || topic == shared.SubjectDronesDeleted {
		return topic
	}
	if strings.HasPrefix(topic, shared.SubjectPrefix+".") && strings.HasSuffix(topic, ".telemetry") {
		return shared.DroneFeedSubject("*")
	}
	return "other"
}

func (p *Prometheus) MessageReceived(topic string) {
	p.messages.WithLabelValues(topicLabel(topic)).Inc()
}

func (p *Prometheus) MessageMalformed(topic string) {
	p.malformed.WithLabelValues(topicLabel(topic)).Inc()
}

func (p *Prometheus) ConsumerFailed(topic string) {
	p.consumerErrors.WithLabelValues(topicLabel(topic)).Inc()
}

func (p *Prometheus) DataRequested(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.dataRequests.WithLabelValues(result).Inc()
}

func (p *Prometheus) ConnectionState(state string) {
	for _, s := range ConnectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
}

func (p *Prometheus) ReconnectScheduled(_ int, delay time.Duration) {
	p.reconnects.Inc()
	p.backoff.Observe(delay.Seconds())
}

func (p *Prometheus) DronesTracked(n int) {
	p.drones.Set(float64(n))
}

func (p *Prometheus) OfflineDetected() {
	p.offline.Inc()
}
