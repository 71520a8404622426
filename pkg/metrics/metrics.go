// Package metrics exposes Prometheus collectors for the sensor hub core.
//
// All methods are safe to call on a nil *Collector, which lets components run
// without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensorhub"

// Collector holds the hub's Prometheus metrics.
type Collector struct {
	messagesReceived *prometheus.CounterVec
	parseFailures    prometheus.Counter
	readingsBuffered prometheus.Counter
	bufferEvictions  prometheus.Counter
	buffersDropped   prometheus.Counter
	sinkWrites       *prometheus.CounterVec
	sinkDropped      prometheus.Counter
	transportState   *prometheus.GaugeVec
	reconnects       prometheus.Counter
	subscriptions    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "Inbound MQTT messages by outcome (accepted, inactive_topic, malformed, queue_full, panic).",
		}, []string{"outcome"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "parse_failures_total",
			Help:      "Payloads that could not be normalized.",
		}),
		readingsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "appends_total",
			Help:      "Readings appended to node ring buffers.",
		}),
		bufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "evictions_total",
			Help:      "Readings overwritten because a node buffer was full.",
		}),
		buffersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "drops_total",
			Help:      "Node buffers removed on deregistration.",
		}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Durable sink writes by backend and result.",
		}, []string{"backend", "result"}),
		sinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "queue_dropped_total",
			Help:      "Documents dropped because the sink queue was full.",
		}),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 for the current MQTT transport state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnect_attempts_total",
			Help:      "MQTT reconnect attempts made by the backoff policy.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "active_subscriptions",
			Help:      "Topic filters currently subscribed.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.messagesReceived, c.parseFailures, c.readingsBuffered, c.bufferEvictions,
		c.buffersDropped, c.sinkWrites, c.sinkDropped, c.transportState,
		c.reconnects, c.subscriptions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MessageReceived counts an inbound message by outcome.
func (c *Collector) MessageReceived(outcome string) {
	if c == nil {
		return
	}
	c.messagesReceived.WithLabelValues(outcome).Inc()
}

// ParseFailed counts a payload that could not be normalized.
func (c *Collector) ParseFailed() {
	if c == nil {
		return
	}
	c.parseFailures.Inc()
}

// Appended implements ringstore.Observer.
func (c *Collector) Appended(_ string, evicted bool) {
	if c == nil {
		return
	}
	c.readingsBuffered.Inc()
	if evicted {
		c.bufferEvictions.Inc()
	}
}

// Dropped implements ringstore.Observer.
func (c *Collector) Dropped(string) {
	if c == nil {
		return
	}
	c.buffersDropped.Inc()
}

// SinkWrite records the result of a durable write for a backend.
func (c *Collector) SinkWrite(backend string, ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.sinkWrites.WithLabelValues(backend, result).Inc()
}

// SinkDropped counts a document dropped before reaching any backend.
func (c *Collector) SinkDropped() {
	if c == nil {
		return
	}
	c.sinkDropped.Inc()
}

// TransportState marks state as the current transport state.
func (c *Collector) TransportState(state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.transportState.WithLabelValues(s).Set(v)
	}
}

// ReconnectAttempt counts one reconnect attempt.
func (c *Collector) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// ActiveSubscriptions sets the number of subscribed topic filters.
func (c *Collector) ActiveSubscriptions(n int) {
	if c == nil {
		return
	}
	c.subscriptions.Set(float64(n))
}
