// Package metrics exposes LwDFX counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"dev.c0redev.lwdfx/internal/proto"
)

// Collector: registry, handshake and frame counters. A nil *Collector is valid and records
// nothing.
type Collector struct {
	active     prometheus.Gauge
	pending    prometheus.Gauge
	handshakes *prometheus.CounterVec
	rejected   prometheus.Counter
	errors     *prometheus.CounterVec
	framesIn   prometheus.Counter
	framesOut  prometheus.Counter
	bytesIn    prometheus.Counter
	bytesOut   prometheus.Counter
}

// New registers collectors on reg under namespace (default "lwdfx").
func New(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = "lwdfx"
	}
	f := promauto.With(reg)
	return &Collector{
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Established connections tracked by the registry.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handshakes_pending",
			Help:      "Accepted streams still handshaking.",
		}),
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed handshakes by result (ok or error kind).",
		}, []string{"result"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Streams refused because the registry was full.",
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Steady-state connection errors by kind.",
		}, []string{"kind"}),
		framesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Data frames decoded.",
		}),
		framesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Data frames written.",
		}),
		bytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_received_bytes_total",
			Help:      "Payload bytes of decoded frames.",
		}),
		bytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_sent_bytes_total",
			Help:      "Payload bytes of written frames.",
		}),
	}
}

func (c *Collector) HandshakeStarted() {
	if c == nil {
		return
	}
	c.pending.Inc()
}

// HandshakeDone records the outcome of a handshake started with HandshakeStarted.
func (c *Collector) HandshakeDone(err error) {
	if c == nil {
		return
	}
	c.pending.Dec()
	if err != nil {
		c.handshakes.WithLabelValues(resultLabel(err)).Inc()
		return
	}
	c.handshakes.WithLabelValues("ok").Inc()
	c.active.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.active.Dec()
}

func (c *Collector) Rejected() {
	if c == nil {
		return
	}
	c.rejected.Inc()
}

func (c *Collector) ConnectionError(err error) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(resultLabel(err)).Inc()
}

// FrameIn and FrameOut satisfy conn.Observer.
func (c *Collector) FrameIn(size int) {
	if c == nil {
		return
	}
	c.framesIn.Inc()
	c.bytesIn.Add(float64(size))
}

func (c *Collector) FrameOut(size int) {
	if c == nil {
		return
	}
	c.framesOut.Inc()
	c.bytesOut.Add(float64(size))
}

func resultLabel(err error) string {
	if k := proto.KindOf(err); k != "" {
		return string(k)
	}
	return "other"
}
