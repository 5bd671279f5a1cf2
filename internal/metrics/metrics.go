// Package metrics exposes transfer counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.klb.dev/handoff/internal/errs"
	"go.klb.dev/handoff/internal/events"
)

const namespace = "handoff"

// Metrics owns a private registry so tests and embedders never collide with
// the global one.
type Metrics struct {
	reg *prometheus.Registry

	clipboardOps *prometheus.CounterVec
	dragEnds     *prometheus.CounterVec
	events       *prometheus.CounterVec
}

// New registers every collector, including the Go runtime ones.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		clipboardOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clipboard",
			Name:      "operations_total",
			Help:      "Clipboard operations by operation and result kind.",
		}, []string{"op", "result"}),
		dragEnds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drag",
			Name:      "sessions_total",
			Help:      "Completed drag sessions by outcome.",
		}, []string{"outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Transfer events published, by kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		m.clipboardOps,
		m.dragEnds,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ClipboardOp counts one clipboard operation and its result.
func (m *Metrics) ClipboardOp(op string, err error) {
	result := string(errs.KindOf(err))
	if result == "" {
		result = "ok"
	}
	m.clipboardOps.WithLabelValues(op, result).Inc()
}

// ID implements events.Listener.
func (m *Metrics) ID() string { return "metrics" }

// Send implements events.Listener.
func (m *Metrics) Send(ev events.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == events.DragEnd {
		m.dragEnds.WithLabelValues(ev.State).Inc()
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
