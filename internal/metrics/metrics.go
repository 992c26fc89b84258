// Package metrics turns bus events into Prometheus counters.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routinely/internal/bridge"
	"routinely/internal/eventbus"
	"routinely/internal/notifier"
	"routinely/internal/reminder"
)

const namespace = "routinely"

type Metrics struct {
	reg *prometheus.Registry

	ticks            *prometheus.CounterVec
	due              *prometheus.CounterVec
	projectionErrors *prometheus.CounterVec
	resets           *prometheus.CounterVec
	state            *prometheus.GaugeVec
	permission       *prometheus.GaugeVec
	deliveries       *prometheus.CounterVec
	dropped          prometheus.Counter
	bridgeMessages   prometheus.Counter
}

// New registers the collectors on a fresh registry, together with the Go
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Reminder ticks evaluated.",
		}, []string{"context"}),
		due: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reminders_due_total",
			Help: "Reminders found due and handed to delivery.",
		}, []string{"context", "kind"}),
		projectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "projection_errors_total",
			Help: "Records skipped because their time or date was malformed.",
		}, []string{"context"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_resets_total",
			Help: "Fired-ledger resets on a date change.",
		}, []string{"context"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loop_active",
			Help: "1 while the reminder loop is armed or ticking.",
		}, []string{"context"}),
		permission: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "permission_granted",
			Help: "1 while notification permission is granted.",
		}, []string{"context"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Sink delivery outcomes.",
		}, []string{"sink", "result"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifier_dropped_total",
			Help: "Payloads dropped because the delivery queue was full.",
		}),
		bridgeMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_messages_total",
			Help: "Schedule messages passed through the in-memory bridge.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.due, m.projectionErrors, m.resets, m.state, m.permission,
		m.deliveries, m.dropped, m.bridgeMessages,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Observe applies one event. Unknown types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case reminder.TickEvent:
		m.ticks.WithLabelValues(d.Loop).Inc()
	case reminder.DueEvent:
		m.due.WithLabelValues(d.Loop, string(d.Kind)).Inc()
	case reminder.SkippedEvent:
		m.projectionErrors.WithLabelValues(d.Loop).Inc()
	case reminder.ResetEvent:
		m.resets.WithLabelValues(d.Loop).Inc()
	case reminder.StateEvent:
		m.state.WithLabelValues(d.Loop).Set(boolGauge(d.State == reminder.StateArmed.String() || d.State == reminder.StateTicking.String()))
	case reminder.PermissionEvent:
		m.permission.WithLabelValues(d.Loop).Set(boolGauge(d.Permission == reminder.PermissionGranted))
	case notifier.DeliveryEvent:
		switch ev.Type {
		case eventbus.NotifierSent:
			m.deliveries.WithLabelValues(d.Sink, "ok").Inc()
		case eventbus.NotifierFailed:
			m.deliveries.WithLabelValues(d.Sink, "error").Inc()
		case eventbus.NotifierDropped:
			m.dropped.Inc()
		}
	case bridge.Message:
		m.bridgeMessages.Inc()
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
