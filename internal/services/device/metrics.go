package device

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/treat_dispenser/internal/dispenser"
)

// Metrics lives on its own registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	dispenses   *prometheus.CounterVec
	refused     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	readErrors  prometheus.Counter
	state       *prometheus.GaugeVec
	found       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treat_dispenses_total",
			Help: "Dispenses started, by trigger.",
		}, []string{"dispenser", "trigger"}),
		refused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treat_dispenses_refused_total",
			Help: "Dispenses refused before the motor started.",
		}, []string{"dispenser", "trigger"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "treat_state_transitions_total",
			Help: "State machine transitions.",
		}, []string{"dispenser", "from", "to"}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "treat_ir_read_errors_total",
			Help: "Failed IR sensor reads and board writes.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treat_state",
			Help: "Current state (0 search, 1 active, 2 reset).",
		}, []string{"dispenser"}),
		found: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "treat_found_count",
			Help: "IR found counter at the last telemetry tick.",
		}, []string{"dispenser"}),
	}
	m.reg.MustRegister(m.dispenses, m.refused, m.transitions, m.readErrors, m.state, m.found)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) observe(id string, out dispenser.Output) {
	trigger := triggerOf(out)
	switch {
	case out.Refused != nil:
		m.refused.WithLabelValues(id, trigger).Inc()
	case out.Dispensed:
		m.dispenses.WithLabelValues(id, trigger).Inc()
	}
	if out.Changed {
		m.transitions.WithLabelValues(id, out.From.String(), out.State.String()).Inc()
		m.state.WithLabelValues(id).Set(float64(out.State))
	}
}

func (m *Metrics) snapshot(id string, s dispenser.Snapshot) {
	m.state.WithLabelValues(id).Set(float64(s.State))
	m.found.WithLabelValues(id).Set(float64(s.Found))
}

func (m *Metrics) boardError(error) { m.readErrors.Inc() }
