// Package telemetry receives one event per gate rejection and per
// regime-evaluation error. Collectors (logging, dashboards) hang off the Sink.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is notified on every gate rejection and regime-evaluation error.
// Implementations must be safe for concurrent use.
type Sink interface {
	GateRejection(stage, reason, symbol string, ts time.Time)
	RegimeEvalError(regimeID, reason, symbol string, ts time.Time)
}

// Nop discards all events.
type Nop struct{}

func (Nop) GateRejection(stage, reason, symbol string, ts time.Time)   {}
func (Nop) RegimeEvalError(regimeID, reason, symbol string, ts time.Time) {}

// Prometheus counts events in prometheus counters.
type Prometheus struct {
	gateRejections *prometheus.CounterVec
	evalErrors     *prometheus.CounterVec
}

// NewPrometheus registers the telemetry counters on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_gate_rejections_total",
			Help: "Orders rejected by the execution safety pipeline, by gate and reason.",
		}, []string{"stage", "reason", "symbol"}),
		evalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "regime_eval_errors_total",
			Help: "Regime condition-tree evaluation errors, by regime.",
		}, []string{"regime", "reason", "symbol"}),
	}
	reg.MustRegister(p.gateRejections, p.evalErrors)
	return p
}

func (p *Prometheus) GateRejection(stage, reason, symbol string, ts time.Time) {
	p.gateRejections.WithLabelValues(stage, reason, symbol).Inc()
}

func (p *Prometheus) RegimeEvalError(regimeID, reason, symbol string, ts time.Time) {
	p.evalErrors.WithLabelValues(regimeID, reason, symbol).Inc()
}
