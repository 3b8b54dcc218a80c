// Package metrics exposes agent cycle telemetry as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"spot-trading-agent/internal/reconcile"
	"spot-trading-agent/internal/regime"
	"spot-trading-agent/internal/state"
)

// Recorder implements the agent's Observer interface and publishes cycle,
// trade and reconciliation metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	cyclesTotal   prometheus.Counter
	cycleDuration prometheus.Histogram
	tradesClosed  *prometheus.CounterVec
	realizedPnL   prometheus.Counter
	openPositions prometheus.Gauge
	pendingBuys   prometheus.Gauge
	reconcileRuns *prometheus.CounterVec
	lastReconcile prometheus.Gauge
	currentRegime *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_cycles_total",
			Help: "Number of completed agent cycles",
		}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_cycle_duration_seconds",
			Help:    "Wall-clock duration of a full agent cycle",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		tradesClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_trades_closed_total",
			Help: "Closed trades by exit reason",
		}, []string{"reason"}),
		realizedPnL: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_realized_profit_quote_total",
			Help: "Cumulative realized profit in quote currency from winning closes",
		}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_open_positions",
			Help: "Currently held positions",
		}),
		pendingBuys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_pending_buys",
			Help: "Resting entry orders awaiting fill",
		}),
		reconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_reconcile_runs_total",
			Help: "Reconciliation passes by outcome status",
		}, []string{"status"}),
		lastReconcile: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_reconcile_last_ok_timestamp",
			Help: "Unix time of the last OK reconciliation",
		}),
		currentRegime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agent_market_regime",
			Help: "Active market regime (1 for the current one, 0 otherwise)",
		}, []string{"regime"}),
	}
}

// Registry returns the collector registry for HTTP exposure.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) CycleCompleted(d time.Duration, reg regime.Regime) {
	r.cyclesTotal.Inc()
	r.cycleDuration.Observe(d.Seconds())
	for _, known := range []regime.Regime{
		regime.StrongBull, regime.Bull, regime.Normal, regime.Flat,
		regime.Bear, regime.StrongBear, regime.Volatile, regime.Unknown,
	} {
		v := 0.0
		if known == reg {
			v = 1.0
		}
		r.currentRegime.WithLabelValues(string(known)).Set(v)
	}
}

func (r *Recorder) TradeClosed(reason state.CloseReason, pnl float64) {
	r.tradesClosed.WithLabelValues(string(reason)).Inc()
	if pnl > 0 {
		r.realizedPnL.Add(pnl)
	}
}

func (r *Recorder) PositionCount(open, pending int) {
	r.openPositions.Set(float64(open))
	r.pendingBuys.Set(float64(pending))
}

func (r *Recorder) ReconcileResult(status reconcile.Status) {
	r.reconcileRuns.WithLabelValues(string(status)).Inc()
	if status == reconcile.StatusOK {
		r.lastReconcile.SetToCurrentTime()
	}
}
