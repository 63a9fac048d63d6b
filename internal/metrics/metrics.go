// Package metrics exposes the engine's Prometheus gauges and counters.
// Grounded on the teacher's internal/monitoring/prometheus metrics registry
// (github.com/prometheus/client_golang), repurposed from request/connection
// metrics to cycle and portfolio-risk metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the engine publishes.
type Registry struct {
	CycleIndex       prometheus.Gauge
	CycleTotal       prometheus.Gauge
	CyclesCompleted  prometheus.Counter
	CyclesFailed     prometheus.Counter
	OpenPositions    prometheus.Gauge
	PortfolioMTM     prometheus.Gauge
	PortfolioMaxLoss prometheus.Gauge
	PositionsClosed  *prometheus.CounterVec
	OrdersPlaced     prometheus.Counter
	OrdersTimedOut   prometheus.Counter
	CircuitBreakerOpens prometheus.Counter
}

// New registers and returns the engine's metric set with the process-wide
// default Prometheus registerer (via promauto), following the teacher's
// promauto-per-subsystem convention. A second call panics on duplicate
// registration.
func New() *Registry {
	return &Registry{
		CycleIndex: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "butterfly", Subsystem: "cycle", Name: "index",
			Help: "1-based index of the currently running cycle.",
		}),
		CycleTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "butterfly", Subsystem: "cycle", Name: "total",
			Help: "Total cycles configured for the current session.",
		}),
		CyclesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "butterfly", Subsystem: "cycle", Name: "completed_total",
			Help: "Cycles that completed without error.",
		}),
		CyclesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "butterfly", Subsystem: "cycle", Name: "failed_total",
			Help: "Cycles that failed before producing a position.",
		}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "butterfly", Subsystem: "risk", Name: "open_positions",
			Help: "Current count of OPEN positions.",
		}),
		PortfolioMTM: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "butterfly", Subsystem: "risk", Name: "portfolio_mtm",
			Help: "Aggregate mark-to-market P&L across open positions.",
		}),
		PortfolioMaxLoss: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "butterfly", Subsystem: "risk", Name: "portfolio_max_loss",
			Help: "Aggregate worst-case loss across open positions.",
		}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "butterfly", Subsystem: "position", Name: "closed_total",
			Help: "Positions closed, labeled by terminal status.",
		}, []string{"status"}),
		OrdersPlaced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "butterfly", Subsystem: "order", Name: "placed_total",
			Help: "Orders placed at the venue.",
		}),
		OrdersTimedOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "butterfly", Subsystem: "order", Name: "timed_out_total",
			Help: "Orders that hit the fill-driver deadline unfilled.",
		}),
		CircuitBreakerOpens: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "butterfly", Subsystem: "resilience", Name: "circuit_breaker_opens_total",
			Help: "Times the venue circuit breaker tripped OPEN.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for wiring into an http.Server.
func Handler() http.Handler { return promhttp.Handler() }
