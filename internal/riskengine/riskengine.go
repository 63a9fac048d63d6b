// Package riskengine implements the Risk Engine (spec.md §4.6): it consumes
// the Position Monitor's per-tick snapshots over a channel (the dependency
// is one-way: this package imports monitor for its Snapshot and Registry
// types, and monitor never imports this package), evaluates
// per-position stop-loss/profit-target and portfolio-level stop-loss, and
// asks the Closer and Shutdown Coordinator to act when a threshold fires.
package riskengine

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/closer"
	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/metrics"
	"github.com/ironfly-systems/butterfly-engine/internal/monitor"
)

// Config holds the three operator-configured risk thresholds (spec.md §6).
type Config struct {
	StopLossPct      decimal.Decimal
	ProfitTargetPct  decimal.Decimal
	PortfolioRiskPct decimal.Decimal
}

// Closer is the narrow slice of *closer.Closer the Risk Engine depends on.
type Closer interface {
	Close(ctx context.Context, cancel <-chan struct{}, position *domain.Position, status domain.PositionStatus, reason string) []closer.LegFailure
	CloseAll(ctx context.Context, cancel <-chan struct{}, registry *monitor.Registry, reason string)
}

// ShutdownRequester is the narrow slice of the Shutdown Coordinator the Risk
// Engine depends on.
type ShutdownRequester interface {
	RequestEmergencyShutdown(reason string)
}

// Engine evaluates risk on every Monitor snapshot.
type Engine struct {
	registry *monitor.Registry
	closer   Closer
	shutdown ShutdownRequester
	logger   *zap.Logger
	alerts   *alert.SafeSink
	cfg      Config
	prom     *metrics.Registry

	portfolioLatch int32 // 0/1, atomic
	cancel         <-chan struct{}
}

// New builds a Risk Engine.
func New(registry *monitor.Registry, closer Closer, shutdown ShutdownRequester, logger *zap.Logger, alerts *alert.SafeSink, cfg Config, cancel <-chan struct{}) *Engine {
	return &Engine{registry: registry, closer: closer, shutdown: shutdown, logger: logger, alerts: alerts, cfg: cfg, cancel: cancel}
}

// SetMetrics attaches the Prometheus registry the engine reports portfolio
// risk gauges to. Optional: a nil registry is a no-op.
func (e *Engine) SetMetrics(m *metrics.Registry) { e.prom = m }

// PortfolioStopLossTriggered reports whether the portfolio-level latch has
// fired (consulted by the Cycle Scheduler to stop issuing new cycles).
func (e *Engine) PortfolioStopLossTriggered() bool {
	return atomic.LoadInt32(&e.portfolioLatch) == 1
}

// Run drains snapshots from the Monitor until the channel closes or ctx is
// cancelled. Per spec.md §4.6, a per-tick snapshot (one per open position)
// triggers a per-position check; a per-portfolio check is re-evaluated
// whenever the whole open-position set has advanced (here: on every
// snapshot, reading the current registry state, which is the within-tick
// snapshot spec.md §5 calls for).
func (e *Engine) Run(ctx context.Context, snapshots <-chan monitor.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			e.evaluatePosition(ctx, snap.Position)
			e.evaluatePortfolio(ctx)
		}
	}
}

// evaluatePosition implements spec.md §4.6's per-position SL/TP check. Only
// evaluated when net premium received is positive; SL takes precedence over
// TP if both would fire on the same tick.
func (e *Engine) evaluatePosition(ctx context.Context, pos *domain.Position) {
	if pos.Status() != domain.StatusOpen {
		return
	}
	netPrem := pos.NetPremium()
	if !netPrem.IsPositive() {
		return
	}

	pnl := pos.PnL()
	slThreshold := netPrem.Mul(e.cfg.StopLossPct).Div(decimal.NewFromInt(100)).Neg()
	tpThreshold := netPrem.Mul(e.cfg.ProfitTargetPct).Div(decimal.NewFromInt(100))

	if pnl.LessThanOrEqual(slThreshold) {
		reason := "Stop-loss: " + e.cfg.StopLossPct.StringFixed(1) + "%"
		e.closer.Close(ctx, e.cancel, pos, domain.StatusClosedLoss, reason)
		e.logger.Info("position stop-loss fired", zap.String("position_id", pos.ID), zap.String("pnl", pnl.String()))
		return
	}
	if pnl.GreaterThanOrEqual(tpThreshold) {
		reason := "Profit target: " + e.cfg.ProfitTargetPct.StringFixed(1) + "%"
		e.closer.Close(ctx, e.cancel, pos, domain.StatusClosedProfit, reason)
		e.logger.Info("position profit target fired", zap.String("position_id", pos.ID), zap.String("pnl", pnl.String()))
	}
}

// evaluatePortfolio implements spec.md §4.6's portfolio-level check.
func (e *Engine) evaluatePortfolio(ctx context.Context) {
	if e.PortfolioStopLossTriggered() {
		return
	}

	riskMetrics := e.computeMetrics()
	if e.prom != nil {
		e.prom.OpenPositions.Set(float64(riskMetrics.OpenPositions))
		e.prom.PortfolioMTM.Set(toFloat(riskMetrics.TotalMTM))
		e.prom.PortfolioMaxLoss.Set(toFloat(riskMetrics.TotalMaxLoss))
	}
	if !riskMetrics.TotalMaxLoss.IsPositive() {
		return
	}

	threshold := riskMetrics.TotalMaxLoss.Mul(e.cfg.PortfolioRiskPct).Div(decimal.NewFromInt(100)).Neg()
	if riskMetrics.TotalMTM.GreaterThan(threshold) {
		return
	}

	if !atomic.CompareAndSwapInt32(&e.portfolioLatch, 0, 1) {
		return
	}

	e.logger.Error("PORTFOLIO STOP-LOSS TRIGGERED",
		zap.String("total_mtm", riskMetrics.TotalMTM.String()),
		zap.String("total_max_loss", riskMetrics.TotalMaxLoss.String()))
	e.alerts.Alert(alert.Format(alert.TagRisk, "PORTFOLIO STOP-LOSS TRIGGERED"))
	e.closer.CloseAll(ctx, e.cancel, e.registry, "Portfolio stop-loss triggered")
	e.shutdown.RequestEmergencyShutdown("portfolio stop-loss triggered")
}

// toFloat converts a decimal.Decimal to float64 for Prometheus gauge export,
// which has no arbitrary-precision numeric type.
func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// computeMetrics derives a fresh PortfolioRiskMetrics snapshot (spec.md §3).
func (e *Engine) computeMetrics() domain.PortfolioRiskMetrics {
	open := e.registry.Open()
	m := domain.PortfolioRiskMetrics{OpenPositions: len(open), TotalMaxLoss: decimal.Zero, TotalMTM: decimal.Zero}
	for _, p := range open {
		m.TotalMaxLoss = m.TotalMaxLoss.Add(p.MaxLoss)
		m.TotalMTM = m.TotalMTM.Add(p.PnL())
	}
	return m
}
