// Package closer implements the Closer (spec.md §4.7): it flattens a
// position's filled legs with opposing-side orders driven through the Fill
// Driver, then marks the position terminal.
package closer

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/filldriver"
	"github.com/ironfly-systems/butterfly-engine/internal/metrics"
	"github.com/ironfly-systems/butterfly-engine/internal/monitor"
	"github.com/ironfly-systems/butterfly-engine/internal/resilience"
	"github.com/ironfly-systems/butterfly-engine/internal/venue"
)

// Closer flattens positions.
type Closer struct {
	driver     *filldriver.Driver
	client     venue.Client
	resilience *resilience.Wrapper
	monitor    *monitor.Monitor
	logger     *zap.Logger
	alerts     *alert.SafeSink
	prom       *metrics.Registry
}

// New builds a Closer.
func New(driver *filldriver.Driver, client venue.Client, w *resilience.Wrapper, mon *monitor.Monitor, logger *zap.Logger, alerts *alert.SafeSink) *Closer {
	return &Closer{driver: driver, client: client, resilience: w, monitor: mon, logger: logger, alerts: alerts}
}

// SetMetrics attaches the Prometheus registry the closer reports
// positions-closed counts to. Optional: a nil registry is a no-op.
func (c *Closer) SetMetrics(m *metrics.Registry) { c.prom = m }

// LegFailure records that one leg could not be flattened.
type LegFailure struct {
	Symbol string
	Err    error
}

// Close issues opposing-side orders for every filled leg of position, drives
// each through the Fill Driver, and sets the terminal status (spec.md §4.7).
// Unfilled legs are skipped. Individual leg failures are collected but never
// abort the other legs.
func (c *Closer) Close(ctx context.Context, cancel <-chan struct{}, position *domain.Position, status domain.PositionStatus, reason string) []LegFailure {
	var failures []LegFailure

	for _, leg := range position.Legs() {
		if !leg.HasEntry() {
			continue
		}
		opposite := domain.Buy
		if leg.Side == domain.Buy {
			opposite = domain.Sell
		}

		price, ok := c.closePrice(ctx, leg)
		if !ok {
			failures = append(failures, LegFailure{Symbol: leg.Symbol, Err: errNoPrice(leg.Symbol)})
			continue
		}

		ack, err := c.driver.Drive(ctx, cancel, leg.Symbol, opposite, leg.Quantity, price)
		if err != nil {
			failures = append(failures, LegFailure{Symbol: leg.Symbol, Err: err})
			continue
		}
		if !ack.IsFilled() {
			failures = append(failures, LegFailure{Symbol: leg.Symbol, Err: errNotFilled(leg.Symbol)})
		}
	}

	wasOpen := position.Status() == domain.StatusOpen
	position.Close(status)
	if c.prom != nil && wasOpen {
		c.prom.PositionsClosed.WithLabelValues(string(status)).Inc()
	}
	pnl := position.PnL()
	c.logger.Info("position closed",
		zap.String("position_id", position.ID),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.String("pnl", pnl.String()))
	c.alerts.Notify(alert.Format(alert.TagPosition, "closed "+position.ID+": "+reason+" pnl="+pnl.String()))

	if len(failures) > 0 {
		c.alerts.Alert(alert.Format(alert.TagPosition, "leg close failure(s) on "+position.ID))
	}
	return failures
}

// closePrice prices the closing order from the current top of book
// (SELL -> best bid, BUY -> best ask), falling back to the leg's last-seen
// price if the book is unavailable (spec.md §4.7).
func (c *Closer) closePrice(ctx context.Context, leg *domain.Leg) (decimal.Decimal, bool) {
	opposite := domain.Buy
	if leg.Side == domain.Buy {
		opposite = domain.Sell
	}
	book, err := resilience.Exec(ctx, c.resilience, "get_book", func(ctx context.Context) (venue.Book, error) {
		return c.client.GetBook(ctx, leg.Symbol, 1)
	})
	if err == nil {
		if opposite == domain.Sell {
			return book.BestBid, true
		}
		return book.BestAsk, true
	}
	if !leg.CurrentPrice.IsZero() {
		return leg.CurrentPrice, true
	}
	return decimal.Zero, false
}

// CloseAll flattens every open position with reason (spec.md §4.7).
func (c *Closer) CloseAll(ctx context.Context, cancel <-chan struct{}, registry *monitor.Registry, reason string) {
	for _, pos := range registry.Open() {
		c.Close(ctx, cancel, pos, domain.StatusClosedRisk, reason)
	}
}

// CloseWithRetry retries a whole position close with exponential backoff
// capped at 30s, escalating to a "manual intervention required" alert on
// exhaustion (spec.md §4.7).
func (c *Closer) CloseWithRetry(ctx context.Context, cancel <-chan struct{}, position *domain.Position, status domain.PositionStatus, reason string, maxAttempts int) {
	base := time.Second
	capDur := 30 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		failures := c.Close(ctx, cancel, position, status, reason)
		if len(failures) == 0 {
			return
		}
		if attempt == maxAttempts {
			c.alerts.Alert(alert.Format(alert.TagPosition, "manual intervention required for "+position.ID))
			return
		}
		delay := time.Duration(math.Min(float64(capDur), float64(base)*math.Pow(2, float64(attempt-1))))
		select {
		case <-ctx.Done():
			return
		case <-cancel:
			return
		case <-time.After(delay):
		}
	}
}

type closeError string

func (e closeError) Error() string { return string(e) }

func errNoPrice(symbol string) error  { return closeError("no price available to close " + symbol) }
func errNotFilled(symbol string) error { return closeError("close order for " + symbol + " did not fill") }
