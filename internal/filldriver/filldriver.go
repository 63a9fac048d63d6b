// Package filldriver implements the aggressive-fill order driver (spec.md
// §4.4): it drives one limit order from placement toward complete fill
// within a per-order deadline, repricing across the spread once per poll
// tick, never crossing to a market order.
package filldriver

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/errs"
	"github.com/ironfly-systems/butterfly-engine/internal/metrics"
	"github.com/ironfly-systems/butterfly-engine/internal/resilience"
	"github.com/ironfly-systems/butterfly-engine/internal/venue"
)

var (
	sellAggressiveFactor = decimal.NewFromFloat(0.999)
	buyAggressiveFactor  = decimal.NewFromFloat(1.001)
)

// Config holds the spec.md §4.4 tunables.
type Config struct {
	PollInterval  time.Duration // T_poll, default 1s
	OrderDeadline time.Duration // T_order, default 60s
	TickSize      decimal.Decimal
	RateLimitCap  time.Duration // cap on extended sleep, default 30s
}

// DefaultConfig returns the spec.md-literal defaults for a given tick size.
func DefaultConfig(tickSize decimal.Decimal) Config {
	return Config{
		PollInterval:  time.Second,
		OrderDeadline: 60 * time.Second,
		TickSize:      tickSize,
		RateLimitCap:  30 * time.Second,
	}
}

// Driver drives a single leg order toward fill.
type Driver struct {
	client     venue.Client
	resilience *resilience.Wrapper
	logger     *zap.Logger
	alerts     *alert.SafeSink
	cfg        Config
	prom       *metrics.Registry
}

// New builds a Driver.
func New(client venue.Client, w *resilience.Wrapper, logger *zap.Logger, alerts *alert.SafeSink, cfg Config) *Driver {
	return &Driver{client: client, resilience: w, logger: logger, alerts: alerts, cfg: cfg}
}

// SetMetrics attaches the Prometheus registry the driver reports
// order-placed/timed-out counts to. Optional: a nil registry is a no-op.
func (d *Driver) SetMetrics(m *metrics.Registry) { d.prom = m }

// Drive places symbol/side/qty at limitPrice and repriges it aggressively
// until filled or the per-order deadline elapses. cancel, when closed,
// breaks the loop deterministically before any further venue call.
func (d *Driver) Drive(ctx context.Context, cancel <-chan struct{}, symbol string, side domain.OrderSide, qty, limitPrice decimal.Decimal) (venue.OrderAck, error) {
	ack, err := resilience.Exec(ctx, d.resilience, "place_order", func(ctx context.Context) (venue.OrderAck, error) {
		return d.client.PlaceOrder(ctx, symbol, side, qty, limitPrice)
	})
	if err != nil {
		return venue.OrderAck{}, err
	}
	d.logger.Info("order placed", zap.String("symbol", symbol), zap.String("side", string(side)), zap.String("order_id", ack.OrderID))
	if d.prom != nil {
		d.prom.OrdersPlaced.Inc()
	}

	placedAt := time.Now()
	currentPrice := limitPrice
	sleep := d.cfg.PollInterval

	for {
		deadline := placedAt.Add(d.cfg.OrderDeadline)
		if !time.Now().Before(deadline) {
			return d.timeoutSnapshot(ctx, symbol, side, qty, ack)
		}

		select {
		case <-cancel:
			return ack, nil
		case <-ctx.Done():
			return ack, ctx.Err()
		case <-time.After(sleep):
		}

		if !time.Now().Before(deadline) {
			return d.timeoutSnapshot(ctx, symbol, side, qty, ack)
		}

		status, err := resilience.Exec(ctx, d.resilience, "get_order", func(ctx context.Context) (venue.OrderAck, error) {
			return d.client.GetOrder(ctx, ack.OrderID, symbol)
		})
		if err != nil {
			if aborts(err) {
				return ack, nil
			}
			sleep = d.extendOnRateLimit(err, sleep)
			continue
		}
		ack = status
		if ack.IsFilled() {
			return ack, nil
		}
		sleep = d.cfg.PollInterval

		book, err := resilience.Exec(ctx, d.resilience, "get_book", func(ctx context.Context) (venue.Book, error) {
			return d.client.GetBook(ctx, symbol, 1)
		})
		if err != nil {
			if aborts(err) {
				return ack, nil
			}
			sleep = d.extendOnRateLimit(err, sleep)
			continue
		}

		aggressive := aggressivePrice(side, book, d.cfg.TickSize)
		if aggressive.Sub(currentPrice).Abs().GreaterThanOrEqual(d.cfg.TickSize) {
			modified, err := resilience.Exec(ctx, d.resilience, "modify_order", func(ctx context.Context) (venue.OrderAck, error) {
				return d.client.ModifyOrder(ctx, ack.OrderID, symbol, ack.OriginalQty.Sub(ack.FilledQty), aggressive)
			})
			if err != nil {
				if aborts(err) {
					return ack, nil
				}
				sleep = d.extendOnRateLimit(err, sleep)
				continue
			}
			ack = modified
			currentPrice = aggressive
			d.logger.Info("order repriced", zap.String("symbol", symbol), zap.String("order_id", ack.OrderID), zap.String("price", aggressive.String()))
			if ack.IsFilled() {
				return ack, nil
			}
		}
	}
}

func (d *Driver) timeoutSnapshot(ctx context.Context, symbol string, side domain.OrderSide, qty decimal.Decimal, ack venue.OrderAck) (venue.OrderAck, error) {
	final, err := resilience.Exec(ctx, d.resilience, "get_order", func(ctx context.Context) (venue.OrderAck, error) {
		return d.client.GetOrder(ctx, ack.OrderID, symbol)
	})
	if err == nil {
		ack = final
	}
	d.alerts.Alert(alert.Format(alert.TagOrder, notFilledText(symbol, side, qty, ack)))
	d.logger.Warn("order not filled by deadline", zap.String("symbol", symbol), zap.String("side", string(side)), zap.String("order_id", ack.OrderID), zap.String("status", string(ack.Status)))
	if d.prom != nil {
		d.prom.OrdersTimedOut.Inc()
	}
	return ack, nil
}

func notFilledText(symbol string, side domain.OrderSide, qty decimal.Decimal, ack venue.OrderAck) string {
	return "order not filled: " + symbol + " " + string(side) + " qty=" + qty.String() +
		" last_price=" + ack.Price.String() + " status=" + string(ack.Status)
}

// aborts reports whether err should abort the monitoring loop immediately
// (circuit breaker open), returning the current snapshot to the caller.
func aborts(err error) bool {
	e, ok := err.(*errs.Error)
	return ok && e.VenueCode == "CIRCUIT_BREAKER_OPEN"
}

// extendOnRateLimit extends the next sleep on a rate-limit error, capped at
// RateLimitCap; any other transient error is tolerated and the loop
// continues at the normal poll interval.
func (d *Driver) extendOnRateLimit(err error, current time.Duration) time.Duration {
	e, ok := err.(*errs.Error)
	if !ok || !e.IsRateLimitError() {
		return d.cfg.PollInterval
	}
	next := current * 2
	if next > d.cfg.RateLimitCap {
		next = d.cfg.RateLimitCap
	}
	if next < d.cfg.PollInterval {
		next = d.cfg.PollInterval
	}
	return next
}

// aggressivePrice computes the next aggressive price per spec.md §4.4:
// SELL reprices to best_bid*0.999 rounded down to tick, BUY to
// best_ask*1.001 rounded up to tick.
func aggressivePrice(side domain.OrderSide, book venue.Book, tick decimal.Decimal) decimal.Decimal {
	if side == domain.Sell {
		return roundToTick(book.BestBid.Mul(sellAggressiveFactor), tick, false)
	}
	return roundToTick(book.BestAsk.Mul(buyAggressiveFactor), tick, true)
}

func roundToTick(price, tick decimal.Decimal, roundUp bool) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	units := price.Div(tick)
	if roundUp {
		units = units.Ceil()
	} else {
		units = units.Floor()
	}
	return units.Mul(tick)
}
