// Package domain holds the passive data model shared by every component:
// OptionContract, Leg, Position, PortfolioRiskMetrics and SessionState.
// Nothing in this package talks to the venue or mutates shared state across
// goroutines; it is pure types plus the small amount of arithmetic that
// follows directly from their invariants.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OptionSide identifies the chain side of a listed option.
type OptionSide string

const (
	Call OptionSide = "CALL"
	Put  OptionSide = "PUT"
)

// OrderSide is the intended direction of a leg's order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OptionContract is a passive snapshot of one listed option. It is refreshed
// on demand and never retained beyond the call that produced it.
type OptionContract struct {
	Symbol   string
	Side     OptionSide
	Strike   decimal.Decimal
	Expiry   time.Time
	BestBid  decimal.Decimal
	BestAsk  decimal.Decimal
	BidSize  decimal.Decimal
	AskSize  decimal.Decimal
}

// Leg is one of the four sides of an iron butterfly.
type Leg struct {
	Symbol   string
	Kind     OptionSide
	Strike   decimal.Decimal
	Quantity decimal.Decimal
	Side     OrderSide

	// EntryPrice is set exactly once, when the leg's opening order fills.
	// entrySet distinguishes "never filled" from "filled at zero" (the
	// zero value of decimal.Decimal is indistinguishable from a real
	// zero price otherwise).
	entryPrice decimal.Decimal
	entrySet   bool

	CurrentPrice decimal.Decimal
	OrderID      string
}

// HasEntry reports whether the leg's opening order has filled.
func (l *Leg) HasEntry() bool { return l.entrySet }

// EntryPrice returns the immutable fill price. Callers must check HasEntry
// first; calling this on an unfilled leg returns the zero decimal.
func (l *Leg) EntryPrice() decimal.Decimal { return l.entryPrice }

// SetEntryPrice sets the entry price exactly once. A second call is a no-op:
// entry price, once set, is immutable until the position closes (spec
// invariant on Leg).
func (l *Leg) SetEntryPrice(price decimal.Decimal) {
	if l.entrySet {
		return
	}
	l.entryPrice = price
	l.entrySet = true
}

// PnL is (current-entry)*qty, sign-flipped for SELL legs. An unfilled leg
// contributes zero.
func (l *Leg) PnL() decimal.Decimal {
	if !l.entrySet {
		return decimal.Zero
	}
	diff := l.CurrentPrice.Sub(l.entryPrice)
	pnl := diff.Mul(l.Quantity)
	if l.Side == Sell {
		pnl = pnl.Neg()
	}
	return pnl
}

// PositionStatus is a Position's lifecycle state. Terminal once not OPEN.
type PositionStatus string

const (
	StatusOpen          PositionStatus = "OPEN"
	StatusClosedProfit  PositionStatus = "CLOSED_PROFIT"
	StatusClosedLoss    PositionStatus = "CLOSED_LOSS"
	StatusClosedRisk    PositionStatus = "CLOSED_RISK"
)

// IsTerminal reports whether the status admits no further transition.
func (s PositionStatus) IsTerminal() bool { return s != StatusOpen }

// Position is the aggregate of exactly four legs forming an iron butterfly:
// SellCall/SellPut at the common ATM strike K, BuyCall/BuyPut at the wings.
type Position struct {
	ID        string
	SellCall  *Leg
	SellPut   *Leg
	BuyCall   *Leg
	BuyPut    *Leg
	Expiry    time.Time
	Quantity  decimal.Decimal
	CreatedAt time.Time

	status  PositionStatus
	MaxLoss decimal.Decimal
}

// NewPosition validates the four-leg strike ordering (SellCall and SellPut
// share a strike, BuyCall above it, BuyPut below it) and materialises a
// Position with a random, globally unique id (spec invariant: ids never
// collide). Leg quantities are not compared with qty; the position carries
// a single Expiry for all four legs.
func NewPosition(sellCall, sellPut, buyCall, buyPut *Leg, expiry time.Time, qty decimal.Decimal, now time.Time) (*Position, error) {
	if !sellCall.Strike.Equal(sellPut.Strike) {
		return nil, errInvariant("SellCall and SellPut must share a strike")
	}
	if !buyCall.Strike.GreaterThan(sellCall.Strike) {
		return nil, errInvariant("BuyCall.strike must exceed the ATM strike")
	}
	if !buyPut.Strike.LessThan(sellPut.Strike) {
		return nil, errInvariant("BuyPut.strike must be below the ATM strike")
	}
	return &Position{
		ID:        uuid.NewString(),
		SellCall:  sellCall,
		SellPut:   sellPut,
		BuyCall:   buyCall,
		BuyPut:    buyPut,
		Expiry:    expiry,
		Quantity:  qty,
		CreatedAt: now,
		status:    StatusOpen,
	}, nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

// Status returns the current lifecycle status.
func (p *Position) Status() PositionStatus { return p.status }

// Close transitions the position to a terminal status. A position already
// terminal never transitions back to OPEN or to a different terminal value;
// the call is a no-op once terminal.
func (p *Position) Close(status PositionStatus) {
	if p.status.IsTerminal() {
		return
	}
	p.status = status
}

// Legs returns the four legs in a fixed order: SellCall, SellPut, BuyCall, BuyPut.
func (p *Position) Legs() []*Leg {
	return []*Leg{p.SellCall, p.SellPut, p.BuyCall, p.BuyPut}
}

// FilledLegCount reports how many of the four legs have a recorded entry price.
func (p *Position) FilledLegCount() int {
	n := 0
	for _, l := range p.Legs() {
		if l.HasEntry() {
			n++
		}
	}
	return n
}

// NetPremium is the aggregate credit on the two short legs minus the
// aggregate debit on the two long legs. A leg that never filled contributes
// zero premium.
func (p *Position) NetPremium() decimal.Decimal {
	credit := decimal.Zero
	debit := decimal.Zero
	if p.SellCall.HasEntry() {
		credit = credit.Add(p.SellCall.EntryPrice().Mul(p.SellCall.Quantity))
	}
	if p.SellPut.HasEntry() {
		credit = credit.Add(p.SellPut.EntryPrice().Mul(p.SellPut.Quantity))
	}
	if p.BuyCall.HasEntry() {
		debit = debit.Add(p.BuyCall.EntryPrice().Mul(p.BuyCall.Quantity))
	}
	if p.BuyPut.HasEntry() {
		debit = debit.Add(p.BuyPut.EntryPrice().Mul(p.BuyPut.Quantity))
	}
	return credit.Sub(debit)
}

// ComputeMaxLoss caches and returns the worst-case loss at expiry: wing width
// times quantity, minus net premium received. Call after all four legs have
// been attempted (spec §4.3 step 7).
func (p *Position) ComputeMaxLoss() decimal.Decimal {
	wingWidth := p.BuyCall.Strike.Sub(p.SellCall.Strike)
	loss := wingWidth.Mul(p.Quantity).Sub(p.NetPremium())
	p.MaxLoss = loss
	return loss
}

// PnL sums the per-leg P&L across all four legs.
func (p *Position) PnL() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.Legs() {
		total = total.Add(l.PnL())
	}
	return total
}

// PortfolioRiskMetrics is a derived, never-stored snapshot computed fresh on
// every risk tick.
type PortfolioRiskMetrics struct {
	TotalMaxLoss   decimal.Decimal
	TotalMTM       decimal.Decimal
	OpenPositions  int
}

// SessionState is the Session Controller's lifecycle state.
type SessionState int32

const (
	SessionWaiting SessionState = iota
	SessionActive
	SessionEnded
)

func (s SessionState) String() string {
	switch s {
	case SessionWaiting:
		return "WAITING"
	case SessionActive:
		return "ACTIVE"
	case SessionEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}
