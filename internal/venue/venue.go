// Package venue defines the narrow, semantic interface the engine requires
// of the options venue's HTTP API (spec.md §6). The core depends only on
// the Client interface; HTTPClient (httpclient.go) is the reference
// implementation that cmd/ironfly wires in, doing the HTTP transport and
// JSON decoding itself and delegating request signing to a Signer hook.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ironfly-systems/butterfly-engine/internal/domain"
)

// OrderStatus mirrors the venue's reported order lifecycle state.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// OrderAck is the common response shape for place/modify/cancel/get order
// calls (spec.md §6).
type OrderAck struct {
	OrderID      string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal
	OriginalQty  decimal.Decimal
	Price        decimal.Decimal
}

// IsFilled reports whether the ack represents a fully filled order.
func (a OrderAck) IsFilled() bool {
	return a.Status == OrderFilled || (a.FilledQty.GreaterThanOrEqual(a.OriginalQty) && a.OriginalQty.IsPositive())
}

// Book is a top-of-book snapshot.
type Book struct {
	Symbol  string
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	BidSize decimal.Decimal
	AskSize decimal.Decimal
}

// Signer produces a hex HMAC signature over a canonicalised query string.
// The signing scheme itself is venue-specific and out of scope (spec.md §6);
// the engine only calls this hook.
type Signer func(query string) string

// Client is the semantic venue options API the engine depends on.
type Client interface {
	GetReferencePrice(ctx context.Context) (decimal.Decimal, error)
	GetOptionsChain(ctx context.Context, expiry time.Time) ([]domain.OptionContract, error)
	GetBook(ctx context.Context, symbol string, depth int) (Book, error)

	PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (OrderAck, error)
	ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (OrderAck, error)
	GetOrder(ctx context.Context, orderID, symbol string) (OrderAck, error)
}
