package closer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/filldriver"
	"github.com/ironfly-systems/butterfly-engine/internal/monitor"
	"github.com/ironfly-systems/butterfly-engine/internal/resilience"
	"github.com/ironfly-systems/butterfly-engine/internal/venue"
)

type fakeClient struct {
	bid, ask decimal.Decimal
	fills    bool
}

func (f fakeClient) GetReferencePrice(ctx context.Context) (decimal.Decimal, error) { return decimal.Zero, nil }
func (f fakeClient) GetOptionsChain(ctx context.Context, expiry time.Time) ([]domain.OptionContract, error) {
	return nil, nil
}
func (f fakeClient) GetBook(ctx context.Context, symbol string, depth int) (venue.Book, error) {
	return venue.Book{BestBid: f.bid, BestAsk: f.ask}, nil
}
func (f fakeClient) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (venue.OrderAck, error) {
	status := venue.OrderNew
	filled := decimal.Zero
	if f.fills {
		status = venue.OrderFilled
		filled = qty
	}
	return venue.OrderAck{OrderID: "o1", Status: status, OriginalQty: qty, FilledQty: filled, AvgPrice: price, Price: price}, nil
}
func (f fakeClient) ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (venue.OrderAck, error) {
	return venue.OrderAck{OrderID: orderID, Status: venue.OrderNew, OriginalQty: qty, Price: price}, nil
}
func (f fakeClient) CancelOrder(ctx context.Context, orderID, symbol string) (venue.OrderAck, error) {
	return venue.OrderAck{}, nil
}
func (f fakeClient) GetOrder(ctx context.Context, orderID, symbol string) (venue.OrderAck, error) {
	status := venue.OrderNew
	if f.fills {
		status = venue.OrderFilled
	}
	return venue.OrderAck{OrderID: orderID, Status: status}, nil
}

type nopSink struct{}

func (nopSink) Alert(string)  {}
func (nopSink) Notify(string) {}

func samplePosition(t *testing.T) *domain.Position {
	t.Helper()
	sc := &domain.Leg{Symbol: "SC", Kind: domain.Call, Strike: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Side: domain.Sell}
	sp := &domain.Leg{Symbol: "SP", Kind: domain.Put, Strike: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Side: domain.Sell}
	bc := &domain.Leg{Symbol: "BC", Kind: domain.Call, Strike: decimal.NewFromInt(110), Quantity: decimal.NewFromInt(1), Side: domain.Buy}
	bp := &domain.Leg{Symbol: "BP", Kind: domain.Put, Strike: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(1), Side: domain.Buy}
	pos, err := domain.NewPosition(sc, sp, bc, bp, time.Now().Add(time.Hour), decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)
	sc.SetEntryPrice(decimal.NewFromFloat(3))
	sp.SetEntryPrice(decimal.NewFromFloat(3))
	bc.SetEntryPrice(decimal.NewFromFloat(1))
	bp.SetEntryPrice(decimal.NewFromFloat(1))
	return pos
}

func newTestCloser(client venue.Client) *Closer {
	logger := zap.NewNop()
	alerts := alert.NewSafeSink(nopSink{}, logger)
	w := resilience.New("test", resilience.DefaultConfig(), logger, alerts)
	driver := filldriver.New(client, w, logger, alerts, filldriver.Config{
		PollInterval: time.Millisecond, OrderDeadline: 50 * time.Millisecond, TickSize: decimal.NewFromFloat(0.01), RateLimitCap: time.Second,
	})
	registry := monitor.NewRegistry()
	mon := monitor.New(registry, client, w, logger, time.Second, 4)
	return New(driver, client, w, mon, logger, alerts)
}

func TestClose_FlattensAllFilledLegs(t *testing.T) {
	client := fakeClient{bid: decimal.NewFromFloat(2), ask: decimal.NewFromFloat(2.2), fills: true}
	c := newTestCloser(client)
	pos := samplePosition(t)

	failures := c.Close(context.Background(), nil, pos, domain.StatusClosedProfit, "target hit")
	assert.Empty(t, failures)
	assert.Equal(t, domain.StatusClosedProfit, pos.Status())
}

func TestClose_SkipsUnfilledLegs(t *testing.T) {
	client := fakeClient{bid: decimal.NewFromFloat(2), ask: decimal.NewFromFloat(2.2), fills: true}
	c := newTestCloser(client)

	sc := &domain.Leg{Symbol: "SC", Kind: domain.Call, Strike: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Side: domain.Sell}
	sp := &domain.Leg{Symbol: "SP", Kind: domain.Put, Strike: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(1), Side: domain.Sell}
	bc := &domain.Leg{Symbol: "BC", Kind: domain.Call, Strike: decimal.NewFromInt(110), Quantity: decimal.NewFromInt(1), Side: domain.Buy}
	bp := &domain.Leg{Symbol: "BP", Kind: domain.Put, Strike: decimal.NewFromInt(90), Quantity: decimal.NewFromInt(1), Side: domain.Buy}
	pos, err := domain.NewPosition(sc, sp, bc, bp, time.Now().Add(time.Hour), decimal.NewFromInt(1), time.Now())
	require.NoError(t, err)
	// no legs filled

	failures := c.Close(context.Background(), nil, pos, domain.StatusClosedRisk, "flatten")
	assert.Empty(t, failures, "no leg had entry, so none should be attempted or fail")
	assert.Equal(t, domain.StatusClosedRisk, pos.Status())
}

func TestClose_CollectsLegFailuresWithoutAbortingOthers(t *testing.T) {
	client := fakeClient{bid: decimal.NewFromFloat(2), ask: decimal.NewFromFloat(2.2), fills: false}
	c := newTestCloser(client)
	pos := samplePosition(t)

	failures := c.Close(context.Background(), nil, pos, domain.StatusClosedLoss, "stop-loss")
	assert.Len(t, failures, 4, "every filled leg fails to close when the venue never fills")
	assert.Equal(t, domain.StatusClosedLoss, pos.Status(), "position is still marked terminal despite leg failures")
}

func TestCloseAll_IteratesOpenPositions(t *testing.T) {
	client := fakeClient{bid: decimal.NewFromFloat(2), ask: decimal.NewFromFloat(2.2), fills: true}
	c := newTestCloser(client)
	registry := monitor.NewRegistry()
	pos1 := samplePosition(t)
	pos2 := samplePosition(t)
	registry.Register(pos1)
	registry.Register(pos2)

	c.CloseAll(context.Background(), nil, registry, "portfolio stop-loss")

	assert.True(t, pos1.Status().IsTerminal())
	assert.True(t, pos2.Status().IsTerminal())
}
