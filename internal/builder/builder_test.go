package builder

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

func contract(symbol string, side domain.OptionSide, strike, bid, ask string) domain.OptionContract {
	return domain.OptionContract{
		Symbol: symbol, Side: side,
		Strike: mustDecimal(strike), BestBid: mustDecimal(bid), BestAsk: mustDecimal(ask),
	}
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func sampleChain() []domain.OptionContract {
	var chain []domain.OptionContract
	strikes := []string{"80", "90", "95", "100", "105", "110", "120"}
	for _, s := range strikes {
		chain = append(chain, contract("C"+s, domain.Call, s, "1.00", "1.10"))
		chain = append(chain, contract("P"+s, domain.Put, s, "1.00", "1.10"))
	}
	return chain
}

func TestSelectStrikes_PicksATMAndWings(t *testing.T) {
	chain := sampleChain()
	atmCall, atmPut, otmCall, otmPut, err := selectStrikes(chain, mustDecimal("100"), 2)
	require.NoError(t, err)

	assert.True(t, atmCall.Strike.Equal(mustDecimal("100")))
	assert.True(t, atmPut.Strike.Equal(mustDecimal("100")))
	// modal spacing is 5 (80,90,95,100,105,110,120 -> most common gap is 5),
	// so distance 2 requires wings >= 10 away: call wing >= 110, put wing <= 90.
	assert.True(t, otmCall.Strike.GreaterThanOrEqual(mustDecimal("110")))
	assert.True(t, otmPut.Strike.LessThanOrEqual(mustDecimal("90")))
}

func TestSelectStrikes_NoCallsInChain(t *testing.T) {
	var chain []domain.OptionContract
	chain = append(chain, contract("P100", domain.Put, "100", "1", "1.1"))
	_, _, _, _, err := selectStrikes(chain, mustDecimal("100"), 1)
	assert.Error(t, err)
}

func TestSelectStrikes_NoWingAtRequiredDistance(t *testing.T) {
	chain := sampleChain()
	_, _, _, _, err := selectStrikes(chain, mustDecimal("100"), 100)
	assert.Error(t, err, "no strike is 100 grid-units away from ATM in this chain")
}

func TestModalSpacing_MostCommonGap(t *testing.T) {
	chain := []domain.OptionContract{
		contract("A", domain.Call, "10", "0", "0"),
		contract("B", domain.Call, "15", "0", "0"),
		contract("C", domain.Call, "20", "0", "0"),
		contract("D", domain.Call, "30", "0", "0"),
	}
	// gaps: 5, 5, 10 -> mode is 5
	assert.True(t, modalSpacing(chain).Equal(mustDecimal("5")))
}

type fakeVenueClient struct {
	chain []domain.OptionContract
}

func (f fakeVenueClient) GetReferencePrice(ctx context.Context) (decimal.Decimal, error) {
	return mustDecimal("100"), nil
}
func (f fakeVenueClient) GetOptionsChain(ctx context.Context, expiry time.Time) ([]domain.OptionContract, error) {
	return f.chain, nil
}
func (f fakeVenueClient) GetBook(ctx context.Context, symbol string, depth int) (venue.Book, error) {
	return venue.Book{BestBid: mustDecimal("1"), BestAsk: mustDecimal("1.1")}, nil
}
func (f fakeVenueClient) PlaceOrder(ctx context.Context, symbol string, side domain.OrderSide, qty, price decimal.Decimal) (venue.OrderAck, error) {
	return venue.OrderAck{OrderID: "o-" + symbol, Status: venue.OrderFilled, OriginalQty: qty, FilledQty: qty, AvgPrice: price, Price: price}, nil
}
func (f fakeVenueClient) ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (venue.OrderAck, error) {
	return venue.OrderAck{OrderID: orderID, Status: venue.OrderFilled, OriginalQty: qty, FilledQty: qty, AvgPrice: price}, nil
}
func (f fakeVenueClient) CancelOrder(ctx context.Context, orderID, symbol string) (venue.OrderAck, error) {
	return venue.OrderAck{}, nil
}
func (f fakeVenueClient) GetOrder(ctx context.Context, orderID, symbol string) (venue.OrderAck, error) {
	return venue.OrderAck{OrderID: orderID, Status: venue.OrderFilled}, nil
}

type nopSink struct{}

func (nopSink) Alert(string)  {}
func (nopSink) Notify(string) {}

func TestBuildOne_CreatesFullyFilledPosition(t *testing.T) {
	client := fakeVenueClient{chain: sampleChain()}
	logger := zap.NewNop()
	alerts := alert.NewSafeSink(nopSink{}, logger)
	w := resilience.New("test", resilience.DefaultConfig(), logger, alerts)
	registry := monitor.NewRegistry()
	driver := filldriver.New(client, w, logger, alerts, filldriver.Config{
		PollInterval: time.Millisecond, OrderDeadline: 50 * time.Millisecond, TickSize: mustDecimal("0.01"), RateLimitCap: time.Second,
	})

	b, err := New(client, driver, w, registry, logger, alerts, Config{Quantity: mustDecimal("1"), StrikeDistance: 2}, 4)
	require.NoError(t, err)
	defer b.Close()

	err = b.BuildOne(context.Background(), nil)
	require.NoError(t, err)

	open := registry.Open()
	require.Len(t, open, 1)
	assert.Equal(t, 4, open[0].FilledLegCount())
}
