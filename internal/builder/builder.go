// Package builder implements the Butterfly Builder (spec.md §4.3): it
// discovers ATM/OTM strikes from the live chain, fans the four leg orders
// out concurrently through the Fill Driver, and materialises a Position.
package builder

import (
	"context"
	"sort"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/filldriver"
	"github.com/ironfly-systems/butterfly-engine/internal/monitor"
	"github.com/ironfly-systems/butterfly-engine/internal/resilience"
	"github.com/ironfly-systems/butterfly-engine/internal/venue"
)

// Config holds the operator-configured leg quantity and strike-distance
// parameter (spec.md §6).
type Config struct {
	Quantity       decimal.Decimal
	StrikeDistance int64 // d, in strike-grid units
}

// Builder runs one buildOne() cycle at a time.
type Builder struct {
	client     venue.Client
	driver     *filldriver.Driver
	resilience *resilience.Wrapper
	registry   *monitor.Registry
	logger     *zap.Logger
	alerts     *alert.SafeSink
	cfg        Config

	// legPool bounds the four concurrent leg-order goroutines per in-flight
	// cycle (spec.md §5: "<=4 per in-progress cycle"). Grounded on the
	// teacher's panjf2000/ants/v2 worker pool
	// (internal/architecture/fx/workerpool/worker_pool.go), repurposed here
	// from generic task dispatch to bounding leg-order fan-out.
	legPool *ants.Pool
}

// New builds a Builder. legPoolSize should be a small multiple of 4 (one
// slot per in-flight leg across concurrently running cycles).
func New(client venue.Client, driver *filldriver.Driver, w *resilience.Wrapper, registry *monitor.Registry, logger *zap.Logger, alerts *alert.SafeSink, cfg Config, legPoolSize int) (*Builder, error) {
	pool, err := ants.NewPool(legPoolSize)
	if err != nil {
		return nil, err
	}
	return &Builder{client: client, driver: driver, resilience: w, registry: registry, logger: logger, alerts: alerts, cfg: cfg, legPool: pool}, nil
}

// Close releases the leg-order worker pool.
func (b *Builder) Close() { b.legPool.Release() }

type legResult struct {
	leg *domain.Leg
	ack venue.OrderAck
	err error
}

// BuildOne runs one Butterfly Builder cycle (spec.md §4.3). Market-data or
// strike-selection failure fails the whole cycle with no partial position;
// order-submission failures are localized and yield an incomplete position.
func (b *Builder) BuildOne(ctx context.Context, cancel <-chan struct{}) error {
	spot, err := resilience.Exec(ctx, b.resilience, "get_reference_price", func(ctx context.Context) (decimal.Decimal, error) {
		return b.client.GetReferencePrice(ctx)
	})
	if err != nil {
		return err
	}

	expiry, err := b.earliestExpiry(ctx)
	if err != nil {
		return err
	}

	chain, err := resilience.Exec(ctx, b.resilience, "get_options_chain", func(ctx context.Context) ([]domain.OptionContract, error) {
		return b.client.GetOptionsChain(ctx, expiry)
	})
	if err != nil {
		return err
	}

	atmCall, atmPut, otmCall, otmPut, err := selectStrikes(chain, spot, b.cfg.StrikeDistance)
	if err != nil {
		// Retry once on a strike mismatch before failing the cycle (spec.md
		// §4.3 step 3).
		chain, err = resilience.Exec(ctx, b.resilience, "get_options_chain", func(ctx context.Context) ([]domain.OptionContract, error) {
			return b.client.GetOptionsChain(ctx, expiry)
		})
		if err != nil {
			return err
		}
		atmCall, atmPut, otmCall, otmPut, err = selectStrikes(chain, spot, b.cfg.StrikeDistance)
		if err != nil {
			return err
		}
	}

	legSpecs := []struct {
		contract domain.OptionContract
		side     domain.OrderSide
		price    decimal.Decimal
	}{
		{atmCall, domain.Sell, atmCall.BestBid},
		{atmPut, domain.Sell, atmPut.BestBid},
		{otmCall, domain.Buy, otmCall.BestAsk},
		{otmPut, domain.Buy, otmPut.BestAsk},
	}

	results := make(chan legResult, len(legSpecs))
	for _, spec := range legSpecs {
		spec := spec
		leg := &domain.Leg{
			Symbol:   spec.contract.Symbol,
			Kind:     spec.contract.Side,
			Strike:   spec.contract.Strike,
			Quantity: b.cfg.Quantity,
			Side:     spec.side,
		}
		submitErr := b.legPool.Submit(func() {
			ack, err := b.driver.Drive(ctx, cancel, leg.Symbol, leg.Side, leg.Quantity, spec.price)
			results <- legResult{leg: leg, ack: ack, err: err}
		})
		if submitErr != nil {
			results <- legResult{leg: leg, err: submitErr}
		}
	}

	var sellCall, sellPut, buyCall, buyPut *domain.Leg
	filled := 0
	for i := 0; i < len(legSpecs); i++ {
		r := <-results
		if r.err == nil {
			r.leg.OrderID = r.ack.OrderID
			if r.ack.IsFilled() {
				r.leg.SetEntryPrice(r.ack.AvgPrice)
				filled++
			}
		} else {
			b.logger.Warn("leg order failed", zap.String("symbol", r.leg.Symbol), zap.Error(r.err))
		}
		switch {
		case r.leg.Side == domain.Sell && r.leg.Kind == domain.Call:
			sellCall = r.leg
		case r.leg.Side == domain.Sell && r.leg.Kind == domain.Put:
			sellPut = r.leg
		case r.leg.Side == domain.Buy && r.leg.Kind == domain.Call:
			buyCall = r.leg
		case r.leg.Side == domain.Buy && r.leg.Kind == domain.Put:
			buyPut = r.leg
		}
	}

	position, err := domain.NewPosition(sellCall, sellPut, buyCall, buyPut, expiry, b.cfg.Quantity, time.Now())
	if err != nil {
		return err
	}
	position.ComputeMaxLoss()
	b.registry.Register(position)

	b.logger.Info("position created", zap.String("position_id", position.ID), zap.Int("filled_legs", filled))
	if filled < 4 {
		b.alerts.Alert(alert.Format(alert.TagPosition, "partial butterfly: "+position.ID))
	}
	return nil
}

// earliestExpiry returns today's date (midnight UTC) as the expiry to fetch.
// The venue port only exposes chain-by-expiry, so no later expiry is tried
// when the venue lists none for today; venue.Client has no list-expiries
// operation to discover one.
func (b *Builder) earliestExpiry(ctx context.Context) (time.Time, error) {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
}

// selectStrikes implements spec.md §4.3 step 3.
func selectStrikes(chain []domain.OptionContract, spot decimal.Decimal, d int64) (atmCall, atmPut, otmCall, otmPut domain.OptionContract, err error) {
	var calls, puts []domain.OptionContract
	for _, c := range chain {
		if c.Side == domain.Call {
			calls = append(calls, c)
		} else {
			puts = append(puts, c)
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].Strike.LessThan(calls[j].Strike) })
	sort.Slice(puts, func(i, j int) bool { return puts[i].Strike.LessThan(puts[j].Strike) })

	atmCallIdx, ok := nearestStrike(calls, spot)
	if !ok {
		return domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, errNoChain("no calls in chain")
	}
	atmPutIdx, ok := nearestStrike(puts, spot)
	if !ok {
		return domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, errNoChain("no puts in chain")
	}
	atmCall = calls[atmCallIdx]
	atmPut = puts[atmPutIdx]
	if !atmCall.Strike.Equal(atmPut.Strike) {
		return domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, errNoChain("ATM call/put strikes do not match")
	}
	k := atmCall.Strike

	delta := modalSpacing(calls)
	minWing := delta.Mul(decimal.NewFromInt(d))

	otmCallFound := false
	for _, c := range calls {
		if c.Strike.GreaterThan(k) && c.Strike.Sub(k).GreaterThanOrEqual(minWing) {
			otmCall = c
			otmCallFound = true
			break
		}
	}
	if !otmCallFound {
		return domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, errNoChain("no OTM call at required wing distance")
	}

	otmPutFound := false
	for i := len(puts) - 1; i >= 0; i-- {
		p := puts[i]
		if p.Strike.LessThan(k) && k.Sub(p.Strike).GreaterThanOrEqual(minWing) {
			otmPut = p
			otmPutFound = true
			break
		}
	}
	if !otmPutFound {
		return domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, domain.OptionContract{}, errNoChain("no OTM put at required wing distance")
	}

	return atmCall, atmPut, otmCall, otmPut, nil
}

// nearestStrike returns the index of the contract whose strike minimises
// |strike-spot|, ties broken toward the smaller strike.
func nearestStrike(contracts []domain.OptionContract, spot decimal.Decimal) (int, bool) {
	if len(contracts) == 0 {
		return 0, false
	}
	best := 0
	bestDiff := contracts[0].Strike.Sub(spot).Abs()
	for i := 1; i < len(contracts); i++ {
		diff := contracts[i].Strike.Sub(spot).Abs()
		if diff.LessThan(bestDiff) || (diff.Equal(bestDiff) && contracts[i].Strike.LessThan(contracts[best].Strike)) {
			best = i
			bestDiff = diff
		}
	}
	return best, true
}

// modalSpacing infers the options chain's strike-grid spacing Δ as the most
// common gap between adjacent sorted strikes (spec.md §4.3; open question in
// spec.md §9 resolved in favor of inference over a hardcoded constant).
func modalSpacing(sorted []domain.OptionContract) decimal.Decimal {
	if len(sorted) < 2 {
		return decimal.NewFromInt(1)
	}
	counts := make(map[string]int)
	gaps := make(map[string]decimal.Decimal)
	for i := 1; i < len(sorted); i++ {
		gap := sorted[i].Strike.Sub(sorted[i-1].Strike)
		if !gap.IsPositive() {
			continue
		}
		key := gap.String()
		counts[key]++
		gaps[key] = gap
	}
	var modeKey string
	best := 0
	for k, c := range counts {
		if c > best {
			best = c
			modeKey = k
		}
	}
	if modeKey == "" {
		return decimal.NewFromInt(1)
	}
	return gaps[modeKey]
}

type chainError string

func (e chainError) Error() string { return string(e) }
func errNoChain(msg string) error  { return chainError(msg) }
