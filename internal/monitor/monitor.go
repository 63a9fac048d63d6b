// Package monitor implements the Position Monitor (spec.md §4.5): it owns
// the open-position set under a single mutex, refreshes every leg's top of
// book at 1 Hz, and recomputes per-leg / per-position P&L. It never mutates
// Position status — only the Closer does — and it never imports the risk
// engine (spec.md §9's one-way redesign): each tick's snapshot is published
// on a channel for the Risk Engine to consume.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/resilience"
	"github.com/ironfly-systems/butterfly-engine/internal/venue"
)

// Snapshot is published once per tick, one per open position, for the Risk
// Engine to consume.
type Snapshot struct {
	Position *domain.Position
	Tick     time.Time
}

// Registry owns the open-position set. Exactly one mutex guards it, per
// spec.md §5; readers copy out what they need rather than holding the lock.
type Registry struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{positions: make(map[string]*domain.Position)}
}

// Register transfers ownership of a newly built position into the registry
// (spec.md §3: "the Builder creates positions and transfers ownership on
// registration").
func (r *Registry) Register(p *domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.ID] = p
}

// Open returns a snapshot slice of all currently OPEN positions.
func (r *Registry) Open() []*domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Position, 0, len(r.positions))
	for _, p := range r.positions {
		if p.Status() == domain.StatusOpen {
			out = append(out, p)
		}
	}
	return out
}

// All returns every position the registry has ever seen.
func (r *Registry) All() []*domain.Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Position, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, p)
	}
	return out
}

// Monitor drives the 1 Hz tick (spec.md §4.5).
type Monitor struct {
	registry   *Registry
	client     venue.Client
	resilience *resilience.Wrapper
	logger     *zap.Logger
	interval   time.Duration

	// priceCache is the shared current-price cache keyed by symbol (spec.md
	// §5's second shared structure): written only here, read through
	// CachedPrice. A plain sync.Map fits this access pattern — the
	// teacher's patrickmn/go-cache is TTL-eviction oriented and would be the
	// wrong tool for a value that is overwritten every tick and never
	// expires (see DESIGN.md).
	priceCache sync.Map // symbol -> domain's price type (decimal.Decimal), boxed

	snapshots chan Snapshot

	stop chan struct{}
	done chan struct{}
}

// New builds a Monitor. snapshotBuf sizes the per-tick publish channel; the
// Risk Engine is expected to drain it every tick.
func New(registry *Registry, client venue.Client, w *resilience.Wrapper, logger *zap.Logger, interval time.Duration, snapshotBuf int) *Monitor {
	return &Monitor{
		registry:   registry,
		client:     client,
		resilience: w,
		logger:     logger,
		interval:   interval,
		snapshots:  make(chan Snapshot, snapshotBuf),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Snapshots returns the channel the Risk Engine consumes per-tick snapshots
// from.
func (m *Monitor) Snapshots() <-chan Snapshot { return m.snapshots }

// Run ticks once per configured interval until ctx is cancelled or Stop is
// called.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.tick(ctx, now)
		}
	}
}

// Stop requests the monitor to terminate and blocks until it has.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

func (m *Monitor) tick(ctx context.Context, now time.Time) {
	for _, pos := range m.registry.Open() {
		for _, leg := range pos.Legs() {
			if leg.Symbol == "" {
				continue
			}
			price, err := m.refreshPrice(ctx, leg.Symbol, leg.Side)
			if err != nil {
				m.logger.Warn("price refresh failed, skipping symbol this tick",
					zap.String("symbol", leg.Symbol), zap.Error(err))
				continue
			}
			leg.CurrentPrice = price
		}
		select {
		case m.snapshots <- Snapshot{Position: pos, Tick: now}:
		default:
			m.logger.Warn("risk engine snapshot channel full, dropping tick for position", zap.String("position_id", pos.ID))
		}
	}
}

// refreshPrice fetches one symbol's top of book and returns the leg-relevant
// side: best bid for SELL legs (the price at which you buy back), best ask
// for BUY legs (spec.md §4.5 step 2). Every call queries the venue; repeated
// lookups of one symbol within a tick are not coalesced. The result is
// stored in priceCache.
func (m *Monitor) refreshPrice(ctx context.Context, symbol string, side domain.OrderSide) (decimal.Decimal, error) {
	book, err := resilience.Exec(ctx, m.resilience, "get_book", func(ctx context.Context) (venue.Book, error) {
		return m.client.GetBook(ctx, symbol, 1)
	})
	if err != nil {
		return decimal.Zero, err
	}
	var p decimal.Decimal
	if side == domain.Sell {
		p = book.BestBid
	} else {
		p = book.BestAsk
	}
	m.priceCache.Store(symbol, p)
	return p, nil
}

// CachedPrice returns the last price the Monitor observed for symbol, if any.
func (m *Monitor) CachedPrice(symbol string) (decimal.Decimal, bool) {
	v, ok := m.priceCache.Load(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return v.(decimal.Decimal), true
}
