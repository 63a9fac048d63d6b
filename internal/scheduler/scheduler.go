// Package scheduler implements the Cycle Scheduler (spec.md §4.2): it fires
// N butterfly-build cycles at a fixed interval within the session window,
// the first tick immediate, never overlapping a cycle still in flight, and
// stops early if the portfolio stop-loss latches or the session stops being
// ACTIVE.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/metrics"
)

// Config holds the operator-configured cycle count and interval (spec.md §6).
type Config struct {
	CycleCount    int
	CycleInterval time.Duration
}

// Builder is the narrow slice of the Butterfly Builder the scheduler drives.
type Builder interface {
	BuildOne(ctx context.Context, cancel <-chan struct{}) error
}

// StopCondition reports whether the scheduler must stop issuing new cycles
// (portfolio stop-loss latch, or session no longer ACTIVE).
type StopCondition func() bool

// Scheduler runs the fixed-count, fixed-interval cycle loop.
type Scheduler struct {
	builder Builder
	logger  *zap.Logger
	alerts  *alert.SafeSink
	cfg     Config
	stop    StopCondition
	metrics *metrics.Registry

	cycleIndex int
}

// New builds a Scheduler.
func New(builder Builder, logger *zap.Logger, alerts *alert.SafeSink, cfg Config, stop StopCondition) *Scheduler {
	return &Scheduler{builder: builder, logger: logger, alerts: alerts, cfg: cfg, stop: stop}
}

// SetMetrics attaches the Prometheus registry the scheduler reports cycle
// progress and outcome counts to. Optional: a nil registry is a no-op.
func (s *Scheduler) SetMetrics(m *metrics.Registry) { s.metrics = m }

// CycleIndex returns the 1-based index of the most recently started cycle
// (0 before the first cycle starts).
func (s *Scheduler) CycleIndex() int { return s.cycleIndex }

// Run drives cfg.CycleCount cycles, the first immediate, each subsequent one
// CycleInterval after the previous cycle *completes* (never overlapping),
// per spec.md §4.2 and §5 ("at most one cycle in flight"). Returns early,
// before exhausting CycleCount, if ctx is cancelled or stop() reports true.
func (s *Scheduler) Run(ctx context.Context, cancel <-chan struct{}) {
	if s.metrics != nil {
		s.metrics.CycleTotal.Set(float64(s.cfg.CycleCount))
	}
	for i := 1; i <= s.cfg.CycleCount; i++ {
		if ctx.Err() != nil || s.stop() {
			s.logger.Info("cycle scheduler stopping early", zap.Int("completed", i-1), zap.Int("total", s.cfg.CycleCount))
			return
		}

		s.cycleIndex = i
		if s.metrics != nil {
			s.metrics.CycleIndex.Set(float64(i))
		}
		start := time.Now()
		if err := s.builder.BuildOne(ctx, cancel); err != nil {
			s.logger.Warn("cycle failed", zap.Int("cycle_index", i), zap.Error(err))
			s.alerts.Alert(alert.Format(alert.TagCycle, "cycle build failed"))
			if s.metrics != nil {
				s.metrics.CyclesFailed.Inc()
			}
		} else {
			s.logger.Info("cycle completed", zap.Int("cycle_index", i), zap.Int("cycle_total", s.cfg.CycleCount), zap.Duration("elapsed", time.Since(start)))
			if s.metrics != nil {
				s.metrics.CyclesCompleted.Inc()
			}
		}

		if i == s.cfg.CycleCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-cancel:
			return
		case <-time.After(s.cfg.CycleInterval):
		}
	}
}
