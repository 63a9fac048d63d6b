// Package shutdown implements the Shutdown Coordinator (spec.md §4.9): a
// single-fire graceful-or-emergency stop sequence with a bounded close
// deadline, the only place in the engine allowed to call os.Exit (spec.md §9
// Design Note).
package shutdown

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/logging"
	"github.com/ironfly-systems/butterfly-engine/internal/monitor"
)

// Closer is the narrow slice of the Closer the coordinator depends on to
// flatten every remaining open position on the way out.
type Closer interface {
	CloseAll(ctx context.Context, cancel <-chan struct{}, registry *monitor.Registry, reason string)
}

// Config holds the spec.md §6 close deadline.
type Config struct {
	CloseDeadline time.Duration // T_close, default 30s
}

// DefaultConfig returns the spec.md-literal default.
func DefaultConfig() Config { return Config{CloseDeadline: 30 * time.Second} }

// Coordinator runs the shutdown sequence exactly once, however many callers
// request it (spec.md §4.9's single-fire guarantee).
type Coordinator struct {
	once sync.Once

	registry *monitor.Registry
	closer   Closer
	logger   *logging.Logger
	alerts   *alert.SafeSink
	cfg      Config

	cancelFunc context.CancelFunc
	cancelCh   chan struct{}

	exit func(code int) // os.Exit by default, swappable for tests
}

// New builds a Coordinator. cancelFunc cancels the session-wide context;
// cancelCh is closed to break every worker's blocking select loops
// immediately, ahead of ctx cancellation propagating.
func New(registry *monitor.Registry, closer Closer, logger *logging.Logger, alerts *alert.SafeSink, cfg Config, cancelFunc context.CancelFunc, cancelCh chan struct{}) *Coordinator {
	return &Coordinator{
		registry:   registry,
		closer:     closer,
		logger:     logger,
		alerts:     alerts,
		cfg:        cfg,
		cancelFunc: cancelFunc,
		cancelCh:   cancelCh,
		exit:       os.Exit,
	}
}

// RequestGraceful runs the graceful shutdown path (spec.md §4.9): cancel
// in-flight work, flatten every remaining open position within the close
// deadline, log GRACEFUL_SHUTDOWN_STARTED/COMPLETED, then exit 0.
func (c *Coordinator) RequestGraceful(reason string) {
	c.once.Do(func() { c.run(reason, false) })
}

// RequestEmergencyShutdown runs the emergency path (spec.md §4.9): same
// flatten-then-exit sequence, but logged/alerted as EMERGENCY_SHUTDOWN and
// exiting non-zero, since it is always triggered by a risk violation or an
// unrecoverable failure.
func (c *Coordinator) RequestEmergencyShutdown(reason string) {
	c.once.Do(func() { c.run(reason, true) })
}

func (c *Coordinator) run(reason string, emergency bool) {
	close(c.cancelCh)
	c.cancelFunc()

	if emergency {
		c.logger.Emit(logging.EmergencyShutdown, zap.String("reason", reason))
		c.alerts.Alert(alert.Format(alert.TagShutdown, "EMERGENCY SHUTDOWN: "+reason))
	} else {
		c.logger.Emit(logging.GracefulShutdownStarted, zap.String("reason", reason))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseDeadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		// CloseAll is idempotent per position (domain.Position.Close() is a
		// no-op once terminal), so flattening under a fresh, unlinked
		// context here is safe even though c.cancelCh has already fired.
		c.closer.CloseAll(ctx, make(chan struct{}), c.registry, reason)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Raw().Warn("shutdown close deadline exceeded, exiting regardless", zap.Duration("deadline", c.cfg.CloseDeadline))
	}

	stillOpen := 0
	for _, p := range c.registry.Open() {
		if p.Status() == domain.StatusOpen {
			stillOpen++
		}
	}

	code := 0
	if emergency {
		code = 1
	}
	if !emergency {
		c.logger.Emit(logging.GracefulShutdownComplete, zap.Int("positions_still_open", stillOpen))
	}
	if stillOpen > 0 {
		c.alerts.Alert(alert.Format(alert.TagShutdown, "shutdown complete with positions still open: manual intervention required"))
	}

	c.exit(code)
}
