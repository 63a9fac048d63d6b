// Package resilience wraps every outbound venue call with retry-with-backoff
// (innermost) inside a process-wide circuit breaker (outermost), per
// spec.md §4.8. The circuit breaker is github.com/sony/gobreaker (already in
// the teacher's go.mod, internal/architecture/fx/resilience/circuit_breaker.go),
// configured so its built-in state machine reproduces spec.md's bespoke
// CLOSED/OPEN/HALF_OPEN rules exactly: ReadyToTrip trips on F=5 consecutive
// failures, Timeout is T_open (OPEN -> HALF_OPEN), MaxRequests is S=3
// half-open trial requests (closing the breaker once all S succeed), and
// Interval resets the failure tally every T_reset while CLOSED.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/errs"
	"github.com/ironfly-systems/butterfly-engine/internal/metrics"
)

// Config holds the spec.md §4.8 constants.
type Config struct {
	RetryAttempts    int           // R, default 3
	RetryBase        time.Duration // base delay, default 1s
	FailureThreshold uint32        // F, default 5
	SuccessThreshold uint32        // S, default 3
	OpenTimeout      time.Duration // T_open, default 2m
	ResetInterval    time.Duration // T_reset, default 10m

	// RepeatAlertThreshold/RepeatAlertCooldown feed the spec.md §7
	// repeated-error alert: the Nth failed attempt with the same error code
	// (recoverable or not) within the cooldown window raises a single
	// operator alert.
	// Zero threshold disables the repeat-alert escalation entirely.
	RepeatAlertThreshold int
	RepeatAlertCooldown  time.Duration
}

// DefaultConfig returns the spec.md-literal defaults.
func DefaultConfig() Config {
	return Config{
		RetryAttempts:        3,
		RetryBase:            time.Second,
		FailureThreshold:     5,
		SuccessThreshold:     3,
		OpenTimeout:          2 * time.Minute,
		ResetInterval:        10 * time.Minute,
		RepeatAlertThreshold: 3,
		RepeatAlertCooldown:  5 * time.Minute,
	}
}

// Wrapper is the Resilience Wrapper (spec.md §4.8). It is constructed once at
// boot and passed into every component as an explicit dependency (spec.md §9:
// no hidden globals).
type Wrapper struct {
	name   string
	cfg    Config
	logger *zap.Logger
	alerts *alert.SafeSink
	repeat *alert.RepeatLimiter
	prom   *metrics.Registry

	cb *gobreaker.CircuitBreaker
}

// New builds a resilience wrapper around a single named circuit breaker.
func New(name string, cfg Config, logger *zap.Logger, alerts *alert.SafeSink) *Wrapper {
	w := &Wrapper{name: name, cfg: cfg, logger: logger, alerts: alerts}
	w.cb = w.newBreaker()
	if cfg.RepeatAlertThreshold > 0 {
		w.repeat = alert.NewRepeatLimiter(cfg.RepeatAlertThreshold, cfg.RepeatAlertCooldown)
	}
	return w
}

// SetMetrics attaches the Prometheus registry the wrapper reports circuit
// breaker trips to. Optional: a nil registry is a no-op.
func (w *Wrapper) SetMetrics(m *metrics.Registry) { w.prom = m }

func (w *Wrapper) newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        w.name,
		MaxRequests: w.cfg.SuccessThreshold,
		Interval:    w.cfg.ResetInterval,
		Timeout:     w.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			w.logger.Info("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				w.alerts.Alert(alert.Format(alert.TagRisk, "circuit breaker "+name+" OPEN"))
				if w.prom != nil {
					w.prom.CircuitBreakerOpens.Inc()
				}
			}
		},
	})
}

// State returns the breaker's current state, mapped onto spec.md §3's
// CircuitBreakerState vocabulary.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// State returns the breaker's current state.
func (w *Wrapper) State() State {
	switch w.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Reset replaces the underlying circuit breaker with a fresh CLOSED one
// (testable property: circuitBreaker.reset() then N successes => CLOSED,
// failure_count=0). gobreaker exposes no in-place reset, so — following the
// teacher's CircuitBreakerFactory.Reset, which recreates its breaker map —
// this recreates the single breaker instance.
func (w *Wrapper) Reset() {
	w.cb = w.newBreaker()
}

// Exec runs fn through the retry loop, then through the circuit breaker.
// opName is used only for logging/alert context.
func Exec[T any](ctx context.Context, w *Wrapper, opName string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	onFail := func(err error) {
		if w.repeat == nil {
			return
		}
		code := "GENERAL"
		if e, ok := err.(*errs.Error); ok {
			code = string(e.Kind)
			if e.VenueCode != "" {
				code = e.VenueCode
			}
		}
		if w.repeat.ShouldAlert(code, opName, time.Now()) {
			w.alerts.Alert(alert.Format(alert.TagRisk, "repeated "+code+" error on "+opName+": "+err.Error()))
		}
	}

	raw, err := w.cb.Execute(func() (interface{}, error) {
		return retry(ctx, w.cfg.RetryAttempts, w.cfg.RetryBase, onFail, fn)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return zero, errs.APIError(0, "CIRCUIT_BREAKER_OPEN", "circuit breaker open for "+opName, err)
		}
		return zero, err
	}
	return raw.(T), nil
}

// retry is the innermost layer: up to attempts tries with delays
// base*2^(attempt-1), surfacing the last error if every attempt fails. A
// non-recoverable error aborts immediately without burning further attempts.
func retry[T any](ctx context.Context, attempts int, base time.Duration, onFail func(error), fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		onFail(err)

		if e, ok := err.(*errs.Error); ok && !e.IsRecoverable() {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := base * time.Duration(int64(1)<<uint(attempt-1))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}
