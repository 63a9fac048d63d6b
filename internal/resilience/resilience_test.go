package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/alert"
	"github.com/ironfly-systems/butterfly-engine/internal/errs"
)

func testWrapper(cfg Config) *Wrapper {
	alerts := alert.NewSafeSink(nopSink{}, zap.NewNop())
	return New("test", cfg, zap.NewNop(), alerts)
}

type nopSink struct{}

func (nopSink) Alert(string)  {}
func (nopSink) Notify(string) {}

func TestExec_SucceedsWithoutRetryOnFirstTry(t *testing.T) {
	w := testWrapper(DefaultConfig())
	calls := 0
	v, err := Exec(context.Background(), w, "op", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestExec_RetriesRecoverableErrorsThenSucceeds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	w := testWrapper(cfg)

	calls := 0
	v, err := Exec(context.Background(), w, "op", func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errs.APIError(0, "", "transient", nil)
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 2, calls)
}

func TestExec_NonRecoverableErrorAbortsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	w := testWrapper(cfg)

	calls := 0
	_, err := Exec(context.Background(), w, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errs.ConfigError("k", "fatal")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "a non-recoverable error must not be retried")
}

func TestExec_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1
	cfg.RetryBase = time.Millisecond
	cfg.FailureThreshold = 2
	w := testWrapper(cfg)

	failing := func(ctx context.Context) (int, error) {
		return 0, errs.APIError(503, "", "down", nil)
	}

	for i := 0; i < 2; i++ {
		_, err := Exec(context.Background(), w, "op", failing)
		assert.Error(t, err)
	}
	assert.Equal(t, StateOpen, w.State())

	_, err := Exec(context.Background(), w, "op", func(ctx context.Context) (int, error) {
		t.Fatal("breaker open: fn must not be invoked")
		return 0, nil
	})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "CIRCUIT_BREAKER_OPEN", e.VenueCode)
}

func TestWrapper_ResetClearsOpenState(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1
	cfg.RetryBase = time.Millisecond
	cfg.FailureThreshold = 1
	w := testWrapper(cfg)

	_, err := Exec(context.Background(), w, "op", func(ctx context.Context) (int, error) {
		return 0, errs.APIError(503, "", "down", nil)
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, w.State())

	w.Reset()
	assert.Equal(t, StateClosed, w.State())
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []string
}

func (s *recordingSink) Alert(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, text)
}
func (s *recordingSink) Notify(string) {}

func TestExec_RepeatedRecoverableErrorRaisesOperatorAlert(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1 // no in-Exec retries: each Exec call is one failed attempt
	cfg.RetryBase = time.Millisecond
	cfg.FailureThreshold = 1000 // keep the circuit breaker closed throughout
	cfg.RepeatAlertThreshold = 3
	cfg.RepeatAlertCooldown = time.Minute

	sink := &recordingSink{}
	w := New("test", cfg, zap.NewNop(), alert.NewSafeSink(sink, zap.NewNop()))

	failing := func(ctx context.Context) (int, error) {
		return 0, errs.APIError(0, "SAME_CODE", "down", nil)
	}

	for i := 0; i < 3; i++ {
		_, _ = Exec(context.Background(), w, "repeat-op", failing)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.alerts, 1, "exactly the 3rd occurrence within the cooldown should alert")
	assert.Contains(t, sink.alerts[0], "SAME_CODE")
}
