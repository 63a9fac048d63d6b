// Package alert defines the operator alert sink (spec.md §6: Alert/Log
// Sinks) and a rate-limited wrapper that enforces spec.md §7's repeat-error
// cooldown and §5's rate-limit-alert throttling. Grounded on the teacher's
// token-bucket rate limiter (internal/trading/mitigation/rate_limiter.go,
// golang.org/x/time/rate) repurposed from request throttling to alert
// throttling.
package alert

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink is the consumed alert interface (spec.md §6): fire-and-forget, never
// fatal. Concrete transports (chat webhook, SMS gateway, ...) are out of
// scope; this repo only depends on the interface shape.
type Sink interface {
	Alert(text string)
	Notify(text string)
}

// Tag is one of the conventional prefixes spec.md §6 names for alert text.
type Tag string

const (
	TagCycle    Tag = "CYCLE"
	TagPosition Tag = "POSITION"
	TagRisk     Tag = "RISK"
	TagOrder    Tag = "ORDER"
	TagShutdown Tag = "SHUTDOWN"
)

// Format prefixes an alert body with its conventional tag.
func Format(tag Tag, body string) string {
	return fmt.Sprintf("[%s] %s", tag, body)
}

// SafeSink swallows panics/errors from the underlying sink so that a
// failing alert/notify transport can never propagate into the engine
// (spec.md §7: "alert-sink and log-sink failures are always swallowed").
type SafeSink struct {
	inner  Sink
	logger *zap.Logger
}

// NewSafeSink wraps inner so failures never escape.
func NewSafeSink(inner Sink, logger *zap.Logger) *SafeSink {
	return &SafeSink{inner: inner, logger: logger}
}

func (s *SafeSink) Alert(text string) {
	defer s.recover("alert")
	s.inner.Alert(text)
}

func (s *SafeSink) Notify(text string) {
	defer s.recover("notify")
	s.inner.Notify(text)
}

func (s *SafeSink) recover(op string) {
	if r := recover(); r != nil {
		s.logger.Warn("alert sink failed, swallowing", zap.String("op", op), zap.Any("panic", r))
	}
}

// RepeatLimiter lifts recoverable errors to a single operator alert when the
// same (errorCode, context) pair repeats >= threshold times within cooldown
// (spec.md §7, testable property 8). It also throttles rate-limit alerts to
// one per 2*cooldown (spec.md §5 back-pressure rule), tracked separately.
type RepeatLimiter struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	counts map[string]*window
	lastRL map[string]time.Time
}

type window struct {
	count     int
	windowEnd time.Time
	alerted   bool
}

// NewRepeatLimiter builds a limiter with the given threshold and cooldown
// (spec.md default: threshold 3, cooldown 5 minutes).
func NewRepeatLimiter(threshold int, cooldown time.Duration) *RepeatLimiter {
	return &RepeatLimiter{
		threshold: threshold,
		cooldown:  cooldown,
		counts:    make(map[string]*window),
		lastRL:    make(map[string]time.Time),
	}
}

// key joins an error code and free-form context into one rate-limit bucket.
func key(errorCode, context string) string { return errorCode + "|" + context }

// ShouldAlert records one occurrence of (errorCode, context) and reports
// whether this occurrence should produce an operator alert: true exactly
// once per cooldown window, on the occurrence that first reaches threshold.
func (r *RepeatLimiter) ShouldAlert(errorCode, context string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(errorCode, context)
	w, ok := r.counts[k]
	if !ok || now.After(w.windowEnd) {
		w = &window{windowEnd: now.Add(r.cooldown)}
		r.counts[k] = w
	}
	w.count++
	if w.count == r.threshold && !w.alerted {
		w.alerted = true
		return true
	}
	return false
}

// ShouldAlertRateLimit throttles rate-limit alerts to at most one per
// 2*cooldown for a given context, per spec.md §5.
func (r *RepeatLimiter) ShouldAlertRateLimit(context string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastRL[context]
	if ok && now.Sub(last) < 2*r.cooldown {
		return false
	}
	r.lastRL[context] = now
	return true
}

// Reset clears all rate-limit state (testable property: errorCounts.reset()).
func (r *RepeatLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = make(map[string]*window)
	r.lastRL = make(map[string]time.Time)
}
