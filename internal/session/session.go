// Package session implements the Session Controller (spec.md §4.1): it gates
// all work to the configured session window, owns the idempotent
// WAITING -> ACTIVE -> ENDED state machine, and spawns/stops the Monitor,
// Risk Engine and Cycle Scheduler workers for the window's duration.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ironfly-systems/butterfly-engine/internal/domain"
	"github.com/ironfly-systems/butterfly-engine/internal/logging"
)

// Worker is anything the controller starts for the session's duration and
// stops on session end (Monitor, Risk Engine's Run loop, Scheduler).
type Worker interface {
	// Run blocks until ctx is cancelled or the worker finishes on its own
	// (e.g. the Scheduler exhausting its cycle count).
	Run(ctx context.Context)
}

type workerFunc func(ctx context.Context)

func (f workerFunc) Run(ctx context.Context) { f(ctx) }

// WorkerFunc adapts a plain function into a Worker.
func WorkerFunc(f func(ctx context.Context)) Worker { return workerFunc(f) }

// Controller owns the session lifecycle.
type Controller struct {
	logger *logging.Logger

	state    int32 // domain.SessionState, atomic
	start    time.Time
	end      time.Time
	workers  []Worker
	register sync.Once
}

// New builds a Controller for the [start, end) session window. Workers are
// attached via Attach before Run is called.
func New(logger *logging.Logger, start, end time.Time) *Controller {
	return &Controller{logger: logger, start: start, end: end, state: int32(domain.SessionWaiting)}
}

// Attach registers a worker to run for the session's ACTIVE duration.
// Must be called before Run.
func (c *Controller) Attach(w Worker) {
	c.workers = append(c.workers, w)
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() domain.SessionState {
	return domain.SessionState(atomic.LoadInt32(&c.state))
}

// transition moves the state forward exactly once per target state
// (spec.md §4.1: "state transitions are idempotent; a repeated request to
// enter a state already reached is a no-op").
func (c *Controller) transition(to domain.SessionState) bool {
	for {
		cur := atomic.LoadInt32(&c.state)
		if domain.SessionState(cur) == to || cur > int32(to) {
			return false
		}
		if atomic.CompareAndSwapInt32(&c.state, cur, int32(to)) {
			return true
		}
	}
}

// Run blocks until the session window opens (logging SESSION_MISSED and
// returning immediately if the window has already fully elapsed), then runs
// every attached worker until the window ends or ctx is cancelled, then
// transitions to ENDED.
func (c *Controller) Run(ctx context.Context) {
	now := time.Now()
	if !now.Before(c.end) {
		c.logger.Emit(logging.SessionMissed, zap.Time("session_end", c.end))
		c.transition(domain.SessionEnded)
		return
	}

	if now.Before(c.start) {
		wait := c.start.Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	if !c.transition(domain.SessionActive) {
		return
	}
	c.logger.Emit(logging.SessionStarted, zap.Time("session_start", c.start), zap.Time("session_end", c.end))

	sessionCtx, cancel := context.WithDeadline(ctx, c.end)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range c.workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(sessionCtx)
		}()
	}
	wg.Wait()

	c.transition(domain.SessionEnded)
}
